package sora

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/dkenzh/vidqueue/pkg/core"
)

// Client drives video generations through the OpenAI videos API.
// It implements core.Engine.
type Client struct {
	api       openai.Client
	artifacts core.ArtifactStore
	logger    *slog.Logger
}

// New creates a client. The artifact store is only consulted for
// image-to-video jobs, to read the input reference.
func New(apiKey string, artifacts core.ArtifactStore) *Client {
	return &Client{
		api:       openai.NewClient(option.WithAPIKey(apiKey)),
		artifacts: artifacts,
		logger:    slog.Default().With("component", "sora"),
	}
}

// Submit starts a generation for the job's parameters and returns the
// accepted generation with its external id.
func (c *Client) Submit(ctx context.Context, job *core.Job) (*core.Generation, error) {
	params := openai.VideoNewParams{
		Prompt:  job.Prompt,
		Model:   openai.VideoModel(job.Model),
		Seconds: openai.VideoSeconds(strconv.Itoa(job.Seconds)),
		Size:    openai.VideoSize(job.Size),
	}

	if job.InputRef != "" {
		input, err := c.artifacts.Open(ctx, job.InputRef)
		if err != nil {
			return nil, core.NewEngineError(core.CategoryInvalidInput,
				fmt.Sprintf("input reference %q unavailable", job.InputRef), err)
		}
		defer input.Close()
		params.InputReference = input
	}

	video, err := c.api.Videos.New(ctx, params)
	if err != nil {
		return nil, mapAPIError(err)
	}

	c.logger.Info("generation submitted", "job_id", job.ID, "video_id", video.ID)
	return generationFrom(video), nil
}

// Poll fetches the current status of a generation.
func (c *Client) Poll(ctx context.Context, externalID string) (*core.Generation, error) {
	video, err := c.api.Videos.Get(ctx, externalID)
	if err != nil {
		return nil, mapAPIError(err)
	}
	return generationFrom(video), nil
}

// FetchResult streams the finished video content.
func (c *Client) FetchResult(ctx context.Context, externalID string) (io.ReadCloser, error) {
	resp, err := c.api.Videos.DownloadContent(ctx, externalID, openai.VideoDownloadContentParams{})
	if err != nil {
		return nil, mapAPIError(err)
	}
	return resp.Body, nil
}

func generationFrom(video *openai.Video) *core.Generation {
	gen := &core.Generation{
		ID:       video.ID,
		Status:   core.GenerationStatus(video.Status),
		Progress: int(video.Progress),
	}
	if gen.Status == core.GenerationFailed {
		gen.FailureCategory, gen.FailureMessage = mapVideoFailure(video.Error.Code, video.Error.Message)
	}
	return gen
}
