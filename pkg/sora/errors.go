package sora

import (
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"

	"github.com/dkenzh/vidqueue/pkg/core"
)

// mapAPIError converts an SDK error into a classified engine error.
// Anything that is not a structured API error is a transport failure.
func mapAPIError(err error) *core.EngineError {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		cat := categoryFor(apierr.Code, apierr.Message, apierr.StatusCode)
		return core.NewEngineError(cat, apierr.Message, err)
	}
	return core.NewEngineError(core.CategoryTransport, err.Error(), err)
}

// categoryFor classifies an API failure by error code first, HTTP status
// second. The code list mirrors the permanent-failure codes the video API
// actually returns.
func categoryFor(code, message string, status int) core.ErrorCategory {
	switch code {
	case "moderation_blocked", "content_policy_violation":
		return core.CategoryContentPolicy
	case "invalid_prompt", "invalid_request_error":
		return core.CategoryInvalidInput
	case "billing_hard_limit_reached":
		return core.CategoryBillingLimit
	case "insufficient_quota":
		return core.CategoryQuota
	case "rate_limit_exceeded":
		return core.CategoryRateLimited
	}

	switch status {
	case http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(message), "quota") {
			return core.CategoryQuota
		}
		return core.CategoryRateLimited
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return core.CategoryInvalidInput
	case http.StatusForbidden:
		if strings.Contains(message, "Billing hard limit") {
			return core.CategoryBillingLimit
		}
		return core.CategoryUnknown
	}
	if status >= http.StatusInternalServerError {
		return core.CategoryTransport
	}
	return core.CategoryUnknown
}

// mapVideoFailure classifies the error block of a terminally-failed video.
func mapVideoFailure(code, message string) (core.ErrorCategory, string) {
	if message == "" {
		message = "video generation failed"
	}
	if code == "" {
		return core.CategoryUnknown, message
	}
	return categoryFor(code, message, 0), message
}
