// Package notify provides owner-facing delivery implementations.
//
// The chat front-end supplies its own core.Notifier; the log notifier here
// exists for development and headless deployments.
package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes deliveries and text events to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// DeliverArtifact logs the artifact delivery.
func (n *LogNotifier) DeliverArtifact(ctx context.Context, deliverTo, artifactKey, caption string) error {
	n.logger.InfoContext(ctx, "deliver artifact", "to", deliverTo, "artifact", artifactKey, "caption", caption)
	return nil
}

// NotifyText logs the text event.
func (n *LogNotifier) NotifyText(ctx context.Context, deliverTo, text string) error {
	n.logger.InfoContext(ctx, "notify", "to", deliverTo, "text", text)
	return nil
}
