package dispatch

import (
	"context"
	"log/slog"
)

// LogPusher stands in for FCM when no key is configured.
type LogPusher struct {
	Logger *slog.Logger
}

func (p LogPusher) Push(_ context.Context, msg PushMessage) error {
	if msg.Token == "" {
		return nil
	}
	p.Logger.Info("push_skipped",
		slog.String("title", msg.Title),
		slog.String("body", msg.Body),
		slog.Int("data_fields", len(msg.Data)),
	)
	return nil
}
