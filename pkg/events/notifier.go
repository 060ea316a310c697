package events

import (
	"context"
	"log/slog"
)

// Notifier delivers an event to whatever reacts to it, such as webhooks.
type Notifier interface {
	Notify(ctx context.Context, event *Event) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event *Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, event *Event) error { return f(ctx, event) }

// LogNotifier logs each event. It is the default when no webhook transport
// is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the event.
func (n LogNotifier) Notify(ctx context.Context, event *Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if event.Type != TypeVerificationPublished {
		logger.InfoContext(ctx, "event published", "eventID", event.ID, "type", event.Type)
		return nil
	}
	p, err := DecodeVerificationPublished(event)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "verification published",
		"eventID", event.ID,
		"verificationNumber", p.VerificationNumber,
		"consumer", p.Consumer,
		"provider", p.Provider,
		"providerVersion", p.ProviderVersion,
		"success", p.Success)
	return nil
}
