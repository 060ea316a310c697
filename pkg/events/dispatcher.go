package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher delivers queued events using a pool of goroutines.
type Dispatcher struct {
	store    *Store
	notifier Notifier
	cfg      *Config
	logger   *slog.Logger
	observe  func(eventType string, delivered bool)
	wg       sync.WaitGroup
}

// NewDispatcher creates a new Dispatcher. A nil notifier logs events.
func NewDispatcher(store *Store, notifier Notifier, cfg *Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// OnDelivery registers a callback invoked after each delivery attempt.
func (d *Dispatcher) OnDelivery(fn func(eventType string, delivered bool)) {
	d.observe = fn
}

// Run starts the pool. It blocks until ctx is cancelled, then waits for the
// workers to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.store == nil || !d.cfg.Enabled {
		d.logger.Info("event dispatcher disabled")
		return
	}

	d.logger.Info("event dispatcher starting",
		"concurrency", d.cfg.Concurrency,
		"maxRetries", d.cfg.MaxRetries,
		"pollInterval", d.cfg.PollInterval.String())

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.cleanupLoop(ctx)
	}()

	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		go func(workerID int) {
			defer d.wg.Done()
			d.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	d.logger.Info("event dispatcher shutting down, waiting for workers to finish")
	d.wg.Wait()
	d.logger.Info("event dispatcher stopped")
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick.
			for d.processOne(ctx, workerID) {
			}
		}
	}
}

// processOne claims and delivers a single event. It reports whether an
// event was claimed.
func (d *Dispatcher) processOne(ctx context.Context, workerID int) bool {
	if ctx.Err() != nil {
		return false
	}
	event, err := d.store.Claim(ctx, d.cfg.MaxRetries)
	if err != nil {
		d.logger.Error("failed to claim event", "workerID", workerID, "error", err)
		return false
	}
	if event == nil {
		return false
	}

	if err := d.notifier.Notify(ctx, event); err != nil {
		d.logger.Warn("event delivery failed",
			"workerID", workerID,
			"eventID", event.ID,
			"attempt", event.AttemptCount,
			"error", err)
		if failErr := d.store.Fail(ctx, event.ID, err.Error(), d.cfg.MaxRetries); failErr != nil {
			d.logger.Error("failed to record delivery failure", "eventID", event.ID, "error", failErr)
		}
		d.report(event.Type, false)
		return true
	}

	if err := d.store.Complete(ctx, event.ID); err != nil {
		d.logger.Error("failed to mark event delivered", "eventID", event.ID, "error", err)
	}
	d.report(event.Type, true)
	return true
}

func (d *Dispatcher) report(eventType string, delivered bool) {
	if d.observe != nil {
		d.observe(eventType, delivered)
	}
}

// cleanupLoop periodically requeues stuck events and purges old ones.
func (d *Dispatcher) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.cleanup(ctx)
		}
	}
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	if d.cfg.ClaimTimeout > 0 {
		recovered, err := d.store.RequeueStuck(ctx, d.cfg.ClaimTimeout)
		if err != nil {
			d.logger.Error("failed to requeue stuck events", "error", err)
		} else if recovered > 0 {
			d.logger.Info("requeued stuck events", "count", recovered)
		}
	}

	if d.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -d.cfg.RetentionDays)
		deleted, err := d.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			d.logger.Error("failed to delete old events", "error", err)
		} else if deleted > 0 {
			d.logger.Info("deleted old events", "count", deleted)
		}
	}
}
