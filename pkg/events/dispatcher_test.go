package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Concurrency = 1
	cfg.ClaimTimeout = 0
	cfg.RetentionDays = 0
	return cfg
}

func TestDispatcherDeliversEvent(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var (
		mu        sync.Mutex
		delivered []int64
	)
	notifier := NotifierFunc(func(_ context.Context, e *Event) error {
		p, err := DecodeVerificationPublished(e)
		if err != nil {
			return err
		}
		mu.Lock()
		delivered = append(delivered, p.VerificationNumber)
		mu.Unlock()
		return nil
	})

	event, err := store.EnqueueVerificationPublished(ctx, samplePayload(7))
	require.NoError(t, err)

	d := NewDispatcher(store, notifier, testConfig(), nil)
	var observed atomic.Int32
	d.OnDelivery(func(eventType string, ok bool) {
		if ok && eventType == TypeVerificationPublished {
			observed.Add(1)
		}
	})
	go d.Run(ctx)

	require.Eventually(t, func() bool {
		e, _ := store.Get(context.Background(), event.ID)
		return e != nil && e.State == StateDelivered
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int64{7}, delivered)
	mu.Unlock()
	assert.Equal(t, int32(1), observed.Load())
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var calls atomic.Int32
	notifier := NotifierFunc(func(context.Context, *Event) error {
		if calls.Add(1) == 1 {
			return errors.New("webhook unavailable")
		}
		return nil
	})

	event, err := store.EnqueueVerificationPublished(ctx, samplePayload(1))
	require.NoError(t, err)

	go NewDispatcher(store, notifier, testConfig(), nil).Run(ctx)

	require.Eventually(t, func() bool {
		e, _ := store.Get(context.Background(), event.ID)
		return e != nil && e.State == StateDelivered
	}, 2*time.Second, 20*time.Millisecond)

	e, err := store.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, e.AttemptCount)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcherMarksEventFailed(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	notifier := NotifierFunc(func(context.Context, *Event) error {
		return errors.New("always down")
	})

	event, err := store.EnqueueVerificationPublished(ctx, samplePayload(1))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxRetries = 2
	go NewDispatcher(store, notifier, cfg, nil).Run(ctx)

	require.Eventually(t, func() bool {
		e, _ := store.Get(context.Background(), event.ID)
		return e != nil && e.State == StateFailed
	}, 2*time.Second, 20*time.Millisecond)

	e, err := store.Get(context.Background(), event.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, e.AttemptCount)
	assert.Equal(t, "always down", e.LastError)
}

func TestDispatcherDisabled(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.Enabled = false

	done := make(chan struct{})
	go func() {
		NewDispatcher(store, nil, cfg, nil).Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled dispatcher should return immediately")
	}
}

func TestLogNotifierRejectsBadPayload(t *testing.T) {
	err := LogNotifier{}.Notify(context.Background(), &Event{ID: "x", Type: TypeVerificationPublished, Payload: "{"})
	assert.Error(t, err)

	err = LogNotifier{}.Notify(context.Background(), &Event{ID: "y", Type: "other", Payload: "{}"})
	assert.NoError(t, err)
}
