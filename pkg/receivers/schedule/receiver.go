// Package schedule provides the receiver that turns deployment schedules
// into run requests. It polls the store for scheduled deployments,
// computes activations that fell due since the previous scan, and
// publishes one run.requested per activation. Idempotency keys are
// derived from the activation time, so overlapping receivers and
// restarts collapse into a single run per activation.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trellis-ml/trellis/pkg/eventbus"
	"github.com/trellis-ml/trellis/pkg/events"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

const defaultScanInterval = 1 * time.Minute

type Receiver struct {
	logger   *slog.Logger
	store    persistence.Store
	eventBus eventbus.EventBus
	interval time.Duration

	ticker   *time.Ticker
	done     chan bool
	lastScan time.Time
	started  bool
	mu       sync.Mutex
}

func NewReceiver(logger *slog.Logger, store persistence.Store, eventBus eventbus.EventBus, interval time.Duration) *Receiver {
	if interval <= 0 {
		interval = defaultScanInterval
	}

	return &Receiver{
		logger:   logger.With("module", "schedule_receiver"),
		store:    store,
		eventBus: eventBus,
		interval: interval,
	}
}

// Start begins periodic schedule scanning.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	r.logger.InfoContext(ctx, "Starting schedule receiver", "interval", r.interval)

	r.ticker = time.NewTicker(r.interval)
	r.done = make(chan bool)
	r.lastScan = time.Now().UTC()
	r.started = true

	go r.poll(ctx)

	return nil
}

// Stop gracefully shuts down the receiver.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	r.logger.InfoContext(ctx, "Stopping schedule receiver")

	r.ticker.Stop()

	select {
	case r.done <- true:
	default:
	}

	r.started = false

	return nil
}

func (r *Receiver) poll(ctx context.Context) {
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-r.ticker.C:
			now := time.Now().UTC()
			r.processDueDeployments(ctx, r.lastScan, now)
			r.lastScan = now
		}
	}
}

// processDueDeployments publishes a run request for every activation in
// (from, to]. Activation keys are deterministic, so replaying a window
// cannot start a second run.
func (r *Receiver) processDueDeployments(ctx context.Context, from, to time.Time) {
	deployments, err := r.store.ListDeployments(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to list deployments for schedule scan", "error", err)

		return
	}

	for _, deployment := range deployments {
		if deployment.RunConfig.Schedule == nil {
			continue
		}

		if err := r.activate(ctx, deployment, from, to); err != nil {
			r.logger.ErrorContext(ctx, "Failed to activate scheduled deployment",
				"deployment_id", deployment.ID,
				"error", err)
		}
	}
}

func (r *Receiver) activate(ctx context.Context, deployment *models.Deployment, from, to time.Time) error {
	schedule := deployment.RunConfig.Schedule

	due, err := schedule.Next(from)
	if err != nil {
		return err
	}

	for !due.After(to) {
		key := fmt.Sprintf("sched-%s-%d", deployment.ID, due.Unix())

		event := events.RunRequested{
			BaseEvent:      events.NewBaseEvent(events.RunRequestedEvent, deployment.ID, ""),
			IdempotencyKey: key,
			Initiator:      "schedule",
		}

		if err := r.eventBus.Publish(ctx, deployment.ID+":"+key, event); err != nil {
			return fmt.Errorf("failed to publish run request: %w", err)
		}

		r.logger.InfoContext(ctx, "Published scheduled run request",
			"deployment_id", deployment.ID,
			"due_at", due,
			"idempotency_key", key)

		due, err = schedule.Next(due)
		if err != nil {
			return err
		}
	}

	return nil
}
