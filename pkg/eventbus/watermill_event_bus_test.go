package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trellis-ml/trellis/pkg/channels/gochannel"
	"github.com/trellis-ml/trellis/pkg/eventbus"
	"github.com/trellis-ml/trellis/pkg/events"
	"github.com/trellis-ml/trellis/pkg/models"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *events.StepCompleted, 1)

	err := bus.Handle(events.StepCompletedEvent, func(ctx context.Context, event any) error {
		completed, ok := event.(*events.StepCompleted)
		require.True(t, ok)

		received <- completed

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	published := events.StepCompleted{
		BaseEvent:  events.NewBaseEvent(events.StepCompletedEvent, "dep-1", "run-1"),
		StepName:   "train",
		OutputRefs: map[string]models.ArtifactRef{"model": "local://artifacts/run-1/train/model"},
	}
	require.NoError(t, bus.Publish(ctx, "run-1", published))

	select {
	case got := <-received:
		assert.Equal(t, "train", got.StepName)
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, published.OutputRefs, got.OutputRefs)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for step.completed")
	}
}

func TestWatermillEventBus_UnhandledTypeDoesNotWedgeSubscriber(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan struct{}, 1)

	err := bus.Handle(events.RunFinishedEvent, func(ctx context.Context, event any) error {
		received <- struct{}{}

		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered for run.started; it must be acked and skipped.
	require.NoError(t, bus.Publish(ctx, "run-1", events.RunStarted{
		BaseEvent: events.NewBaseEvent(events.RunStartedEvent, "dep-1", "run-1"),
	}))
	require.NoError(t, bus.Publish(ctx, "run-1", events.RunFinished{
		BaseEvent: events.NewBaseEvent(events.RunFinishedEvent, "dep-1", "run-1"),
		Status:    models.StatusCompleted,
	}))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run.finished")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	assert.NotEmpty(t, bus.GenerateID())
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
