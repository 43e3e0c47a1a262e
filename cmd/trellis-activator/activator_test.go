package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence/file"
	"github.com/trellis-ml/trellis/pkg/protocol"
)

type fakeReceiver struct {
	started  int
	stopped  int
	startErr error
}

func (f *fakeReceiver) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}

	f.started++

	return nil
}

func (f *fakeReceiver) Stop(ctx context.Context) error {
	f.stopped++

	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestNewActivator(t *testing.T) {
	activator := NewActivator("test-activator", testLogger(), func() ([]protocol.Receiver, error) {
		return nil, nil
	})

	assert.NotNil(t, activator)
	assert.Equal(t, "test-activator", activator.id)
	assert.NotNil(t, activator.logger)
	assert.Equal(t, 0, activator.restartCount)
}

func TestActivator_RunStartsReceivers(t *testing.T) {
	first := &fakeReceiver{}
	second := &fakeReceiver{}

	activator := NewActivator("test-activator", testLogger(), func() ([]protocol.Receiver, error) {
		return []protocol.Receiver{first, second}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	activator.run(ctx)

	assert.Equal(t, 1, first.started)
	assert.Equal(t, 1, second.started)
	assert.Len(t, activator.receivers, 2)
}

func TestActivator_RunSkipsFailingReceiver(t *testing.T) {
	broken := &fakeReceiver{startErr: errors.New("connection refused")}
	healthy := &fakeReceiver{}

	activator := NewActivator("test-activator", testLogger(), func() ([]protocol.Receiver, error) {
		return []protocol.Receiver{broken, healthy}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	activator.run(ctx)

	assert.Equal(t, 0, broken.started)
	assert.Equal(t, 1, healthy.started)
	assert.Len(t, activator.receivers, 1)
}

func TestActivator_StopStopsReceivers(t *testing.T) {
	first := &fakeReceiver{}
	second := &fakeReceiver{}

	activator := NewActivator("test-activator", testLogger(), func() ([]protocol.Receiver, error) {
		return []protocol.Receiver{first, second}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	activator.run(ctx)
	activator.stop(context.Background(), cancel)

	assert.Equal(t, 1, first.stopped)
	assert.Equal(t, 1, second.stopped)
	assert.Empty(t, activator.receivers)
}

func TestValidateCommand_EmptyStore(t *testing.T) {
	err := NewValidateCommand().Run(context.Background(), []string{"validate", "--database-url", t.TempDir()})

	require.NoError(t, err)
}

func TestValidateCommand_ReportsInvalidDeployments(t *testing.T) {
	dir := t.TempDir()
	store := file.NewStore(dir)

	broken := &models.Deployment{ID: "dep-broken", PipelineName: "broken"}
	require.NoError(t, store.SaveDeployment(context.Background(), broken))

	err := NewValidateCommand().Run(context.Background(), []string{"validate", "--database-url", dir})

	require.ErrorIs(t, err, ErrInvalidDeployments)
}
