package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"socialbridge/internal/models"
	"socialbridge/internal/service"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	previous := *configPath
	*configPath = path
	t.Cleanup(func() { *configPath = previous })
}

func TestRun_ConfigLoadError(t *testing.T) {
	useConfig(t, `{"database": {"path": "worker.db"}, "queue": {"driver": "kafka"}}`)

	err := run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestRun_StopsOnCancel(t *testing.T) {
	tests := []struct {
		name       string
		noSchedule bool
	}{
		{name: "with scheduler", noSchedule: false},
		{name: "jobs only", noSchedule: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := filepath.ToSlash(filepath.Join(t.TempDir(), "worker.db"))
			useConfig(t, fmt.Sprintf(`{
				"database": {"path": %q},
				"queue": {"poll_interval_sec": 1},
				"log_level": "warn"
			}`, dbPath))

			previous := *noSchedule
			*noSchedule = tt.noSchedule
			defer func() { *noSchedule = previous }()

			ctx, cancel := context.WithCancel(context.Background())
			errCh := make(chan error, 1)
			go func() {
				errCh <- run(ctx)
			}()

			time.Sleep(200 * time.Millisecond)
			cancel()

			select {
			case err := <-errCh:
				assert.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("Worker did not stop")
			}
		})
	}
}

func TestConsumeJobs_ConsumerFailureStopsScheduler(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	scheduler := service.NewScheduler(nil, nil, models.SchedulerConfig{}, logger)

	consume := func(ctx context.Context) error {
		return errors.New("delivery channel closed")
	}

	done := make(chan error, 1)
	go func() {
		done <- consumeJobs(context.Background(), consume, scheduler)
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "delivery channel closed")
	case <-time.After(5 * time.Second):
		t.Fatal("consumeJobs did not return after the consumer failed")
	}
}

func TestConsumeJobs_CancelledContextIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consume := func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}

	assert.NoError(t, consumeJobs(ctx, consume, nil))
}

func TestConsumeJobs_UnexpectedReturnIsAnError(t *testing.T) {
	consume := func(ctx context.Context) error { return nil }

	err := consumeJobs(context.Background(), consume, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job consumer stopped")
}
