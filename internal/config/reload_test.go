package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer guards log output written while Run is polling
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogger() (*logrus.Logger, *lockedBuffer) {
	buf := &lockedBuffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	return logger, buf
}

func writeConfigAt(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// loadedReloader returns a reloader primed with the file as Run would leave it
func loadedReloader(t *testing.T, content string) (*Reloader, string, *lockedBuffer) {
	t.Helper()
	logger, buf := captureLogger()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfigAt(t, path, content)

	r := NewReloader(path, logger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	require.NotNil(t, r.Current())
	return r, path, buf
}

func TestNewReloader(t *testing.T) {
	logger, _ := captureLogger()
	r := NewReloader("config.json", logger)

	assert.Equal(t, "config.json", r.path)
	assert.Equal(t, defaultReloadInterval, r.interval)
	assert.Empty(t, r.appliers)
	assert.Nil(t, r.Current())
}

func TestReloader_RunMissingFile(t *testing.T) {
	logger, _ := captureLogger()
	r := NewReloader(filepath.Join(t.TempDir(), "missing.json"), logger)
	assert.Error(t, r.Run(context.Background()))
}

func TestReloader_AppliesLeadDefaultsWhilePolling(t *testing.T) {
	logger, buf := captureLogger()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfigAt(t, path, `{"leads": {"company": "Acme"}}`)

	r := NewReloader(path, logger)
	r.interval = 20 * time.Millisecond

	var mu sync.Mutex
	var applied models.LeadsConfig
	r.Apply(func(cfg *models.Config) {
		mu.Lock()
		defer mu.Unlock()
		applied = cfg.Leads
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Current() != nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "Acme", r.Current().Leads.Company)

	writeConfigAt(t, path, `{"leads": {"company": "Globex", "owner": "sales@globex.test"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return applied.Company == "Globex"
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, "sales@globex.test", r.Current().Leads.Owner)
	assert.Contains(t, buf.String(), "Applied config change")
}

func TestReloader_UnchangedContentIsNotReapplied(t *testing.T) {
	r, path, _ := loadedReloader(t, `{"log_level": "info"}`)
	calls := 0
	r.Apply(func(*models.Config) { calls++ })

	assert.False(t, r.check())

	// Rewriting identical bytes is not a change
	writeConfigAt(t, path, `{"log_level": "info"}`)
	assert.False(t, r.check())
	assert.Zero(t, calls)

	writeConfigAt(t, path, `{"log_level": "debug"}`)
	assert.True(t, r.check())
	assert.Equal(t, 1, calls)
	assert.Equal(t, "debug", r.Current().LogLevel)
}

func TestReloader_RejectedFileKeepsSettings(t *testing.T) {
	r, path, buf := loadedReloader(t, `{}`)
	before := r.Current()

	writeConfigAt(t, path, `{"queue": {"driver": "kafka"}}`)
	assert.False(t, r.check())
	assert.Same(t, before, r.Current())
	assert.Contains(t, buf.String(), "Config change rejected")

	// The same broken content is not reported again
	assert.False(t, r.check())
}

func TestReloader_PanickingApplierDoesNotStopOthers(t *testing.T) {
	r, path, buf := loadedReloader(t, `{}`)
	var order []string
	r.Apply(func(*models.Config) {
		order = append(order, "logger")
		panic("boom")
	})
	r.Apply(func(*models.Config) { order = append(order, "leads") })

	writeConfigAt(t, path, `{"leads": {"disabled": true}}`)
	require.True(t, r.check())

	assert.Equal(t, []string{"logger", "leads"}, order)
	assert.Contains(t, buf.String(), "Config applier panicked")
}

func TestReloader_WarnsAboutRestartOnlySections(t *testing.T) {
	r, path, buf := loadedReloader(t, `{"log_level": "info"}`)

	writeConfigAt(t, path, `{"log_level": "warn", "rate_limit": {"min_interval_ms": 500}}`)
	require.True(t, r.check())
	assert.Contains(t, buf.String(), "only take effect after a restart")
	assert.Contains(t, buf.String(), "rate_limit")
}

func TestRestartOnly(t *testing.T) {
	prev := &models.Config{LogLevel: "info"}

	assert.Nil(t, restartOnly(nil, prev))
	assert.Empty(t, restartOnly(prev, &models.Config{LogLevel: "debug", Leads: models.LeadsConfig{Owner: "ops"}}))
	assert.Equal(t, []string{"server", "queue"}, restartOnly(prev, &models.Config{
		Server: models.ServerConfig{Port: 9000},
		Queue:  models.QueueConfig{Driver: "amqp"},
	}))
}
