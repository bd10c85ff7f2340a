package config

import (
	"context"
	"crypto/sha256"
	"os"
	"sync"
	"time"

	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultReloadInterval = 5 * time.Second

// Reloader polls the config file and hands each new revision to its appliers.
// Only the log level and lead defaults are live; every other section is read
// once at startup.
type Reloader struct {
	path     string
	interval time.Duration
	logger   *logrus.Logger

	mu       sync.RWMutex
	current  *models.Config
	digest   [sha256.Size]byte
	appliers []func(*models.Config)
}

func NewReloader(path string, logger *logrus.Logger) *Reloader {
	return &Reloader{path: path, interval: defaultReloadInterval, logger: logger}
}

// Apply registers fn to run, in registration order, for every new revision
func (r *Reloader) Apply(fn func(*models.Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appliers = append(r.appliers, fn)
}

// Current is nil until Run has loaded the file
func (r *Reloader) Current() *models.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Run loads the file and then checks it every interval until ctx is done
func (r *Reloader) Run(ctx context.Context) error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	cfg, err := LoadConfig(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.current = cfg
	r.digest = sha256.Sum256(raw)
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"path":     r.path,
		"interval": r.interval.String(),
	}).Info("Watching config for log level and lead default changes")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.check()
		}
	}
}

// check reloads when the file content differs from the last revision seen.
// It reports whether a new revision was applied.
func (r *Reloader) check() bool {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		r.logger.WithError(err).Warn("Config file unreadable, keeping current settings")
		return false
	}
	digest := sha256.Sum256(raw)

	r.mu.Lock()
	if digest == r.digest {
		r.mu.Unlock()
		return false
	}
	// A half-written file gets a new digest once the write completes
	r.digest = digest
	r.mu.Unlock()

	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Warn("Config change rejected, keeping current settings")
		return false
	}
	r.swap(next)
	return true
}

func (r *Reloader) swap(next *models.Config) {
	r.mu.Lock()
	prev := r.current
	r.current = next
	appliers := append([]func(*models.Config){}, r.appliers...)
	r.mu.Unlock()

	for _, apply := range appliers {
		r.runApplier(apply, next)
	}

	r.logger.WithFields(logrus.Fields{
		"log_level":      next.LogLevel,
		"leads_disabled": next.Leads.Disabled,
		"lead_owner":     next.Leads.Owner,
		"lead_company":   next.Leads.Company,
	}).Info("Applied config change")

	if sections := restartOnly(prev, next); len(sections) > 0 {
		r.logger.WithField("sections", sections).Warn("Config sections changed that only take effect after a restart")
	}
}

func (r *Reloader) runApplier(apply func(*models.Config), next *models.Config) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.WithField("panic", p).Error("Config applier panicked")
		}
	}()
	apply(next)
}

// restartOnly names the sections that differ between prev and next but are
// not applied live
func restartOnly(prev, next *models.Config) []string {
	if prev == nil {
		return nil
	}
	var changed []string
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
		}
	}
	add("server", prev.Server != next.Server)
	add("database", prev.Database != next.Database)
	add("graph", prev.Graph != next.Graph)
	add("whatsapp", prev.WhatsApp != next.WhatsApp)
	add("token", prev.Token != next.Token)
	add("rate_limit", prev.RateLimit != next.RateLimit)
	add("breaker", prev.Breaker != next.Breaker)
	add("queue", prev.Queue != next.Queue)
	add("scheduler", prev.Scheduler != next.Scheduler)
	add("tracing", prev.Tracing != next.Tracing)
	add("retry", prev.Retry != next.Retry)
	return changed
}
