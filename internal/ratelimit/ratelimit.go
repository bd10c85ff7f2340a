package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Meta usage headers carry percentages of the hourly quota
const (
	headerAppUsage      = "X-App-Usage"
	headerBusinessUsage = "X-Business-Use-Case-Usage"
	headerAdAccount     = "X-Ad-Account-Usage"
	headerRemaining     = "X-RateLimit-Remaining"
	headerReset         = "X-RateLimit-Reset"
	headerRetryAfter    = "Retry-After"

	// Reset values above this are epoch seconds, below it a delta
	epochThreshold = 1_000_000_000
)

// Settings tunes a Limiter
type Settings struct {
	// MinInterval paces calls when the provider sent no usable headers
	MinInterval time.Duration
	// Cooldown is the suspension applied at full usage without a regain hint
	Cooldown time.Duration
	// UsageThreshold is the percentage at which calls are suspended
	UsageThreshold float64
}

// FromConfig builds Settings from the rate_limit config section
func FromConfig(cfg models.RateLimitConfig) Settings {
	s := Settings{
		MinInterval:    time.Duration(cfg.MinIntervalMs) * time.Millisecond,
		Cooldown:       time.Duration(cfg.CooldownSec) * time.Second,
		UsageThreshold: constants.DefaultUsageThresholdPercent,
	}
	if s.MinInterval <= 0 {
		s.MinInterval = time.Duration(constants.DefaultMinCallIntervalMs) * time.Millisecond
	}
	if s.Cooldown <= 0 {
		s.Cooldown = time.Duration(constants.DefaultRateLimitCooldownSec) * time.Second
	}
	return s
}

type platformState struct {
	pacer        *rate.Limiter
	blockedUntil time.Time
	remaining    int
	resetAt      time.Time
	usage        float64
}

// Limiter throttles provider calls per platform. One Limiter is shared by
// every connector of the process so all accounts of a platform draw from the
// same window.
type Limiter struct {
	settings Settings
	logger   *logrus.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	states map[models.Platform]*platformState
}

func New(settings Settings, logger *logrus.Logger) *Limiter {
	if settings.UsageThreshold <= 0 {
		settings.UsageThreshold = constants.DefaultUsageThresholdPercent
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Limiter{
		settings: settings,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		states:   make(map[models.Platform]*platformState),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// state must be called with mu held
func (l *Limiter) state(platform models.Platform) *platformState {
	st, ok := l.states[platform]
	if !ok {
		st = &platformState{
			pacer:     rate.NewLimiter(rate.Every(l.settings.MinInterval), 1),
			remaining: -1,
		}
		l.states[platform] = st
	}
	return st
}

// WaitIfNeeded blocks until platform may take one more call. It only fails
// when ctx ends first, with a RateLimitError wrapping the context error.
func (l *Limiter) WaitIfNeeded(ctx context.Context, platform models.Platform) error {
	for {
		l.mu.Lock()
		st := l.state(platform)
		now := l.now()
		wait := time.Duration(0)
		if now.Before(st.blockedUntil) {
			wait = st.blockedUntil.Sub(now)
		} else if st.remaining == 0 && now.Before(st.resetAt) {
			wait = st.resetAt.Sub(now)
		} else if st.remaining == 0 {
			// window passed without a fresh header
			st.remaining = -1
		}
		// The quota slot is taken before pacing so concurrent callers can
		// never spend the same remaining call. A cancelled caller does not
		// hand its slot back.
		if wait <= 0 && st.remaining > 0 {
			st.remaining--
		}
		pacer := st.pacer
		l.mu.Unlock()

		if wait <= 0 {
			if err := pacer.Wait(ctx); err != nil {
				return apperrors.NewRateLimitError(string(platform), err)
			}
			return nil
		}

		l.logger.WithFields(logrus.Fields{
			constants.LogFieldPlatform: platform,
			constants.LogFieldWait:     wait.Milliseconds(),
		}).Debug("Waiting for provider quota")
		metrics.RateLimitWaits.WithLabelValues(string(platform)).Add(wait.Seconds())

		if err := l.sleep(ctx, wait); err != nil {
			return apperrors.NewRateLimitError(string(platform), err)
		}
	}
}

// UpdateFromResponse feeds provider rate-limit headers back into the state of
// platform. Missing or malformed headers leave the fixed pacing in charge.
func (l *Limiter) UpdateFromResponse(platform models.Platform, header http.Header) {
	if header == nil {
		return
	}

	now := l.now()
	usage, regain := parseMetaUsage(header)

	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(platform)

	if usage >= 0 {
		st.usage = usage
		if usage >= l.settings.UsageThreshold {
			until := now.Add(l.settings.Cooldown)
			if regain > 0 {
				until = now.Add(regain)
			}
			l.block(platform, st, until, "usage")
		}
	}

	if remaining, ok := parseInt(header.Get(headerRemaining)); ok {
		st.remaining = remaining
		if reset, ok := parseReset(header.Get(headerReset), now); ok {
			st.resetAt = reset
		} else if remaining == 0 {
			st.resetAt = now.Add(l.settings.Cooldown)
		}
	}

	if until, ok := parseRetryAfter(header.Get(headerRetryAfter), now); ok {
		l.block(platform, st, until, "retry_after")
	}
}

// block must be called with mu held
func (l *Limiter) block(platform models.Platform, st *platformState, until time.Time, reason string) {
	if !until.After(st.blockedUntil) {
		return
	}
	st.blockedUntil = until
	metrics.RateLimitSuspensions.WithLabelValues(string(platform)).Inc()
	l.logger.WithFields(logrus.Fields{
		constants.LogFieldPlatform: platform,
		"until":                    until.UTC().Format(time.RFC3339),
		"reason":                   reason,
		"usage_percent":            st.usage,
	}).Warn("Provider rate limit reached, suspending calls")
}

// Status is a snapshot of one platform's throttle state
type Status struct {
	Platform     models.Platform `json:"platform"`
	UsagePercent float64         `json:"usage_percent"`
	Remaining    int             `json:"remaining"`
	BlockedUntil time.Time       `json:"blocked_until,omitempty"`
}

func (l *Limiter) Status(platform models.Platform) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(platform)
	return Status{
		Platform:     platform,
		UsagePercent: st.usage,
		Remaining:    st.remaining,
		BlockedUntil: st.blockedUntil,
	}
}

var (
	sharedOnce sync.Once
	shared     *Limiter
)

// Shared returns the process-wide limiter, created with settings on first use
func Shared(settings Settings, logger *logrus.Logger) *Limiter {
	sharedOnce.Do(func() {
		shared = New(settings, logger)
	})
	return shared
}

type usageEntry struct {
	CallCount         float64 `json:"call_count"`
	TotalTime         float64 `json:"total_time"`
	TotalCPUTime      float64 `json:"total_cputime"`
	AccIDUtilPct      float64 `json:"acc_id_util_pct"`
	RegainAccessMin   float64 `json:"estimated_time_to_regain_access"`
	ResetTimeDuration float64 `json:"reset_time_duration"`
}

func (u usageEntry) max() float64 {
	m := u.CallCount
	for _, v := range []float64{u.TotalTime, u.TotalCPUTime, u.AccIDUtilPct} {
		if v > m {
			m = v
		}
	}
	return m
}

// parseMetaUsage returns the highest usage percentage across the Meta usage
// headers (-1 when none parsed) and the longest regain-access hint.
func parseMetaUsage(header http.Header) (float64, time.Duration) {
	usage := -1.0
	var regain time.Duration

	consider := func(e usageEntry) {
		if m := e.max(); m > usage {
			usage = m
		}
		if d := time.Duration(e.RegainAccessMin * float64(time.Minute)); d > regain {
			regain = d
		}
		if d := time.Duration(e.ResetTimeDuration * float64(time.Second)); d > regain {
			regain = d
		}
	}

	for _, name := range []string{headerAppUsage, headerAdAccount} {
		raw := strings.TrimSpace(header.Get(name))
		if raw == "" {
			continue
		}
		var entry usageEntry
		if err := json.Unmarshal([]byte(raw), &entry); err == nil {
			consider(entry)
		}
	}

	// {"<business id>": [{"type": "...", "call_count": 12, ...}]}
	if raw := strings.TrimSpace(header.Get(headerBusinessUsage)); raw != "" {
		var byBusiness map[string][]usageEntry
		if err := json.Unmarshal([]byte(raw), &byBusiness); err == nil {
			for _, entries := range byBusiness {
				for _, e := range entries {
					consider(e)
				}
			}
		}
	}

	return usage, regain
}

func parseInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func parseReset(raw string, now time.Time) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return time.Time{}, false
	}
	if n > epochThreshold {
		return time.Unix(n, 0), true
	}
	return now.Add(time.Duration(n) * time.Second), true
}

func parseRetryAfter(raw string, now time.Time) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if at, err := http.ParseTime(raw); err == nil && at.After(now) {
		return at, true
	}
	return time.Time{}, false
}
