package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTP API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_http_requests_total", Help: "Count of HTTP requests."},
		[]string{"route", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "socialbridge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"route", "method"},
	)
	HTTPInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "socialbridge_http_requests_in_flight", Help: "HTTP requests being served."},
	)

	// Provider calls
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_provider_requests_total", Help: "Provider API call outcomes."},
		[]string{"platform", "outcome"}, // ok | client_error | server_error | network_error | unauthorized | breaker_open
	)
	ProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "socialbridge_provider_request_duration_seconds",
			Help:    "Provider API latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
		[]string{"platform"},
	)
	TokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_token_refresh_total", Help: "Access token refresh attempts."},
		[]string{"platform", "result"}, // ok | error
	)
	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_rate_limit_wait_seconds_total", Help: "Time spent waiting for provider quota."},
		[]string{"platform"},
	)
	RateLimitSuspensions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_rate_limit_suspensions_total", Help: "Times a platform was suspended by usage headers."},
		[]string{"platform"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "socialbridge_circuit_breaker_state", Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)."},
		[]string{"name"},
	)

	// Inbox and leads
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_webhooks_total", Help: "Webhook deliveries by outcome."},
		[]string{"platform", "result"}, // accepted | rejected | error
	)
	MessagesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_messages_ingested_total", Help: "Ingested messages."},
		[]string{"platform", "result"}, // created | duplicate | error
	)
	LeadsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_leads_created_total", Help: "Leads created from inbound messages."},
		[]string{"platform"},
	)
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_messages_sent_total", Help: "Outbound send outcomes."},
		[]string{"platform", "result"}, // ok | error
	)

	// Publishing and jobs
	PostsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_posts_published_total", Help: "Post publish outcomes."},
		[]string{"status"},
	)
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "socialbridge_jobs_processed_total", Help: "Deferred job outcomes."},
		[]string{"kind", "result"}, // done | retry | failed | canceled
	)
	JobClaimBatch = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "socialbridge_job_claim_batch_size",
			Help:    "Number of jobs returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 5, 11), // 0,5,...,50
		},
	)

	// Live inbox
	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "socialbridge_inbox_stream_clients", Help: "Connected inbox websocket clients."},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequests, HTTPDuration, HTTPInFlight,
		ProviderRequests, ProviderDuration, TokenRefreshes,
		RateLimitWaits, RateLimitSuspensions, BreakerState,
		WebhooksReceived, MessagesIngested, LeadsCreated, MessagesSent,
		PostsPublished, JobsProcessed, JobClaimBatch,
		StreamClients,
	}
}

// Register adds the process collectors and every socialbridge collector to
// reg. Collectors that are already registered are skipped, so the server and
// the worker can share one registry in tests.
func Register(reg prometheus.Registerer) error {
	all := append([]prometheus.Collector{
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	}, collectors()...)

	for _, c := range all {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveProvider records one provider call
func ObserveProvider(platform, outcome string, took time.Duration) {
	ProviderRequests.WithLabelValues(platform, outcome).Inc()
	ProviderDuration.WithLabelValues(platform).Observe(took.Seconds())
}

// OutcomeForStatus buckets an HTTP status code into a provider outcome label
func OutcomeForStatus(status int) string {
	switch {
	case status == 401:
		return "unauthorized"
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "ok"
	}
}
