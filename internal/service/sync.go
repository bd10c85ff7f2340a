package service

import (
	"context"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"
	"socialbridge/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// SyncReport is the outcome of syncing one channel
type SyncReport struct {
	ChannelID  string          `json:"channel_id"`
	Platform   models.Platform `json:"platform"`
	Fetched    int             `json:"fetched"`
	Created    int             `json:"created"`
	Duplicates int             `json:"duplicates"`
	Failed     int             `json:"failed"`
	Error      string          `json:"error,omitempty"`
}

// Sync pulls messages newer than each channel's last sync and ingests them.
// The sync timestamp only advances when every fetched message was stored,
// so failed messages are fetched again next time.
func (d *Dispatcher) Sync(ctx context.Context, channelID string) ([]SyncReport, error) {
	channels, err := d.channelsFor(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if d.ingester == nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidConfig, "no ingestion pipeline configured")
	}

	reports := make([]SyncReport, 0, len(channels))
	for _, ch := range channels {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		reports = append(reports, d.syncChannel(ctx, ch))
	}
	return reports, nil
}

func (d *Dispatcher) syncChannel(ctx context.Context, ch *models.Channel) SyncReport {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.sync",
		attribute.String("channel.id", ch.ID),
		attribute.String("channel.platform", string(ch.Platform)),
	)
	defer span.End()

	report := SyncReport{ChannelID: ch.ID, Platform: ch.Platform}
	log := d.channelLog(ch)
	start := d.now().UTC()

	conn, err := d.connectorFor(ctx, ch)
	if err != nil {
		report.Error = err.Error()
		log.WithError(err).Warn("Sync skipped")
		return report
	}

	raws := conn.FetchMessages(ctx, ch.LastSyncTimestamp)
	report.Fetched = len(raws)
	for _, raw := range raws {
		_, created, err := d.ingester.Ingest(ctx, raw, ch)
		switch {
		case err != nil:
			report.Failed++
			log.WithError(err).WithField(constants.LogFieldExternalID, raw.ExternalID).Warn("Failed to ingest synced message")
		case created:
			report.Created++
		default:
			report.Duplicates++
		}
	}

	if report.Failed == 0 {
		if err := d.store.UpdateLastSync(ctx, ch.ID, start); err != nil {
			report.Error = err.Error()
			log.WithError(err).Error("Failed to record sync time")
		}
	}
	log.WithFields(logrus.Fields{
		constants.LogFieldCount: report.Fetched,
		"created":               report.Created,
		"failed":                report.Failed,
	}).Info("Channel synced")
	return report
}

// HandleWebhook verifies a webhook delivery and hands it to every Active
// channel of the platform. Nothing reaches a connector unless the signature
// matches; per-channel failures are logged.
func (d *Dispatcher) HandleWebhook(ctx context.Context, platformKey string, body []byte, signature string) (models.Result, error) {
	platform, err := models.ParsePlatform(platformKey)
	if err != nil {
		return models.Failure(err), err
	}

	var secrets []string
	if d.secrets != nil {
		if secrets, err = d.secrets.WebhookSecrets(ctx, platform); err != nil {
			metrics.WebhooksReceived.WithLabelValues(platform.Key(), "error").Inc()
			return models.Failure(err), err
		}
	}
	if err := VerifySignature(body, signature, secrets); err != nil {
		metrics.WebhooksReceived.WithLabelValues(platform.Key(), "rejected").Inc()
		d.logger.WithError(err).WithField(constants.LogFieldPlatform, platform).Warn("Webhook rejected")
		return models.Failure(err), err
	}

	channels, err := d.store.ListChannels(ctx, platform, true)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(platform.Key(), "error").Inc()
		return models.Failure(err), err
	}
	for _, ch := range channels {
		log := d.channelLog(ch)
		conn, err := d.connectorFor(ctx, ch)
		if err != nil {
			log.WithError(err).Warn("No connector for webhook delivery")
			continue
		}
		if result := conn.ProcessWebhook(ctx, body); !result.Success {
			log.WithField(constants.LogFieldErrorCode, result.ErrorCode).
				WithField("error", result.Error).Warn("Channel failed to process webhook")
		}
	}

	metrics.WebhooksReceived.WithLabelValues(platform.Key(), "accepted").Inc()
	d.logger.WithFields(logrus.Fields{
		constants.LogFieldPlatform: platform,
		constants.LogFieldCount:    len(channels),
		constants.LogFieldSize:     len(body),
	}).Debug("Webhook routed")
	return models.Result{Success: true}, nil
}

// AnalyticsReport carries the analytics result of one channel
type AnalyticsReport struct {
	ChannelID string          `json:"channel_id"`
	Platform  models.Platform `json:"platform"`
	models.Result
}

// Analytics fetches insights for one channel or for every Active channel
func (d *Dispatcher) Analytics(ctx context.Context, channelID string, dateRange models.DateRange) ([]AnalyticsReport, error) {
	if !dateRange.Since.IsZero() && !dateRange.Until.IsZero() && dateRange.Until.Before(dateRange.Since) {
		return nil, apperrors.NewValidationError("until", "", "until must not be before since")
	}
	channels, err := d.channelsFor(ctx, channelID)
	if err != nil {
		return nil, err
	}

	reports := make([]AnalyticsReport, 0, len(channels))
	for _, ch := range channels {
		report := AnalyticsReport{ChannelID: ch.ID, Platform: ch.Platform}
		conn, err := d.connectorFor(ctx, ch)
		if err != nil {
			report.Result = models.Failure(err)
		} else {
			report.Result = conn.GetAnalytics(ctx, "", dateRange)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// ConnectionReport is the outcome of a channel connection test
type ConnectionReport struct {
	ChannelID string               `json:"channel_id"`
	Status    models.ChannelStatus `json:"status"`
	Success   bool                 `json:"success"`
	Error     string               `json:"error,omitempty"`
}

// TestConnection checks the channel's credentials against the provider and
// marks the channel Active or Error accordingly.
func (d *Dispatcher) TestConnection(ctx context.Context, channelID string) (*ConnectionReport, error) {
	ch, err := d.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}

	testErr := func() error {
		conn, err := d.connectorFor(ctx, ch)
		if err != nil {
			return err
		}
		return conn.TestConnection(ctx)
	}()

	report := &ConnectionReport{ChannelID: ch.ID, Status: models.ChannelStatusActive, Success: true}
	if testErr != nil {
		report.Status = models.ChannelStatusError
		report.Success = false
		report.Error = testErr.Error()
	}
	if err := d.store.UpdateChannelStatus(ctx, ch.ID, report.Status); err != nil {
		return nil, err
	}

	log := d.channelLog(ch).WithField("status", report.Status)
	if testErr != nil {
		log.WithError(testErr).Warn("Connection test failed")
	} else {
		log.Info("Connection test passed")
	}
	return report, nil
}
