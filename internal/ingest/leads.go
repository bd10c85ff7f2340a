package ingest

import (
	"context"
	"fmt"
	"sync"

	"socialbridge/internal/constants"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"
	"socialbridge/internal/privacy"
	"socialbridge/internal/validation"

	"github.com/sirupsen/logrus"
)

const backfillBatch = 500

type LeadStore interface {
	FindByPhone(ctx context.Context, phone string) (*models.Lead, error)
	FindByMobile(ctx context.Context, mobile string) (*models.Lead, error)
	FindBySenderID(ctx context.Context, senderID string) (*models.Lead, error)
	CreateLead(ctx context.Context, lead *models.Lead) error
}

// Linker matches message senders to leads, creating leads for new senders
type Linker struct {
	leads    LeadStore
	messages MessageStore
	logger   *logrus.Logger
	batch    int

	mu  sync.RWMutex
	cfg models.LeadsConfig
}

func NewLinker(leads LeadStore, messages MessageStore, cfg models.LeadsConfig, logger *logrus.Logger) *Linker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Linker{leads: leads, messages: messages, cfg: cfg, logger: logger, batch: backfillBatch}
}

// UpdateConfig swaps the lead defaults, used on config reload
func (l *Linker) UpdateConfig(cfg models.LeadsConfig) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Linker) config() models.LeadsConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Link attaches msg to an existing or new lead. It returns the lead id, or ""
// when the message already had a lead or automatic creation is disabled.
func (l *Linker) Link(ctx context.Context, msg *models.Message) (string, error) {
	if msg.LeadID != "" || msg.SenderID == "" {
		return "", nil
	}
	cfg := l.config()

	lead, err := l.find(ctx, msg)
	if err != nil {
		return "", err
	}
	if lead == nil {
		if cfg.Disabled {
			return "", nil
		}
		lead = newLead(msg, cfg)
		if err := l.leads.CreateLead(ctx, lead); err != nil {
			return "", err
		}
		metrics.LeadsCreated.WithLabelValues(string(msg.Platform)).Inc()
		l.logger.WithFields(logrus.Fields{
			constants.LogFieldLeadID:   lead.ID,
			constants.LogFieldPlatform: msg.Platform,
			constants.LogFieldSenderID: privacy.MaskSenderID(msg.SenderID),
		}).Info("Lead created from message")
	}

	linked, err := l.messages.SetLead(ctx, msg.ID, lead.ID)
	if err != nil {
		return "", err
	}
	if !linked {
		return "", nil
	}
	msg.LeadID = lead.ID
	return lead.ID, nil
}

// find looks up WhatsApp senders by primary then secondary number, and
// Facebook or Instagram senders by their page-scoped id.
func (l *Linker) find(ctx context.Context, msg *models.Message) (*models.Lead, error) {
	if msg.Platform != models.PlatformWhatsApp {
		return l.leads.FindBySenderID(ctx, msg.SenderID)
	}
	lead, err := l.leads.FindByPhone(ctx, msg.SenderID)
	if err != nil || lead != nil {
		return lead, err
	}
	return l.leads.FindByMobile(ctx, msg.SenderID)
}

func newLead(msg *models.Message, cfg models.LeadsConfig) *models.Lead {
	lead := &models.Lead{
		Source:  string(msg.Platform),
		Status:  constants.DefaultLeadStatus,
		Owner:   cfg.Owner,
		Company: cfg.Company,
	}
	if msg.Platform == models.PlatformWhatsApp {
		lead.FirstName = msg.ContactName
		if lead.FirstName == "" {
			lead.FirstName = constants.DefaultWhatsAppContact
		}
		if validation.ValidatePhoneNumber(msg.SenderID) == nil {
			lead.Phone = msg.SenderID
			lead.Mobile = msg.SenderID
		}
		return lead
	}
	lead.FirstName = fmt.Sprintf("%s User %s", msg.Platform, msg.SenderID)
	lead.ExternalSenderID = msg.SenderID
	return lead
}

// BackfillReport summarizes one BackfillLeads pass
type BackfillReport struct {
	Processed int `json:"processed"`
	Linked    int `json:"linked"`
	Failed    int `json:"failed"`
}

// BackfillLeads links incoming messages that have no lead yet, walking all of
// them in batches. Failures are logged and skipped.
func (l *Linker) BackfillLeads(ctx context.Context) (BackfillReport, error) {
	var report BackfillReport
	var after models.MessageCursor
	for {
		messages, err := l.messages.MessagesWithoutLead(ctx, after, l.batch)
		if err != nil {
			return report, err
		}

		for _, msg := range messages {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Processed++
			leadID, err := l.Link(ctx, msg)
			if err != nil {
				report.Failed++
				l.logger.WithError(err).WithField(constants.LogFieldMessageID, msg.ID).Warn("Lead backfill failed for message")
				continue
			}
			if leadID != "" {
				report.Linked++
			}
		}

		if len(messages) < l.batch {
			break
		}
		last := messages[len(messages)-1]
		after = models.MessageCursor{Timestamp: last.Timestamp, ID: last.ID}
	}

	l.logger.WithFields(logrus.Fields{
		"processed": report.Processed,
		"linked":    report.Linked,
		"failed":    report.Failed,
	}).Info("Lead backfill finished")
	return report, nil
}

// LeadStats reports per-platform message and lead counts
func (l *Linker) LeadStats(ctx context.Context) ([]models.PlatformLeadStats, error) {
	return l.messages.LeadStats(ctx)
}
