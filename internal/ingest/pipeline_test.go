package ingest

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"socialbridge/internal/database"
	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []*models.Message
}

func (p *recordingPublisher) Publish(msg *models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

type failingLeads struct{}

func (failingLeads) FindByPhone(ctx context.Context, phone string) (*models.Lead, error) {
	return nil, errors.New("lead store offline")
}
func (failingLeads) FindByMobile(ctx context.Context, mobile string) (*models.Lead, error) {
	return nil, errors.New("lead store offline")
}
func (failingLeads) FindBySenderID(ctx context.Context, senderID string) (*models.Lead, error) {
	return nil, errors.New("lead store offline")
}
func (failingLeads) CreateLead(ctx context.Context, lead *models.Lead) error {
	return errors.New("lead store offline")
}

type fixture struct {
	db        *database.Database
	linker    *Linker
	pipeline  *Pipeline
	publisher *recordingPublisher
}

func newFixture(t *testing.T, cfg models.LeadsConfig) *fixture {
	t.Helper()
	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "ingest.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	linker := NewLinker(db, db, cfg, logger)
	publisher := &recordingPublisher{}
	return &fixture{
		db:        db,
		linker:    linker,
		pipeline:  NewPipeline(db, db, linker, publisher, logger),
		publisher: publisher,
	}
}

func (f *fixture) channel(t *testing.T, platform models.Platform) *models.Channel {
	t.Helper()
	ch := &models.Channel{Name: "main", Platform: platform, ExternalAccountID: "ext-1"}
	require.NoError(t, f.db.SaveChannel(context.Background(), ch))
	return ch
}

func whatsAppRaw(externalID, sender string) models.RawMessage {
	return models.RawMessage{
		ExternalID:     externalID,
		ConversationID: sender,
		Participants:   []string{"Ana"},
		SenderID:       sender,
		SenderName:     "Ana",
		Content:        "Is the blue one in stock?",
		MessageType:    models.MessageTypeText,
		Timestamp:      time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
	}
}

func stats(t *testing.T, f *fixture, platform models.Platform) models.PlatformLeadStats {
	t.Helper()
	all, err := f.linker.LeadStats(context.Background())
	require.NoError(t, err)
	for _, s := range all {
		if s.Platform == platform {
			return s
		}
	}
	t.Fatalf("no stats for %s", platform)
	return models.PlatformLeadStats{}
}

func TestIngest_DuplicateYieldsOneMessageAndConversation(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{})
	ch := f.channel(t, models.PlatformWhatsApp)
	ctx := context.Background()

	first, created, err := f.pipeline.Ingest(ctx, whatsAppRaw("wamid.1", "+15551234567"), ch)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.pipeline.Ingest(ctx, whatsAppRaw("wamid.1", "+15551234567"), ch)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	conv, err := f.db.FindConversation(ctx, ch.ID, "+15551234567")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, first.ConversationID, conv.ID)
	assert.Equal(t, models.ConversationOpen, conv.Status)
	assert.Equal(t, "Conversation with Ana", conv.Subject)

	assert.Equal(t, 1, stats(t, f, models.PlatformWhatsApp).TotalMessages)
	assert.Len(t, f.publisher.messages, 1)
}

func TestIngest_ConversationReusedAndBumped(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{})
	ch := f.channel(t, models.PlatformWhatsApp)
	ctx := context.Background()

	first, _, err := f.pipeline.Ingest(ctx, whatsAppRaw("wamid.1", "+15551234567"), ch)
	require.NoError(t, err)
	later := whatsAppRaw("wamid.2", "+15551234567")
	later.Timestamp = later.Timestamp.Add(time.Hour)
	second, _, err := f.pipeline.Ingest(ctx, later, ch)
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	conv, err := f.db.FindConversation(ctx, ch.ID, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, later.Timestamp, conv.LastMessageTime)
}

func TestIngest_RequiresExternalID(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{})
	ch := f.channel(t, models.PlatformWhatsApp)

	_, _, err := f.pipeline.Ingest(context.Background(), whatsAppRaw("", "+1555"), ch)
	assert.Error(t, err)
}

func TestIngest_WhatsAppLeadCreatedOnceAndReused(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{Owner: "sales@example.com", Company: "Acme"})
	ch := f.channel(t, models.PlatformWhatsApp)
	ctx := context.Background()

	first, _, err := f.pipeline.Ingest(ctx, whatsAppRaw("wamid.1", "+15551234567"), ch)
	require.NoError(t, err)
	require.NotEmpty(t, first.LeadID)

	lead, err := f.db.GetLead(ctx, first.LeadID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", lead.FirstName)
	assert.Equal(t, "+15551234567", lead.Phone)
	assert.Equal(t, "+15551234567", lead.Mobile)
	assert.Equal(t, "WhatsApp", lead.Source)
	assert.Equal(t, "Lead", lead.Status)
	assert.Equal(t, "sales@example.com", lead.Owner)
	assert.Equal(t, "Acme", lead.Company)

	second, _, err := f.pipeline.Ingest(ctx, whatsAppRaw("wamid.2", "+15551234567"), ch)
	require.NoError(t, err)
	assert.Equal(t, first.LeadID, second.LeadID)
	assert.Equal(t, 1, stats(t, f, models.PlatformWhatsApp).LeadsCreated)
}

func TestIngest_WhatsAppMatchesSecondaryNumber(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{})
	ch := f.channel(t, models.PlatformWhatsApp)
	ctx := context.Background()
	existing := &models.Lead{FirstName: "Known", Mobile: "+15559998888", Source: "Website"}
	require.NoError(t, f.db.CreateLead(ctx, existing))

	raw := whatsAppRaw("wamid.9", "+15559998888")
	raw.SenderName = ""
	msg, _, err := f.pipeline.Ingest(ctx, raw, ch)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, msg.LeadID)
}

func TestIngest_WhatsAppDefaultContactName(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{})
	ch := f.channel(t, models.PlatformWhatsApp)
	raw := whatsAppRaw("wamid.3", "+15550001111")
	raw.SenderName = ""

	msg, _, err := f.pipeline.Ingest(context.Background(), raw, ch)
	require.NoError(t, err)
	lead, err := f.db.GetLead(context.Background(), msg.LeadID)
	require.NoError(t, err)
	assert.Equal(t, "WhatsApp Contact", lead.FirstName)
}

func TestIngest_FacebookLeadBySenderID(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{})
	ch := f.channel(t, models.PlatformFacebook)
	ctx := context.Background()
	raw := models.RawMessage{ExternalID: "mid.1", ConversationID: "t_1", SenderID: "psid-42", Content: "hello"}

	msg, _, err := f.pipeline.Ingest(ctx, raw, ch)
	require.NoError(t, err)
	lead, err := f.db.GetLead(ctx, msg.LeadID)
	require.NoError(t, err)
	assert.Equal(t, "Facebook User psid-42", lead.FirstName)
	assert.Equal(t, "psid-42", lead.ExternalSenderID)
	assert.Equal(t, "Facebook", lead.Source)

	raw.ExternalID = "mid.2"
	again, _, err := f.pipeline.Ingest(ctx, raw, ch)
	require.NoError(t, err)
	assert.Equal(t, lead.ID, again.LeadID)
}

func TestIngest_OutgoingAndDisabledSkipLeads(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{Disabled: true})
	ch := f.channel(t, models.PlatformInstagram)
	ctx := context.Background()

	incoming, _, err := f.pipeline.Ingest(ctx, models.RawMessage{ExternalID: "ig.1", SenderID: "igsid-1"}, ch)
	require.NoError(t, err)
	assert.Empty(t, incoming.LeadID)

	f.linker.UpdateConfig(models.LeadsConfig{})
	outgoing, _, err := f.pipeline.Ingest(ctx, models.RawMessage{ExternalID: "ig.2", SenderID: "ext-1", Direction: models.DirectionOutgoing}, ch)
	require.NoError(t, err)
	assert.Empty(t, outgoing.LeadID)
	assert.Equal(t, models.DirectionOutgoing, outgoing.Direction)

	// The sender id keys the conversation when the raw message has none
	conv, err := f.db.FindConversation(ctx, ch.ID, "igsid-1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, incoming.ConversationID, conv.ID)
}

func TestIngest_LeadFailureKeepsMessage(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{})
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	pipeline := NewPipeline(f.db, f.db, NewLinker(failingLeads{}, f.db, models.LeadsConfig{}, logger), nil, logger)
	ch := f.channel(t, models.PlatformWhatsApp)

	msg, created, err := pipeline.Ingest(context.Background(), whatsAppRaw("wamid.5", "+15551112222"), ch)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, msg.LeadID)
	assert.Equal(t, 1, stats(t, f, models.PlatformWhatsApp).Pending)
}

func TestBackfillLeads(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{})
	ch := f.channel(t, models.PlatformWhatsApp)
	ctx := context.Background()
	for _, id := range []string{"wamid.a", "wamid.b"} {
		_, err := f.db.InsertMessage(ctx, &models.Message{
			ChannelID:  ch.ID,
			Platform:   models.PlatformWhatsApp,
			ExternalID: id,
			SenderID:   "+15553334444",
			Timestamp:  time.Now().UTC(),
			Direction:  models.DirectionIncoming,
		})
		require.NoError(t, err)
	}

	report, err := f.linker.BackfillLeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, BackfillReport{Processed: 2, Linked: 2}, report)

	s := stats(t, f, models.PlatformWhatsApp)
	assert.Equal(t, 2, s.TotalMessages)
	assert.Equal(t, 1, s.LeadsCreated)
	assert.Equal(t, 0, s.Pending)

	report, err = f.linker.BackfillLeads(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
}

func TestBackfillLeads_UnlinkableMessagesDoNotBlockNewerOnes(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{Disabled: true})
	f.linker.batch = 2
	ch := f.channel(t, models.PlatformWhatsApp)
	ctx := context.Background()

	known := &models.Lead{FirstName: "Ana", Phone: "+15550009999", Source: string(models.PlatformWhatsApp)}
	require.NoError(t, f.db.CreateLead(ctx, known))

	base := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	insert := func(externalID, sender string, at time.Time) {
		_, err := f.db.InsertMessage(ctx, &models.Message{
			ChannelID:  ch.ID,
			Platform:   models.PlatformWhatsApp,
			ExternalID: externalID,
			SenderID:   sender,
			Timestamp:  at,
			Direction:  models.DirectionIncoming,
		})
		require.NoError(t, err)
	}
	// Unknown senders stay unlinked while automatic lead creation is off
	insert("wamid.u1", "+15551110001", base)
	insert("wamid.u2", "+15551110002", base)
	insert("wamid.u3", "+15551110003", base.Add(time.Second))
	insert("wamid.anon", "", base.Add(2*time.Second))
	insert("wamid.known", "+15550009999", base.Add(time.Minute))

	report, err := f.linker.BackfillLeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, BackfillReport{Processed: 4, Linked: 1}, report)

	msg, err := f.db.FindMessageByExternalID(ctx, ch.ID, "wamid.known")
	require.NoError(t, err)
	assert.Equal(t, known.ID, msg.LeadID)
}

func TestUpdateDeliveryStatus(t *testing.T) {
	f := newFixture(t, models.LeadsConfig{Disabled: true})
	ch := f.channel(t, models.PlatformWhatsApp)
	ctx := context.Background()
	_, _, err := f.pipeline.Ingest(ctx, whatsAppRaw("wamid.7", "+15551234567"), ch)
	require.NoError(t, err)

	updated, err := f.pipeline.UpdateDeliveryStatus(ctx, ch, "wamid.7", models.DeliveryStatusRead)
	require.NoError(t, err)
	assert.True(t, updated)

	msg, err := f.db.FindMessageByExternalID(ctx, ch.ID, "wamid.7")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusRead, msg.DeliveryStatus)

	updated, err = f.pipeline.UpdateDeliveryStatus(ctx, ch, "wamid.unknown", models.DeliveryStatusRead)
	require.NoError(t, err)
	assert.False(t, updated)
}
