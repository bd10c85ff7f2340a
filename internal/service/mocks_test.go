package service

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"socialbridge/internal/connector"
	"socialbridge/internal/database"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/ingest"
	"socialbridge/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeConnector records calls and returns canned results
type fakeConnector struct {
	platform models.Platform

	mu             sync.Mutex
	calls          map[string]int
	recipients     []string
	sendResult     func(recipient string) models.Result
	publishResult  models.Result
	scheduleResult models.Result
	fetched        []models.RawMessage
	webhookResult  models.Result
	analytics      models.Result
	testErr        error
}

func newFakeConnector(platform models.Platform) *fakeConnector {
	return &fakeConnector{
		platform: platform,
		calls:    map[string]int{},
		sendResult: func(recipient string) models.Result {
			return models.Result{Success: true, MessageID: "msg-" + recipient}
		},
		publishResult: models.Result{Success: true, PostID: "post-1", PostURL: "https://facebook.com/post-1"},
		webhookResult: models.Result{Success: true},
		analytics:     models.Result{Success: true, Data: map[string]interface{}{"page_impressions": 10}},
	}
}

func (f *fakeConnector) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeConnector) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeConnector) Platform() models.Platform { return f.platform }

func (f *fakeConnector) Send(ctx context.Context, recipient, content, msgType string, opts models.SendOptions) models.Result {
	f.count("Send")
	f.mu.Lock()
	f.recipients = append(f.recipients, recipient)
	f.mu.Unlock()
	return f.sendResult(recipient)
}

func (f *fakeConnector) Publish(ctx context.Context, post *models.Post) models.Result {
	f.count("Publish")
	return f.publishResult
}

func (f *fakeConnector) Schedule(ctx context.Context, post *models.Post, at time.Time) models.Result {
	f.count("Schedule")
	return f.scheduleResult
}

func (f *fakeConnector) FetchMessages(ctx context.Context, since time.Time) []models.RawMessage {
	f.count("FetchMessages")
	return f.fetched
}

func (f *fakeConnector) ProcessWebhook(ctx context.Context, payload []byte) models.Result {
	f.count("ProcessWebhook")
	return f.webhookResult
}

func (f *fakeConnector) GetAnalytics(ctx context.Context, postID string, dateRange models.DateRange) models.Result {
	f.count("GetAnalytics")
	return f.analytics
}

func (f *fakeConnector) RefreshToken(ctx context.Context) error {
	f.count("RefreshToken")
	return nil
}

func (f *fakeConnector) TestConnection(ctx context.Context) error {
	f.count("TestConnection")
	return f.testErr
}

// fakeConnectors hands out one fake per channel id
type fakeConnectors map[string]*fakeConnector

func (f fakeConnectors) Connector(ch *models.Channel, acc *models.Account) (connector.Connector, error) {
	conn, ok := f[ch.ID]
	if !ok {
		return nil, apperrors.NewUnsupportedPlatformError(string(ch.Platform))
	}
	return conn, nil
}

func (f fakeConnectors) total(name string) int {
	n := 0
	for _, conn := range f {
		n += conn.Calls(name)
	}
	return n
}

type fakeIngester struct {
	mu   sync.Mutex
	seen map[string]bool
	raws []models.RawMessage
	fail map[string]error
}

func newFakeIngester() *fakeIngester {
	return &fakeIngester{seen: map[string]bool{}, fail: map[string]error{}}
}

func (f *fakeIngester) Ingest(ctx context.Context, raw models.RawMessage, ch *models.Channel) (*models.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[raw.ExternalID]; err != nil {
		return nil, false, err
	}
	msg := &models.Message{ExternalID: raw.ExternalID, ChannelID: ch.ID, Direction: raw.Direction}
	if f.seen[raw.ExternalID] {
		return msg, false, nil
	}
	f.seen[raw.ExternalID] = true
	f.raws = append(f.raws, raw)
	return msg, true, nil
}

func (f *fakeIngester) UpdateDeliveryStatus(ctx context.Context, ch *models.Channel, externalID string, status models.DeliveryStatus) (bool, error) {
	return false, nil
}

type fakeCanceler struct {
	mu       sync.Mutex
	canceled []string
	result   bool
	err      error
}

func (f *fakeCanceler) Cancel(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobID)
	return f.result, f.err
}

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) Sync(ctx context.Context, channelID string) ([]SyncReport, error) {
	args := m.Called(ctx, channelID)
	reports, _ := args.Get(0).([]SyncReport)
	return reports, args.Error(1)
}

type mockBackfiller struct {
	mock.Mock
}

func (m *mockBackfiller) BackfillLeads(ctx context.Context) (ingest.BackfillReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(ingest.BackfillReport), args.Error(1)
}

const (
	testAppSecret     = "configured-app-secret"
	testAccountSecret = "facebook-account-secret"
)

// fixture wires a dispatcher to a temp sqlite store with one Active channel
// per platform
type fixture struct {
	db         *database.Database
	dispatcher *Dispatcher
	connectors fakeConnectors
	ingester   *fakeIngester
	canceler   *fakeCanceler

	facebook  *models.Channel
	instagram *models.Channel
	whatsapp  *models.Channel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.New(ctx, filepath.Join(t.TempDir(), "service.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:         db,
		connectors: fakeConnectors{},
		ingester:   newFakeIngester(),
		canceler:   &fakeCanceler{result: true},
	}
	f.facebook = f.addChannel(t, models.PlatformFacebook, "page-1", testAccountSecret, true)
	f.instagram = f.addChannel(t, models.PlatformInstagram, "ig-1", "", true)
	f.whatsapp = f.addChannel(t, models.PlatformWhatsApp, "phone-1", "", true)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	f.dispatcher = NewDispatcher(db, f.connectors, f.ingester, f.canceler, NewAppSecrets(testAppSecret, db), logger)
	return f
}

func (f *fixture) addChannel(t *testing.T, platform models.Platform, externalID, appSecret string, isDefault bool) *models.Channel {
	t.Helper()
	ctx := context.Background()
	ch := &models.Channel{
		Name:              string(platform),
		Platform:          platform,
		ExternalAccountID: externalID,
		IsDefault:         isDefault,
	}
	require.NoError(t, f.db.SaveChannel(ctx, ch))
	require.NoError(t, f.db.SaveAccount(ctx, &models.Account{
		ChannelID:   ch.ID,
		Platform:    platform,
		AccessToken: "token-" + externalID,
		AppSecret:   appSecret,
	}))
	f.connectors[ch.ID] = newFakeConnector(platform)
	return ch
}

func (f *fixture) conn(ch *models.Channel) *fakeConnector {
	return f.connectors[ch.ID]
}

func (f *fixture) savePost(t *testing.T, post *models.Post) *models.Post {
	t.Helper()
	require.NoError(t, f.db.SavePost(context.Background(), post))
	return post
}
