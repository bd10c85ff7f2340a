package token

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"socialbridge/internal/constants"
	apperrors "socialbridge/internal/errors"
	"socialbridge/internal/metrics"
	"socialbridge/internal/models"
	"socialbridge/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ErrNoRefreshCredentials is the cause of a TokenRefreshError for accounts
// that have neither an app secret nor a refresh token.
var ErrNoRefreshCredentials = errors.New("no refresh credentials")

// AccountStore persists refreshed credentials
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	UpdateToken(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error
	UpdateAccountStatus(ctx context.Context, accountID string, status models.AccountStatus) error
}

// Token is the outcome of a credential exchange
type Token struct {
	AccessToken string
	// RefreshToken is empty when the provider did not rotate it
	RefreshToken string
	ExpiresAt    time.Time
}

// Refresher exchanges an account's credentials for a new access token
type Refresher interface {
	Refresh(ctx context.Context, acc *models.Account) (*Token, error)
}

// Manager hands out access tokens and refreshes them at most once per
// account at a time. Callers pass the account they loaded; the Manager keeps
// its own copy of the latest credentials and never mutates the argument.
type Manager struct {
	store  AccountStore
	graph  Refresher
	oauth  Refresher
	margin time.Duration
	logger *logrus.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]models.Account
}

func NewManager(store AccountStore, graph, oauth Refresher, margin time.Duration, logger *logrus.Logger) *Manager {
	if margin <= 0 {
		margin = time.Duration(constants.DefaultRefreshMarginMin) * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		store:  store,
		graph:  graph,
		oauth:  oauth,
		margin: margin,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
		cache:  make(map[string]models.Account),
	}
}

func (m *Manager) lockFor(accountID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

// current returns the freshest known credentials for acc
func (m *Manager) current(acc *models.Account) models.Account {
	m.cacheMu.RLock()
	cached, ok := m.cache[acc.ID]
	m.cacheMu.RUnlock()
	if ok && !cached.UpdatedAt.Before(acc.UpdatedAt) {
		return cached
	}
	return *acc
}

func (m *Manager) remember(acc models.Account) {
	m.cacheMu.Lock()
	m.cache[acc.ID] = acc
	m.cacheMu.Unlock()
}

// AccessToken returns a token valid beyond the refresh margin, refreshing
// first when needed.
func (m *Manager) AccessToken(ctx context.Context, acc *models.Account) (string, error) {
	cur := m.current(acc)
	if !cur.ExpiresWithin(m.now(), m.margin) {
		return cur.AccessToken, nil
	}

	lock := m.lockFor(acc.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited for the lock
	cur = m.current(acc)
	if !cur.ExpiresWithin(m.now(), m.margin) {
		return cur.AccessToken, nil
	}

	refreshed, err := m.refreshLocked(ctx, cur)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// AuthHeaders returns the bearer Authorization header for acc
func (m *Manager) AuthHeaders(ctx context.Context, acc *models.Account) (http.Header, error) {
	accessToken, err := m.AccessToken(ctx, acc)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)
	return header, nil
}

// Refresh unconditionally exchanges the account's credentials
func (m *Manager) Refresh(ctx context.Context, acc *models.Account) (*models.Account, error) {
	lock := m.lockFor(acc.ID)
	lock.Lock()
	defer lock.Unlock()

	refreshed, err := m.refreshLocked(ctx, m.current(acc))
	if err != nil {
		return nil, err
	}
	return &refreshed, nil
}

// RefreshIfStale handles a 401: it refreshes only when staleToken is still
// the current token, so a burst of 401s for one account costs one exchange.
func (m *Manager) RefreshIfStale(ctx context.Context, acc *models.Account, staleToken string) (string, error) {
	lock := m.lockFor(acc.ID)
	lock.Lock()
	defer lock.Unlock()

	cur := m.current(acc)
	if cur.AccessToken != staleToken {
		return cur.AccessToken, nil
	}

	refreshed, err := m.refreshLocked(ctx, cur)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refreshLocked must be called with the account lock held
func (m *Manager) refreshLocked(ctx context.Context, acc models.Account) (models.Account, error) {
	log := m.logger.WithFields(logrus.Fields{
		constants.LogFieldAccountID: acc.ID,
		constants.LogFieldPlatform:  acc.Platform,
	})

	refresher, err := m.refresherFor(&acc)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(acc.Platform), "error").Inc()
		return acc, apperrors.NewTokenRefreshError(acc.ID, err)
	}

	tok, err := refresher.Refresh(ctx, &acc)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = errors.New("provider returned no access token")
	}
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(acc.Platform), "error").Inc()
		if acc.IsExpired(m.now()) {
			if statusErr := m.store.UpdateAccountStatus(ctx, acc.ID, models.AccountStatusExpired); statusErr != nil {
				log.WithError(statusErr).Warn("Failed to mark account expired")
			}
		}
		log.WithError(err).Error("Token refresh failed")
		if apperrors.Is(err, apperrors.ErrCodeTokenRefresh) {
			return acc, err
		}
		return acc, apperrors.NewTokenRefreshError(acc.ID, err)
	}

	if err := m.store.UpdateToken(ctx, acc.ID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt); err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(acc.Platform), "error").Inc()
		return acc, apperrors.NewTokenRefreshError(acc.ID, err)
	}

	acc.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acc.RefreshToken = tok.RefreshToken
	}
	acc.ExpiresAt = tok.ExpiresAt
	acc.Status = models.AccountStatusActive
	acc.UpdatedAt = m.now().UTC()
	m.remember(acc)

	metrics.TokenRefreshes.WithLabelValues(string(acc.Platform), "ok").Inc()
	log.WithFields(logrus.Fields{
		"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
		"token":      privacy.MaskToken(tok.AccessToken),
	}).Info("Access token refreshed")
	return acc, nil
}

// refresherFor prefers the OAuth2 refresh_token grant and falls back to the
// Graph long-lived token exchange for Facebook and Instagram.
func (m *Manager) refresherFor(acc *models.Account) (Refresher, error) {
	if acc.RefreshToken != "" && acc.TokenURL != "" && m.oauth != nil {
		return m.oauth, nil
	}
	if acc.Platform.IsGraph() && acc.AppSecret != "" && m.graph != nil {
		return m.graph, nil
	}
	return nil, ErrNoRefreshCredentials
}
