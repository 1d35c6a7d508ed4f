// Package auth obtains OAuth2 access tokens for mailboxes hosted on
// Microsoft 365. Tokens come from an interactive device-code login and are
// refreshed silently from the cached refresh token afterwards.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// ErrNotLoggedIn means no token is cached for the identity.
var ErrNotLoggedIn = errors.New("not logged in, run mailagent -login")

var (
	// OutlookScopes cover IMAP and POP3 access to Exchange Online.
	OutlookScopes = []string{
		"https://outlook.office365.com/IMAP.AccessAsUser.All",
		"https://outlook.office365.com/POP.AccessAsUser.All",
		"offline_access",
	}
	// GraphScopes cover mailbox access through Microsoft Graph.
	GraphScopes = []string{
		"https://graph.microsoft.com/Mail.ReadWrite",
		"offline_access",
	}
)

// Config selects the Azure AD application.
type Config struct {
	ClientID string
	Tenant   string
	Scopes   []string
	// Endpoint overrides the Azure AD endpoint derived from Tenant.
	Endpoint *oauth2.Endpoint
}

// Manager hands out access tokens for one resource (Outlook or Graph).
type Manager struct {
	resource string
	conf     *oauth2.Config
	store    *TokenStore
	logger   *slog.Logger

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewManager creates a manager. Tokens are stored under
// "oauth:<resource>:<identity>".
func NewManager(resource string, cfg Config, store *TokenStore, logger *slog.Logger) *Manager {
	endpoint := microsoft.AzureADEndpoint(cfg.Tenant)
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	return &Manager{
		resource: resource,
		conf: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: endpoint,
			Scopes:   cfg.Scopes,
		},
		store:   store,
		logger:  logger.With("resource", resource),
		sources: make(map[string]oauth2.TokenSource),
	}
}

func (m *Manager) key(identity string) string {
	return "oauth:" + m.resource + ":" + identity
}

// Token returns a valid access token for identity, refreshing and
// re-caching it when it has expired.
func (m *Manager) Token(ctx context.Context, identity string) (string, error) {
	src, err := m.source(ctx, identity)
	if err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		m.mu.Lock()
		delete(m.sources, identity)
		m.mu.Unlock()
		return "", fmt.Errorf("refresh token for %s: %w", identity, err)
	}
	return tok.AccessToken, nil
}

func (m *Manager) source(ctx context.Context, identity string) (oauth2.TokenSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src, ok := m.sources[identity]; ok {
		return src, nil
	}
	tok, err := m.store.Load(m.key(identity))
	if err != nil {
		return nil, err
	}
	// The source outlives this call, so it must not inherit cancellation.
	refresher := &persistingSource{
		src:    m.conf.TokenSource(context.WithoutCancel(ctx), tok),
		last:   tok.AccessToken,
		save:   func(t *oauth2.Token) error { return m.store.Save(m.key(identity), t) },
		logger: m.logger.With("identity", identity),
	}
	src := oauth2.ReuseTokenSource(tok, refresher)
	m.sources[identity] = src
	return src, nil
}

// Login runs the device-code flow for identity, writing the sign-in
// instructions to w and blocking until the user completes them.
func (m *Manager) Login(ctx context.Context, identity string, w io.Writer) error {
	da, err := m.conf.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("device authorization: %w", err)
	}
	fmt.Fprintf(w, "Sign in as %s: open %s and enter the code %s\n", identity, da.VerificationURI, da.UserCode)

	tok, err := m.conf.DeviceAccessToken(ctx, da)
	if err != nil {
		return fmt.Errorf("device token: %w", err)
	}
	if err := m.store.Save(m.key(identity), tok); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sources, identity)
	m.mu.Unlock()
	m.logger.Info("stored token", "identity", identity, "expiry", tok.Expiry)
	return nil
}

// Logout removes the cached token for identity.
func (m *Manager) Logout(identity string) error {
	m.mu.Lock()
	delete(m.sources, identity)
	m.mu.Unlock()
	return m.store.Delete(m.key(identity))
}

// persistingSource saves every newly issued token so that a rotated refresh
// token survives a restart.
type persistingSource struct {
	src    oauth2.TokenSource
	save   func(*oauth2.Token) error
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.save(tok); err != nil {
			s.logger.Warn("could not cache refreshed token", "error", err)
		} else {
			s.logger.Debug("refreshed token", "expiry", tok.Expiry)
		}
	}
	return tok, nil
}
