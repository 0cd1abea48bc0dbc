// Package authsession is the brief collaborator for the authentication
// flow that lives outside the core: it exposes only the contract the core
// actually consumes (read/clear a bearer token) plus an optional OIDC
// well-formedness check, built around a verifier-plus-no-op-fallback
// construction shape.
package authsession

import (
	"context"
	"fmt"
	"sync"

	oidcv3 "github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/wecode-ai/wegent-taskcore/internal/config"
)

// TokenStore is the host application's secure local storage collaborator.
// Transport reads the token before every request and clears it on 401; it
// never persists a token itself, since the host's secure storage is the
// system of record under a fixed key.
type TokenStore interface {
	Token() string
	SetToken(token string)
	Clear()
}

// InMemoryTokenStore is a reference TokenStore for hosts that don't supply
// their own. Production embedders are expected to back this with whatever
// secure storage their platform offers (the browser keychain has no Go
// equivalent; this is the explicit collaborator boundary, not a shortcut).
type InMemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewInMemoryTokenStore constructs an empty token store.
func NewInMemoryTokenStore() *InMemoryTokenStore {
	return &InMemoryTokenStore{}
}

func (s *InMemoryTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *InMemoryTokenStore) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *InMemoryTokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// Verifier checks that a bearer token is a structurally valid, unexpired
// ID token, and can exchange a refresh token for a new access token when
// the host's token store reports a 401. It is consulted only when
// AuthSessionConfig.Enable is set; most embeddings rely on the transport's
// own 401-then-redirect-to-login handling instead.
type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) error
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// oidcVerifier wraps a real go-oidc verifier plus the oauth2.Config needed
// to refresh an expired access token.
type oidcVerifier struct {
	verifier *oidcv3.IDTokenVerifier
	oauth    oauth2.Config
}

func (v *oidcVerifier) Verify(ctx context.Context, rawIDToken string) error {
	_, err := v.verifier.Verify(ctx, rawIDToken)
	return err
}

func (v *oidcVerifier) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := v.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return tok, nil
}

// noopVerifier always accepts; used when auth is disabled.
type noopVerifier struct{}

func (noopVerifier) Verify(ctx context.Context, rawIDToken string) error { return nil }

func (noopVerifier) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return nil, fmt.Errorf("token refresh unavailable: auth session is disabled")
}

// NewVerifier builds a Verifier from config, falling back to a no-op when
// disabled or when IssuerURL or ClientID is missing. A missing ClientSecret
// does not trigger the fallback.
func NewVerifier(ctx context.Context, cfg config.AuthSessionConfig, logger *zap.Logger) (Verifier, error) {
	if !cfg.Enable {
		return noopVerifier{}, nil
	}
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		logger.Warn("auth session enabled but issuer/client not fully configured, disabling verification")
		return noopVerifier{}, nil
	}

	provider, err := oidcv3.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, err
	}

	return &oidcVerifier{
		verifier: provider.Verifier(&oidcv3.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidcv3.ScopeOpenID, "profile", "email"},
		},
	}, nil
}
