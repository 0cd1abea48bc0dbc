// Package transport is the thin authenticated HTTP client the rest of the
// core is built on: a *http.Client, a base URL, get/post/put/patch/delete,
// plus the bearer-token attach and 401-redirect contract every other
// component's network calls go through.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/authsession"
	"github.com/wecode-ai/wegent-taskcore/internal/config"
	"github.com/wecode-ai/wegent-taskcore/internal/taskerrors"
)

// Navigator performs the client-side navigation a 401 response triggers.
// Routing itself is out of scope; this is the
// explicit collaborator interface a host UI implements.
type Navigator interface {
	// CurrentPath returns the path of the page currently displayed.
	CurrentPath() string
	// NavigateToLogin is invoked with the login target once the token has
	// been cleared: the login path, with the sanitized return path appended
	// as the escaped "redirect" query value when there is one.
	NavigateToLogin(target string)
	// Reload is invoked instead of NavigateToLogin when CurrentPath is
	// already the login page.
	Reload()
}

// SessionStore persists the sanitized return path across the login
// redirect, under a fixed session-scoped key.
type SessionStore interface {
	SetReturnPath(path string)
}

// Transport is a single process-wide authenticated HTTP client.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	tokens     authsession.TokenStore
	nav        Navigator
	session    SessionStore
	cfg        config.TransportConfig
	logger     *zap.Logger
}

// New constructs a Transport. nav/session may be nil for components (like
// the streaming chat client's cancel call) that never need the redirect
// side effect triggered.
func New(baseURL string, tokens authsession.TokenStore, nav Navigator, session SessionStore, cfg config.TransportConfig, logger *zap.Logger) *Transport {
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tokens:  tokens,
		nav:     nav,
		session: session,
		cfg:     cfg,
		logger:  logger,
	}
}

func (t *Transport) Get(ctx context.Context, path string) (any, error) {
	return t.do(ctx, http.MethodGet, path, nil)
}

func (t *Transport) Post(ctx context.Context, path string, body any) (any, error) {
	return t.do(ctx, http.MethodPost, path, body)
}

func (t *Transport) Put(ctx context.Context, path string, body any) (any, error) {
	return t.do(ctx, http.MethodPut, path, body)
}

func (t *Transport) Patch(ctx context.Context, path string, body any) (any, error) {
	return t.do(ctx, http.MethodPatch, path, body)
}

func (t *Transport) Delete(ctx context.Context, path string) (any, error) {
	return t.do(ctx, http.MethodDelete, path, nil)
}

func (t *Transport) do(ctx context.Context, method, path string, body any) (any, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	fullURL := t.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if token := t.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Error("transport request failed", zap.String("url", fullURL), zap.Error(err))
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, t.handleUnauthorized()
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, t.toHttpError(resp.StatusCode, raw)
	}

	if len(raw) == 0 {
		return nil, nil
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return result, nil
}

func (t *Transport) toHttpError(status int, raw []byte) error {
	message := strings.TrimSpace(string(raw))

	var detail struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &detail); err == nil && detail.Detail != "" {
		message = detail.Detail
	}

	return taskerrors.NewHttpError(status, message)
}

func (t *Transport) handleUnauthorized() error {
	t.tokens.Clear()

	if t.nav != nil {
		if t.nav.CurrentPath() == t.cfg.LoginPath {
			t.nav.Reload()
		} else {
			returnPath, ok := SanitizeRedirectPath(t.nav.CurrentPath())
			if !ok {
				returnPath = ""
			}
			if t.session != nil {
				t.session.SetReturnPath(returnPath)
			}
			target := t.cfg.LoginPath
			if returnPath != "" {
				target = fmt.Sprintf("%s?%s=%s", t.cfg.LoginPath, t.cfg.ReturnParamName, url.QueryEscape(returnPath))
			}
			t.nav.NavigateToLogin(target)
		}
	}

	return taskerrors.NewAuthenticationError("authentication failed")
}
