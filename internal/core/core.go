// Package core assembles the module's components into one running
// instance: transport and socket first, then the task state manager, with
// metrics, correction and attachments wired in after it. A single
// constructor rather than a
// fluent builder, since this module has a fixed component graph and no
// pluggable task-handler/agent slots to configure.
package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/attachments"
	"github.com/wecode-ai/wegent-taskcore/internal/authsession"
	"github.com/wecode-ai/wegent-taskcore/internal/chatstream"
	"github.com/wecode-ai/wegent-taskcore/internal/config"
	"github.com/wecode-ai/wegent-taskcore/internal/correction"
	"github.com/wecode-ai/wegent-taskcore/internal/livecache"
	"github.com/wecode-ai/wegent-taskcore/internal/socketgateway"
	"github.com/wecode-ai/wegent-taskcore/internal/taskstate"
	"github.com/wecode-ai/wegent-taskcore/internal/transport"
)

// Core is the fully wired set of components this module exposes to a host.
type Core struct {
	Config      *config.Config
	Tokens      authsession.TokenStore
	Verifier    authsession.Verifier
	Transport   *transport.Transport
	Gateway     *socketgateway.Gateway
	ChatStream  *chatstream.Client
	LiveCache   *livecache.Cache
	Manager     *taskstate.Manager
	Correction  *correction.Engine
	Attachments *attachments.Store
	Metrics     *taskstate.Metrics

	logger *zap.Logger
}

// New wires every component against cfg. nav/session are the non-goal UI
// collaborators; pass nil implementations in contexts (tests,
// headless services) that never trigger a 401 redirect.
func New(ctx context.Context, cfg *config.Config, nav transport.Navigator, session transport.SessionStore, logger *zap.Logger) (*Core, error) {
	tokens := authsession.NewInMemoryTokenStore()

	verifier, err := authsession.NewVerifier(ctx, cfg.AuthSessionConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("construct auth verifier: %w", err)
	}

	httpTransport := transport.New(cfg.BaseURL, tokens, nav, session, cfg.TransportConfig, logger)

	gateway := socketgateway.New(cfg.SocketConfig, logger)

	streamClient := chatstream.New(cfg.BaseURL, &http.Client{Timeout: cfg.TransportConfig.Timeout}, tokens, httpTransport, "/chat/cancel", logger)

	cache, err := livecache.New(ctx, cfg.RedisConfig, 5*time.Minute, logger)
	if err != nil {
		return nil, fmt.Errorf("construct live cache: %w", err)
	}

	manager, err := taskstate.NewManager(gateway, cfg.IdleSweepConfig, cfg.DebounceConfig.RecoverWindow, logger)
	if err != nil {
		return nil, fmt.Errorf("construct task state manager: %w", err)
	}
	manager.SetLiveCache(cache)
	gateway.SetDispatcher(manager)

	metrics, err := taskstate.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("construct metrics: %w", err)
	}
	manager.SetMetrics(metrics)

	modeStore := correction.NewInMemoryModeStore()
	correctionEngine := correction.New(httpTransport, cfg.CorrectionConfig, modeStore, manager, logger)

	attachmentStore, err := attachments.New(ctx, cfg.AttachmentsConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("construct attachment store: %w", err)
	}

	gateway.OnReconnect(func() {
		manager.RecoverAll(context.Background(), true)
	})

	return &Core{
		Config:      cfg,
		Tokens:      tokens,
		Verifier:    verifier,
		Transport:   httpTransport,
		Gateway:     gateway,
		ChatStream:  streamClient,
		LiveCache:   cache,
		Manager:     manager,
		Correction:  correctionEngine,
		Attachments: attachmentStore,
		Metrics:     metrics,
		logger:      logger,
	}, nil
}

// Run starts the socket gateway's connect/reconnect loop; blocks until ctx
// is cancelled.
func (c *Core) Run(ctx context.Context) {
	c.Gateway.Run(ctx)
}

// Shutdown releases resources held by Core.
func (c *Core) Shutdown() error {
	c.Manager.Stop()
	c.Manager.CleanupAll()
	return c.LiveCache.Close()
}
