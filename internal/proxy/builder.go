package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/cache"
	"github.com/Tksty/polipo/internal/chunk"
	"github.com/Tksty/polipo/internal/config"
	"github.com/Tksty/polipo/internal/logging"
	"github.com/Tksty/polipo/internal/middleware"
	"github.com/Tksty/polipo/internal/parent"
	"github.com/Tksty/polipo/internal/reactor"
	"github.com/Tksty/polipo/internal/response"
	"github.com/Tksty/polipo/internal/upstream"
)

type Builder struct {
	cfg    *config.Config
	logger logging.Logger
}

func NewBuilder(cfg *config.Config, logger logging.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		logger: logger,
	}
}

// Build assembles an engine from the configuration. Parent health checks
// run until ctx is done. The caller runs the engine's Loop and calls
// Close once the engine has stopped serving.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	atoms := atom.NewPool()
	chunks := chunk.NewPool(b.cfg.Chunks.Size, b.cfg.Chunks.HighMark)

	store, err := b.buildStore(atoms)
	if err != nil {
		return nil, err
	}

	parents, err := b.buildParents(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}

	clients, err := middleware.NewAccessList(atoms, b.logger, b.cfg.Proxy.AllowedClients)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid allowedClients: %w", err)
	}

	e := &Engine{
		Director: NewDirector(&b.cfg.Proxy),
		Store:    store,
		Transport: &upstream.Transport{
			Base:    upstream.NewTransport(b.cfg.Timeouts.Server),
			Parents: parents,
		},
		Composer: &response.Composer{
			ProxyName: b.cfg.Proxy.Name,
			ProxyPort: b.cfg.Proxy.Port,
			Chunks:    chunks,
			Logger:    b.logger,
		},
		Atoms:   atoms,
		Chunks:  chunks,
		Loop:    reactor.New(b.logger),
		Clients: clients,
		Logger:  b.logger,
		Timeouts: Timeouts{
			Client: b.cfg.Timeouts.Client,
			Server: b.cfg.Timeouts.Server,
			Idle:   b.cfg.Timeouts.Idle,
		},
		MaxBodyBytes:      b.cfg.Cache.MaxBodyBytes,
		Offline:           b.cfg.Proxy.Offline,
		RelaxTransparency: b.cfg.Proxy.RelaxTransparency,
		ExpectContinue:    b.cfg.Proxy.ExpectContinue,
	}
	return e, nil
}

func (b *Builder) buildStore(atoms *atom.Pool) (cache.Store, error) {
	switch b.cfg.Cache.Provider {
	case "sqlite":
		s, err := cache.NewSQLiteStore(b.cfg.Cache.Path, atoms, b.cfg.Cache.MaxEntries, b.logger)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		return s, nil
	default:
		return cache.NewInMemoryCache(b.cfg.Cache.MaxEntries), nil
	}
}

func (b *Builder) buildParents(ctx context.Context) (*parent.Pool, error) {
	if len(b.cfg.Proxy.ParentProxies) == 0 {
		return nil, nil
	}

	hc := &parent.HealthCheckConfig{
		Interval:           b.cfg.Proxy.ParentHealth,
		Timeout:            2 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}
	cb := &parent.CircuitBreakerConfig{
		ConsecutiveFailures: 5,
		Cooldown:            30 * time.Second,
	}

	pool, err := parent.NewPool(b.cfg.Proxy.ParentProxies, hc, cb, b.logger)
	if err != nil {
		return nil, fmt.Errorf("invalid parentProxies: %w", err)
	}
	pool.StartHealthChecks(ctx)
	return pool, nil
}

// Close releases the engine's store and client list.
func (e *Engine) Close() error {
	e.Clients.Destroy()
	return e.Store.Close()
}
