package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tksty/polipo/internal/admin"
	"github.com/Tksty/polipo/internal/config"
	"github.com/Tksty/polipo/internal/logging"
	"github.com/Tksty/polipo/internal/metrics"
	"github.com/Tksty/polipo/internal/proxy"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	logger := logging.New(cfg.Log.Format, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := proxy.NewBuilder(cfg, logger).Build(ctx)
	if err != nil {
		logger.Error("build proxy", "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	metrics.Init(engine.Atoms.Used, engine.Chunks.InUse)

	ln, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		logger.Error("listen", "addr", cfg.ListenAddress(), "err", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Loop.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("proxy listening", "addr", ln.Addr().String(), "name", cfg.Proxy.Name)
		return engine.Serve(ctx, ln)
	})

	if cfg.Admin.Enabled() {
		srv := &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           admin.NewHandler(engine, cfg, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("admin listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("proxy stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("shut down gracefully")
}
