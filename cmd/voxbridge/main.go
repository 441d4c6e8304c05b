package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/media"
	"github.com/voxbridge/voxbridge/internal/metrics"
	"github.com/voxbridge/voxbridge/internal/ops"
	sipserver "github.com/voxbridge/voxbridge/internal/sip"
	"github.com/voxbridge/voxbridge/internal/store"
	"github.com/voxbridge/voxbridge/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler())
	slog.SetDefault(logger)

	slog.Info("starting voxbridge",
		"sip_port", cfg.SIPPort,
		"ops_port", cfg.OpsPort,
		"store", cfg.StoreDriver,
	)

	dsn := cfg.DataDir
	if cfg.StoreDriver == store.DriverPostgres {
		dsn = cfg.PostgresDSN
	}
	db, err := store.Open(cfg.StoreDriver, dsn, logger)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Calls left live by an unclean shutdown would lock their callers out
	// of the one-live-call constraint forever.
	calls := store.NewCallRepository(db)
	if n, err := calls.CloseStale(context.Background(), "server restart"); err != nil {
		slog.Error("failed to close stale calls", "error", err)
		os.Exit(1)
	} else if n > 0 {
		slog.Warn("closed stale calls from previous run", "count", n)
	}

	pool, err := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		slog.Error("failed to create rtp port pool", "error", err)
		os.Exit(1)
	}

	platform := newPlatform(cfg, logger)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sipSrv, err := sipserver.NewServer(cfg, db, platform, pool, sipserver.DefaultTimers(), logger)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	collector := metrics.NewCollector(
		sipSrv.Calls(),
		sipSrv.Transactions(),
		calls,
		rtpStatsAdapter{calls: sipSrv.Calls()},
		pool,
		time.Now(),
		logger,
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:      ops.NewServer(db, collector, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("ops server failed", "error", err)
	}

	appCancel()
	sipSrv.Stop()
	if gw, ok := platform.(*voice.Gateway); ok {
		gw.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown failed", "error", err)
	}

	slog.Info("voxbridge stopped")
}

// newPlatform picks the voice platform implementation. Without a gateway
// URL, channel calls are refused with 480 while asset routes keep working.
func newPlatform(cfg *config.Config, logger *slog.Logger) voice.Platform {
	if cfg.GatewayURL == "" {
		logger.Warn("no gateway url configured, channel calls will be refused")
		return voice.Disconnected{}
	}
	return voice.NewGateway(cfg.GatewayURL, cfg.BotToken, logger)
}

// rtpStatsAdapter maps the call manager's bridge totals onto the metrics
// provider interface.
type rtpStatsAdapter struct {
	calls *sipserver.CallManager
}

func (a rtpStatsAdapter) RTPStats() metrics.RTPStats {
	s := a.calls.BridgeStats()
	return metrics.RTPStats{
		PacketsIn:      s.PacketsIn,
		PacketsOut:     s.PacketsOut,
		PacketsDropped: s.PacketsDropped,
	}
}
