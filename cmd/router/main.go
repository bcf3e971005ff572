package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/analytics"
	"github.com/patrickwarner/rtbconnect/internal/api"
	"github.com/patrickwarner/rtbconnect/internal/config"
	"github.com/patrickwarner/rtbconnect/internal/db"
	"github.com/patrickwarner/rtbconnect/internal/geoip"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
	"github.com/patrickwarner/rtbconnect/internal/router"

	// Exchange connectors register their factories on import.
	_ "github.com/patrickwarner/rtbconnect/internal/exchange/demo"
	_ "github.com/patrickwarner/rtbconnect/internal/exchange/openrtb"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("router error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdownTracing, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdownTracing()
	}

	defs, err := config.LoadExchanges(cfg.ExchangesConfig)
	if err != nil {
		return fmt.Errorf("load exchanges: %w", err)
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	agents, err := pg.LoadAgentConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	agentStore := models.NewInMemoryAgentStore()
	if err := agentStore.ReloadAll(agents); err != nil {
		return fmt.Errorf("populate agent store: %w", err)
	}

	store, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer store.Close()

	metricsRegistry := observability.NewPrometheusRegistry()

	var sink router.AuctionSink
	var auctions api.AuctionLookup
	if cfg.AnalyticsEnabled {
		ch, err := analytics.InitClickHouse(cfg.ClickHouseDSN, analytics.PoolConfig{
			MaxOpenConns:    cfg.CHMaxOpenConns,
			MaxIdleConns:    cfg.CHMaxIdleConns,
			ConnMaxLifetime: cfg.CHConnMaxLifetime,
			ConnMaxIdleTime: cfg.CHConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		defer ch.Close()
		recorder := analytics.NewAsyncRecorder(ch, analytics.RecorderConfig{
			QueueSize:     cfg.AnalyticsQueueSize,
			BatchSize:     cfg.AnalyticsBatchSize,
			FlushInterval: cfg.AnalyticsFlush,
			Logger:        logger,
			Metrics:       metricsRegistry,
		})
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := recorder.Close(closeCtx); err != nil {
				logger.Warn("analytics flush on shutdown", zap.Error(err))
			}
		}()
		sink = recorder
		auctions = ch
	}

	geoSvc, err := geoip.Init(cfg.GeoIPDB)
	if err != nil {
		// Geo targeting degrades to request-supplied countries.
		logger.Warn("geoip unavailable", zap.Error(err), zap.String("path", cfg.GeoIPDB))
	}
	defer func() { _ = geoSvc.Close() }()

	rt := router.New(router.Options{
		ServiceName:   cfg.ServiceName,
		Logger:        logger,
		Metrics:       metricsRegistry,
		Agents:        agentStore,
		Geo:           geoSvc,
		Sink:          sink,
		DebugTrace:    cfg.DebugTrace,
		LogSampleRate: cfg.LogSampleRate,
	})

	ctl := router.NewController(rt, router.ControllerConfig{
		Window:     cfg.EnableWindow,
		Refresh:    cfg.EnableRefresh,
		Subscriber: store,
		Channel:    cfg.ControlChannel,
		Beacon:     store,
		Instance:   cfg.InstanceID,
		Logger:     logger,
		Metrics:    metricsRegistry,
	})

	for _, d := range defs {
		params, err := d.ParamsJSON()
		if err != nil {
			return err
		}
		conn, err := rt.CreateConnector(d.Type, d.Name, params)
		if err != nil {
			return fmt.Errorf("create exchange %s: %w", d.Name, err)
		}
		if err := conn.SetAcceptBidRequestProbability(d.Probability()); err != nil {
			return fmt.Errorf("exchange %s: %w", d.Name, err)
		}
		if err := ctl.SetEnabled(d.Name, d.Enabled); err != nil {
			return err
		}
		logger.Info("exchange connector created",
			zap.String("exchange", d.Name),
			zap.String("type", d.Type),
			zap.Bool("enabled", d.Enabled),
			zap.Float64("accept_probability", d.Probability()))
	}

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start connectors: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn("connector shutdown", zap.Error(err))
		}
	}()

	ctlDone := make(chan error, 1)
	go func() { ctlDone <- ctl.Run(ctx) }()

	srvDeps := api.NewServer(logger, rt, ctl, pg, metricsRegistry)
	srvDeps.Publisher = store
	srvDeps.Auctions = auctions
	srvDeps.ControlChannel = cfg.ControlChannel
	srvDeps.DebugTrace = cfg.DebugTrace

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Exchange router running", zap.String("addr", addr), zap.Int("exchanges", len(defs)), zap.Int("agents", len(agents)))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					if err := srvDeps.Reload(ctx); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
				case <-ctx.Done():
					ticker.Stop()
					return
				}
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	case runErr = <-ctlDone:
		if runErr != nil {
			runErr = fmt.Errorf("controller: %w", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return runErr
}
