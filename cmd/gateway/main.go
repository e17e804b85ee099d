// Command gateway serves the design generation HTTP API.
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

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/designgate/internal/config"
	mwhttp "github.com/mihaimyh/designgate/middleware/http"
	"github.com/mihaimyh/designgate/pkg/api"
	"github.com/mihaimyh/designgate/pkg/entitlement/revenuecat"
	"github.com/mihaimyh/designgate/pkg/gateway"
	zerologadapter "github.com/mihaimyh/designgate/pkg/gateway/logger/zerolog"
	prommetrics "github.com/mihaimyh/designgate/pkg/gateway/metrics/prometheus"
	"github.com/mihaimyh/designgate/pkg/gemini"
	fsstorage "github.com/mihaimyh/designgate/storage/firestore"
	"github.com/mihaimyh/designgate/storage/memory"
	"github.com/mihaimyh/designgate/storage/postgres"
	redisstorage "github.com/mihaimyh/designgate/storage/redis"
	"github.com/mihaimyh/designgate/storage/supabase"
	"github.com/mihaimyh/designgate/storage/tiered"
)

const shutdownTimeout = 15 * time.Second

func main() {
	zlog := zerolog.New(os.Stdout).With().Timestamp().Str("service", "designgate").Logger()

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zlog = zlog.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, &zlog); err != nil {
		zlog.Fatal().Err(err).Msg("gateway stopped")
	}
	zlog.Info().Msg("gateway stopped")
}

func run(ctx context.Context, cfg config.Config, zlog *zerolog.Logger) error {
	logger := zerologadapter.NewLogger(zlog)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(reg, "designgate")

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.close()

	breaker := gateway.NewDefaultCircuitBreaker(gateway.CircuitBreakerConfig{
		FailureThreshold: cfg.LedgerBreakerThreshold,
		ResetTimeout:     cfg.LedgerBreakerReset,
	}, func(state gateway.CircuitBreakerState) {
		metrics.RecordCircuitBreakerStateChange(string(state))
		logger.Warn("ledger circuit breaker state changed", gateway.Field{Key: "state", Value: string(state)})
	})
	ledger := gateway.NewCircuitBreakerLedger(stores.ledger, breaker)

	generator, err := gemini.New(ctx, gemini.Config{
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.ModelTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		Ledger:          ledger,
		Prompts:         stores.prompts,
		Generator:       generator,
		DefaultCost:     cfg.DefaultCost,
		DefaultModelID:  cfg.DefaultModelID,
		RefundOnFailure: cfg.RefundOnFailure,
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return err
	}

	onboarder, err := gateway.NewOnboarder(gateway.OnboardingConfig{
		Ledger:         ledger,
		Markers:        stores.markers,
		WelcomeCredits: cfg.WelcomeCredits,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Gateway:      gw,
		Ledger:       ledger,
		Onboarder:    onboarder,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	var gate func(http.Handler) http.Handler
	if cfg.RequiredEntitlement != "" {
		checker, err := revenuecat.New(revenuecat.Config{
			APIKey:        cfg.RevenueCatAPIKey,
			EntitlementID: cfg.RequiredEntitlement,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		gate = mwhttp.RequireEntitlement(mwhttp.Config{
			Checker: checker,
			GetUserID: mwhttp.FirstOf(
				mwhttp.FromJSONField("user_id"),
				mwhttp.FromHeader("X-User-ID"),
			),
			OnError: func(w http.ResponseWriter, r *http.Request, err error) {
				logger.Error("entitlement check failed", gateway.Field{Key: "error", Value: err.Error()})
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"Internal Server Error"}`))
			},
		})
		logger.Info("entitlement gate enabled", gateway.Field{Key: "entitlement", Value: cfg.RequiredEntitlement})
	}

	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           http.MaxBytesHandler(handler.Routes(gate), cfg.MaxBodyBytes),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.ModelTimeout + 30*time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{apiServer, metricsServer} {
		g.Go(func() error {
			logger.Info("listening", gateway.Field{Key: "addr", Value: srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// stores holds the selected backends and the resources to release on exit
type stores struct {
	ledger  gateway.Ledger
	prompts gateway.PromptRepository
	markers gateway.MarkerStore
	closers []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg config.Config, logger gateway.Logger) (*stores, error) {
	out := &stores{}
	mem := memory.New()

	var (
		pg  *postgres.Storage
		rs  *redisstorage.Storage
		sb  *supabase.Storage
		fst *fsstorage.Storage
		err error
	)

	if cfg.Uses(config.BackendPostgres) {
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		if pg, err = postgres.New(ctx, pgCfg); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		out.closers = append(out.closers, pg.Close)
		if cfg.MigrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				out.close()
				return nil, err
			}
		}
	}
	if cfg.Uses(config.BackendRedis) {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		out.closers = append(out.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			out.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		if rs, err = redisstorage.New(client, redisstorage.DefaultConfig()); err != nil {
			out.close()
			return nil, err
		}
	}
	if cfg.Uses(config.BackendSupabase) {
		if sb, err = supabase.New(supabase.Config{URL: cfg.SupabaseURL, ServiceRoleKey: cfg.SupabaseServiceRoleKey}); err != nil {
			out.close()
			return nil, err
		}
	}
	if cfg.Uses(config.BackendFirestore) {
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			out.close()
			return nil, fmt.Errorf("open firestore: %w", err)
		}
		out.closers = append(out.closers, func() { _ = client.Close() })
		if fst, err = fsstorage.New(client, fsstorage.Config{}); err != nil {
			out.close()
			return nil, err
		}
	}

	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		out.ledger = pg
	case config.BackendRedis:
		out.ledger = rs
	case config.BackendSupabase:
		out.ledger = sb
	case config.BackendFirestore:
		out.ledger = fst
	default:
		logger.Warn("using in-memory ledger; balances are lost on restart")
		out.ledger = mem
	}

	switch cfg.PromptsBackend {
	case config.BackendPostgres:
		out.prompts = pg
	case config.BackendSupabase:
		out.prompts = sb
	case config.BackendFirestore:
		out.prompts = fst
	default:
		out.prompts = mem
	}

	switch cfg.MarkersBackend {
	case config.BackendRedis:
		out.markers = rs
	case config.BackendFirestore:
		out.markers = fst
	default:
		out.markers = mem
	}

	if cfg.PromptsFile != "" && cfg.PromptsBackend == config.BackendMemory {
		f, err := os.Open(cfg.PromptsFile)
		if err != nil {
			out.close()
			return nil, fmt.Errorf("open prompts file: %w", err)
		}
		n, err := mem.LoadFragments(f)
		_ = f.Close()
		if err != nil {
			out.close()
			return nil, fmt.Errorf("load prompts file: %w", err)
		}
		logger.Info("prompt fragments loaded", gateway.Field{Key: "count", Value: n}, gateway.Field{Key: "file", Value: cfg.PromptsFile})
	}

	if cfg.PromptsCache > 0 && cfg.PromptsBackend != config.BackendMemory {
		cached, err := tiered.New(tiered.Config{Cold: out.prompts, TTL: cfg.PromptsCache})
		if err != nil {
			out.close()
			return nil, err
		}
		out.prompts = cached
	}

	return out, nil
}
