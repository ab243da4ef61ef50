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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	x402 "github.com/vitwit/x402-market"
	"github.com/vitwit/x402-market/cache"
	"github.com/vitwit/x402-market/config"
	"github.com/vitwit/x402-market/logger"
	"github.com/vitwit/x402-market/metrics"
	"github.com/vitwit/x402-market/notify"
	"github.com/vitwit/x402-market/server"
	"github.com/vitwit/x402-market/signer"
	"github.com/vitwit/x402-market/store"
	"github.com/vitwit/x402-market/store/memory"
	"github.com/vitwit/x402-market/store/postgres"
	"github.com/vitwit/x402-market/types"
)

func main() {
	cfgPath := os.Getenv("APP_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewZapLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("facilitator stopped", map[string]any{"error": err.Error()})
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.ZapLogger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.NewPrometheusRecorder(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	opts := []x402.Option{
		x402.WithLogger(log),
		x402.WithMetrics(rec),
		x402.WithTimeout(cfg.HTTP.VerifyTimeout),
	}

	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, verification cache disabled", map[string]any{"error": err.Error()})
		} else {
			opts = append(opts, x402.WithCache(cache.NewRedisCache(rdb, cfg.Redis.CacheTTL)))
		}
	}

	var active signer.Active
	if cfg.Networks.Solana.Enabled {
		keyring, err := signer.LoadKeyring(cfg.Signer.Key)
		if err != nil {
			return fmt.Errorf("load signer: %w", err)
		}
		pk, _ := keyring.Active()
		log.Info("solana signer loaded", map[string]any{"pubkey": pk.String()})
		active = keyring
	}

	var (
		fac *x402.Facilitator
		bot *notify.Telegram
	)
	if cfg.Bot.Token != "" {
		status := func(ctx context.Context, wallet string) (types.EntitlementStatus, error) {
			return fac.Status(ctx, wallet)
		}
		bot, err = notify.NewTelegram(cfg.Bot.Token, st, status, log)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		opts = append(opts, x402.WithNotifier(bot))
	}

	fac, err = x402.New(cfg, st, active, opts...)
	if err != nil {
		return fmt.Errorf("create facilitator: %w", err)
	}
	defer fac.Close()

	srv, err := server.New(cfg.HTTP, server.Dependencies{
		Facilitator: fac,
		Gatherer:    reg,
		Logger:      log,
		PageSize:    cfg.Market.PageSize,
	})
	if err != nil {
		return err
	}

	if bot != nil {
		go func() {
			if err := bot.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("telegram listener stopped", map[string]any{"error": err.Error()})
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown api server", map[string]any{"error": err.Error()})
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	}
}

// openStore picks postgres when a DSN is configured and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, log logger.Logger) (store.Store, error) {
	if cfg.Postgres.DSN == "" {
		log.Warn("no postgres dsn, using in-memory store", map[string]any{"env": cfg.Env})
		return memory.New(), nil
	}

	pg, err := postgres.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return pg, nil
}
