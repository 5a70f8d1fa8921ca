// Command treasuryd runs the dual-authorization treasury release engine:
// the proposal API, the expiry sweeper, and the audit ledger.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/treasury/pkg/api"
	"github.com/Mindburn-Labs/treasury/pkg/config"
	"github.com/Mindburn-Labs/treasury/pkg/ledger"
	"github.com/Mindburn-Labs/treasury/pkg/observability"
	"github.com/Mindburn-Labs/treasury/pkg/timelock"
	"github.com/Mindburn-Labs/treasury/pkg/treasury"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("treasuryd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "treasuryd")

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}
	roles, err := treasury.NewRoleSet(
		treasury.Role(profile.OwnerRole),
		treasury.Role(profile.TreasurerRole),
	)
	if err != nil {
		return err
	}
	policy, err := treasury.NewPolicy(profile.PolicyExpr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry.
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "treasury-engine",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Storage.
	var (
		db            *sql.DB
		treasuryStore treasury.Store = treasury.NewMemoryStore()
		auditLedger   *ledger.Ledger
	)
	if cfg.DatabaseDriver != "" {
		driver := cfg.DatabaseDriver
		if driver == "postgres" && !strings.Contains(cfg.DatabaseURL, "://") {
			return fmt.Errorf("postgres requires a DATABASE_URL connection string")
		}
		db, err = sql.Open(driverName(driver), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()

		auditStore, err := ledger.NewSQLStore(db)
		if err != nil {
			return fmt.Errorf("init audit store: %w", err)
		}
		auditLedger, err = auditStore.Replay(ctx)
		if err != nil {
			return fmt.Errorf("replay audit ledger: %w", err)
		}
		treasuryStore, err = treasury.NewSQLStore(db)
		if err != nil {
			return fmt.Errorf("init treasury store: %w", err)
		}
		logger.Info("durable storage attached", "driver", driver)
	} else {
		auditLedger = ledger.New()
		logger.Warn("running with in-memory storage; state is lost on restart")
	}

	engine, err := treasury.New(roles, auditLedger,
		treasury.WithStore(treasuryStore),
		treasury.WithPolicy(policy),
		treasury.WithTTL(profile.TTL),
		treasury.WithMaxTTL(profile.MaxTTL),
		treasury.WithMetrics(obs),
		treasury.WithTransfer(loggingTransfer(logger)),
	)
	if err != nil {
		return err
	}
	if err := engine.Restore(ctx); err != nil {
		return err
	}

	// Expiry sweeper: liveness for proposals nobody touches.
	sweeper := timelock.NewSweeper(engine, cfg.SweepInterval)
	go sweeper.Run(ctx)

	// Checkpoint signer.
	var signer *ledger.CheckpointSigner
	if cfg.CheckpointSecret != "" {
		signer, err = ledger.NewCheckpointSigner([]byte(cfg.CheckpointSecret))
		if err != nil {
			return err
		}
	}

	// AuthN.
	var validator *api.JWTValidator
	if cfg.JWTSecret != "" {
		validator, err = api.NewJWTValidator([]byte(cfg.JWTSecret), profile.Subjects)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("JWT_SECRET not set; all authenticated endpoints will reject")
	}

	// Rate limiting: shared bucket when Redis is configured, local otherwise.
	var limiter api.LimiterStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		limiter = api.NewRedisLimiterStore(client, 10, 20)
	} else {
		limiter = api.NewLocalLimiterStore(10, 20)
	}

	server := api.NewServer(engine, auditLedger, signer)
	handler := server.Routes(
		api.RequestIDMiddleware,
		api.RecoverMiddleware,
		api.LoggingMiddleware(logger),
		api.AuthMiddleware(validator),
		api.RateLimitMiddleware(limiter),
		api.IdempotencyMiddleware(api.NewIdempotencyStore(24*time.Hour)),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("treasury engine listening", "port", cfg.Port, "profile", profile.Name)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func driverName(driver string) string {
	if driver == "postgres" {
		return "postgres"
	}
	return "sqlite"
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// loggingTransfer is the default outbound collaborator: it records the
// transfer and succeeds. Deployments integrate a real settlement rail by
// swapping this for their own treasury.Transfer.
func loggingTransfer(logger *slog.Logger) treasury.Transfer {
	return treasury.TransferFunc(func(ctx context.Context, target string, amount int64) error {
		logger.InfoContext(ctx, "outbound transfer", "target", target, "amount", amount)
		return nil
	})
}
