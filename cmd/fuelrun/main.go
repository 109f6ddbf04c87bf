package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fuelrun/server/internal/config"
	"github.com/fuelrun/server/internal/data"
	"github.com/fuelrun/server/internal/handler"
	"github.com/fuelrun/server/internal/leaderboard"
	gonet "github.com/fuelrun/server/internal/net"
	"github.com/fuelrun/server/internal/net/protocol"
	"github.com/fuelrun/server/internal/persist"
	"github.com/fuelrun/server/internal/scripting"
	"github.com/fuelrun/server/internal/world"
	"github.com/joho/godotenv"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              FUEL RUN  v0.1.0             \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m        grid survival · game server        \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s\n\n", serverName)
}

func printSection(title string) {
	lineLen := max(3, 46-len(title)-1)
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

func printQR(url string) {
	q, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Println(q.ToString(false))
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Environment and config
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name)

	// 3. Storage and migrations
	printSection("database")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStore()
	printOK(fmt.Sprintf("%s ready, migrations applied", cfg.Database.Driver))
	fmt.Println()

	// 4. Gameplay data
	printSection("game data")
	tuning, err := data.LoadTuning(cfg.Game.TuningFile)
	if err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	printOK("tuning table loaded")

	var curves world.Curves = world.NewTunedCurves(tuning)
	if cfg.Game.ScriptsDir != "" {
		engine, err := scripting.NewEngine(cfg.Game.ScriptsDir, tuning.Difficulty, curves, log)
		if err != nil {
			return fmt.Errorf("lua engine: %w", err)
		}
		defer engine.Close()
		curves = engine
		printOK("difficulty scripts loaded")
	}
	fmt.Println()

	// 5. Leaderboard
	var claims *leaderboard.ClaimIssuer
	if cfg.Leaderboard.ClaimSecret != "" {
		claims, err = leaderboard.NewClaimIssuer(cfg.Leaderboard.ClaimSecret, cfg.Leaderboard.ClaimTTL)
		if err != nil {
			return fmt.Errorf("claims: %w", err)
		}
	} else {
		log.Warn("leaderboard.claim_secret is empty, score submission disabled")
	}
	board := leaderboard.NewService(store, claims, cfg.Leaderboard.Size, cfg.Leaderboard.AdminPasswordHash, log)

	// 6. Transport and handlers
	codec, err := protocol.NewCodec(cfg.Network.SnapshotEncoding)
	if err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	reg := protocol.NewRegistry(log)
	sessions := gonet.NewServer(gonet.SessionOptions{
		InQueueSize:  cfg.Network.InQueueSize,
		OutQueueSize: cfg.Network.OutQueueSize,
		MsgPerSec:    cfg.Network.MaxMessagesPerSec,
		ReadTimeout:  cfg.Network.ReadTimeout,
		WriteTimeout: cfg.Network.WriteTimeout,
	}, log)
	deps := &handler.Deps{
		Config:      cfg,
		Log:         log,
		Tuning:      tuning,
		Curves:      curves,
		Leaderboard: board,
		Codec:       codec,
		Sessions:    sessions,
		Registry:    reg,
	}
	handler.RegisterAll(reg, deps)

	srvCtx, stop := context.WithCancel(context.Background())
	defer stop()
	srv := &http.Server{
		Addr:              cfg.Network.BindAddress,
		Handler:           handler.NewRouter(srvCtx, deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	printSection("server ready")
	printReady(fmt.Sprintf("listening on %s", cfg.Network.BindAddress))
	printReady(fmt.Sprintf("frame interval %s, snapshots as %s", cfg.Network.FrameInterval, codec.Encoding()))
	printReady(fmt.Sprintf("play at %s", cfg.Server.PublicURL))
	if cfg.Server.ShowQR {
		printQR(cfg.Server.PublicURL)
	}
	fmt.Println()

	// 7. Wait for shutdown
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-shutdownCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	stop()
	sessions.Shutdown()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

// openStore connects the configured leaderboard database and migrates it.
func openStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (leaderboard.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		db, err := persist.NewDB(ctx, cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("database: %w", err)
		}
		if err := persist.RunMigrations(ctx, db.Pool); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return persist.NewPGScoreRepo(db), db.Close, nil
	default:
		db, err := persist.OpenSQLite(ctx, cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("database: %w", err)
		}
		if err := persist.RunSQLiteMigrations(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return persist.NewSQLiteScoreRepo(db), func() { db.Close() }, nil
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
