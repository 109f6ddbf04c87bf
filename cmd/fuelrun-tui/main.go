package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fuelrun/server/internal/audio"
	"github.com/fuelrun/server/internal/config"
	"github.com/fuelrun/server/internal/data"
	"github.com/fuelrun/server/internal/leaderboard"
	"github.com/fuelrun/server/internal/persist"
	"github.com/fuelrun/server/internal/scripting"
	"github.com/fuelrun/server/internal/sim"
	"github.com/fuelrun/server/internal/tui"
	"github.com/fuelrun/server/internal/world"
	"github.com/gdamore/tcell/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultLocalDB = "file:fuelrun-local.db"
	defaultLogFile = "fuelrun-tui.log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The terminal belongs to the game, so logs go to a file.
	log, err := newLogger(cfg.Logging, envOr("FUELRUN_TUI_LOG", defaultLogFile))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Local leaderboard
	openCtx, cancelOpen := context.WithTimeout(ctx, 10*time.Second)
	defer cancelOpen()
	db, err := persist.OpenSQLite(openCtx, config.DatabaseConfig{DSN: envOr("FUELRUN_LOCAL_DB", defaultLocalDB)}, log)
	if err != nil {
		return fmt.Errorf("local leaderboard: %w", err)
	}
	defer db.Close()
	if err := persist.RunSQLiteMigrations(openCtx, db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	board := leaderboard.NewService(persist.NewSQLiteScoreRepo(db), nil, cfg.Leaderboard.Size, "", log)

	// Simulation
	tuning, err := data.LoadTuning(cfg.Game.TuningFile)
	if err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	var curves world.Curves = world.NewTunedCurves(tuning)
	if cfg.Game.ScriptsDir != "" {
		engine, err := scripting.NewEngine(cfg.Game.ScriptsDir, tuning.Difficulty, curves, log)
		if err != nil {
			return fmt.Errorf("lua engine: %w", err)
		}
		defer engine.Close()
		curves = engine
	}
	seed := cfg.Game.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	s, err := sim.New(sim.Options{
		Cols:   cfg.Game.GridCols,
		Rows:   cfg.Game.GridRows,
		Tuning: tuning,
		Curves: curves,
		Seed:   seed,
		Log:    log,
	})
	if err != nil {
		return err
	}

	// Audio is optional.
	sounds := audio.NewSoundManager(0.5)
	if err := sounds.Initialize(); err != nil {
		log.Warn("audio unavailable", zap.Error(err))
	}
	defer sounds.Cleanup()

	screen, err := tcell.NewScreen()
	if err != nil {
		return fmt.Errorf("screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return fmt.Errorf("screen init: %w", err)
	}
	defer screen.Fini()
	screen.HideCursor()

	app := tui.NewApp(tui.Options{
		Screen:        screen,
		Sim:           s,
		Board:         board,
		Sounds:        sounds,
		Log:           log,
		FrameInterval: cfg.Network.FrameInterval,
	})
	return app.Run(ctx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger(cfg config.LoggingConfig, path string) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{path}
	zapCfg.ErrorOutputPaths = []string{path}

	return zapCfg.Build()
}
