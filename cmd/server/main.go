package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/ksred/klear-exec/internal/engine"
	"github.com/ksred/klear-exec/internal/server"

	"github.com/gin-gonic/gin"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main loads configuration, starts the engine API and the monitor loop, and
// shuts both down on SIGINT or SIGTERM
func main() {
	configPath := flag.String("config", os.Getenv("KLEAR_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	engine.Version = version

	srv, err := server.New(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer srv.Close()

	zlog.Info().
		Str("version", version).
		Strs("symbols", cfg.Symbols).
		Str("database", cfg.Database.Path).
		Int("decision_collaborators", len(cfg.Decision.URLs)).
		Dur("monitor_interval", cfg.Monitor.Interval).
		Msg("Starting klear-exec")

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		zlog.Error().Err(err).Msg("listen")
		return
	}
	zlog.Info().Msg("Server exiting")
}
