package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Tyrowin/chathub/internal/auth"
	"github.com/Tyrowin/chathub/internal/metrics"
	"github.com/Tyrowin/chathub/internal/server"
	"github.com/Tyrowin/chathub/internal/store"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file (default ./chathub.yaml)")
	issueFor := pflag.String("issue-token", "", "print a signed handshake token for this username and exit")
	tokenTTL := pflag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by --issue-token")
	pflag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := server.LoadConfig(bootLogger, *configPath)
	if err != nil {
		bootLogger.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *issueFor != "" {
		token, err := auth.IssueToken(cfg.Auth.JWTSecret, *issueFor, *tokenTTL)
		if err != nil {
			bootLogger.Error("issue token", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, newLogger(cfg.Log)); err != nil {
		os.Exit(1)
	}
}

func run(cfg *server.Config, logger *slog.Logger) error {
	logger.Info("starting chat hub")

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("open store", slog.String("path", cfg.Database.Path), slog.Any("error", err))
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("close store", slog.Any("error", err))
		}
	}()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	authn := auth.NewAuthenticator(auth.NewJWTVerifier(cfg.Auth.JWTSecret), db)
	hub := server.NewHub(*cfg, authn, db, logger, m)

	routes := server.SetupRoutes(server.NewServer(hub, logger), m.Handler())
	httpServer := server.CreateServer(cfg.Port, routes)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(logger, httpServer)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", slog.Any("error", err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	if err := server.ShutdownServer(logger, httpServer, hub, cfg.ShutdownTimeout); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
		return err
	}
	logger.Info("chat hub stopped")
	return nil
}

func newLogger(cfg server.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
