// Command hamrah is a terminal companion-chat client: persona text chat
// with image generation and speech synthesis, plus a live voice/video
// call mode, backed by a local SQLite store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/hamrah-ai/hamrah/pkg/core/chat"
	"github.com/hamrah-ai/hamrah/pkg/store"
)

type config struct {
	APIKey   string `env:"GEMINI_API_KEY"`
	DBPath   string `env:"HAMRAH_DB" envDefault:"hamrah.db"`
	LogLevel string `env:"HAMRAH_LOG_LEVEL" envDefault:"warn"`
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	var (
		envFile  = flag.String("env", ".env", "path to a .env file (loaded best effort)")
		dbPath   = flag.String("db", "", "path to the SQLite state database (overrides HAMRAH_DB)")
		logLevel = flag.String("log-level", "", "log level: debug, info, warn, error (overrides HAMRAH_LOG_LEVEL)")
	)
	flag.Parse()

	_ = godotenv.Load(*envFile)

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if strings.TrimSpace(cfg.APIKey) == "" {
		fmt.Fprintln(os.Stderr, "GEMINI_API_KEY is required: set it in the environment or in .env")
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath, store.WithLogger(logger.With("component", "store")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open state store: %v\n", err)
		return 1
	}
	defer st.Close()

	svc := chat.NewService(cfg.APIKey, nil,
		chat.WithServiceLogger(logger.With("component", "chat")))

	settings := st.LoadSettings()
	messages := st.LoadHistory()
	svc.StartNewChat(settings, messages)

	a := &app{
		svc:      svc,
		store:    st,
		logger:   logger,
		settings: settings,
		messages: messages,
		out:      os.Stdout,
	}
	if err := a.run(ctx, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}
	return 0
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
