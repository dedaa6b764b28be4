package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/conorfennell/studyloop/internal/bankdir"
	"github.com/conorfennell/studyloop/internal/config"
	"github.com/conorfennell/studyloop/internal/questions"
	"github.com/conorfennell/studyloop/internal/registry"
	"github.com/conorfennell/studyloop/internal/session"
	"github.com/conorfennell/studyloop/internal/storage"
	"github.com/conorfennell/studyloop/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	defer store.Close()
	slog.Info("Database opened", "path", cfg.Database.Path)

	bankdir.SyncRemotes(cfg.Banks.Dir, cfg.Banks.Remotes)
	bankdir.Reconcile(cfg.Banks.Dir)

	reg := registry.New(store, cfg.Memory)
	source := questions.NewMarkdownBank(cfg.Banks.Dir)
	srv := web.NewServer(reg, source, store, session.SystemClock{}, session.Config{
		QuestionsPerTopic: cfg.Session.QuestionsPerTopic,
	})

	slog.Info("Listening", "addr", cfg.Server.Addr)
	return http.ListenAndServe(cfg.Server.Addr, srv)
}
