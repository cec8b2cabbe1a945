package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"signbot/internal/bot"
	"signbot/internal/config"
	"signbot/internal/feed"
	"signbot/internal/metrics"
	"signbot/internal/model"
	"signbot/internal/policy"
	"signbot/internal/signbot"
	"signbot/internal/storage"
	"signbot/internal/throttle"
	"signbot/internal/wiki"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("signbot stopped", "error", err)
		os.Exit(1)
	}
	log.Info("signbot stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	apiHTTP := &http.Client{Jar: jar, Timeout: 60 * time.Second}
	client := wiki.New(cfg.WikiAPIURL, apiHTTP,
		wiki.WithUserAgent(cfg.UserAgent),
		wiki.WithEditInterval(cfg.EditSpacing),
	)

	ns, err := client.Namespaces(ctx)
	if err != nil {
		return fmt.Errorf("load namespaces: %w", err)
	}

	var counter throttle.Counter = store
	if cfg.RedisURL != "" {
		rc, err := throttle.NewRedisCounter(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() { _ = rc.Close() }()
		counter = rc
		log.Info("throttle counters in redis")
	}

	pol, err := policy.New(client, policy.Options{
		ExcludeRegexPage: cfg.ExcludeRegexPage,
		OptInTemplate:    cfg.OptInTemplate,
		OptOutTemplate:   cfg.OptOutTemplate,
	}, log)
	if err != nil {
		return err
	}
	defer pol.Close()

	pipeline := signbot.NewPipeline(client, pol, throttle.New(counter, cfg.ThrottlePrefix), signbot.Options{
		Namespaces:       ns,
		Location:         cfg.Location(),
		GracePeriod:      cfg.GracePeriod,
		FrequentPages:    cfg.FrequentPages,
		DiscussionPrefix: cfg.DiscussionPrefix,
	}, log)
	disp := signbot.NewDispatcher(pipeline, cfg.MaxWorkers, cfg.FeedTimeout, log)

	alert := func(string) {}
	if cfg.TelegramBotToken != "" {
		console, err := bot.New(cfg.TelegramBotToken, disp, pol, cfg, log)
		if err != nil {
			return fmt.Errorf("create operator console: %w", err)
		}
		alert = console.Alert
		go console.Run(ctx)
	}

	if err := client.Login(ctx, cfg.WikiUser, cfg.WikiPass); err != nil {
		alert(fmt.Sprintf("login as %s failed: %v", cfg.WikiUser, err))
		return fmt.Errorf("login: %w", err)
	}
	log.Info("logged in", "user", cfg.WikiUser, "api", cfg.WikiAPIURL)

	if _, err := pol.RefreshRules(ctx); err != nil {
		log.Warn("load exclusion rules", "error", err)
	}
	if _, err := pol.RefreshLists(ctx); err != nil {
		log.Warn("load opt lists", "error", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	var src feed.Source
	switch cfg.FeedKind {
	case config.FeedRSS:
		rc := feed.NewRecentChanges(cfg.WikiAPIURL, cfg.UserAgent, apiHTTP, ns, store, log)
		rc.SetTickInterval(cfg.PollInterval)
		src = rc
	default:
		src = feed.NewEventStream(cfg.EventStreamURL, cfg.ServerName, cfg.UserAgent, &http.Client{}, log)
	}

	events := make(chan model.ChangeEvent, 64)
	go func() {
		if err := src.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("change feed", "error", err)
		}
	}()

	log.Info("starting signbot", "feed", cfg.FeedKind, "workers", cfg.MaxWorkers)
	err = disp.Run(ctx, events)
	cancel()
	disp.Wait()

	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, signbot.ErrFeedTimeout):
		alert(fmt.Sprintf("no recent change for %s, exiting", cfg.FeedTimeout))
		return err
	}
	return err
}

func openStore(path string) (storage.Storage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	store, err := storage.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return store, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
