package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tracyhatemice/mailagent/internal/agent"
	"github.com/tracyhatemice/mailagent/internal/config"
	"github.com/tracyhatemice/mailagent/internal/heartbeat"
	"github.com/tracyhatemice/mailagent/internal/status"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	login := flag.Bool("login", false, "sign in all oauth mailboxes and exit")
	check := flag.Bool("check", false, "validate the configuration, print a summary and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	for _, w := range cfg.Warnings() {
		logger.Warn("configuration warning", "issue", w)
	}

	if *check {
		printSummary(cfg)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tokens, err := newTokenManagers(cfg, logger)
	if err != nil {
		logger.Error("failed to open token store", "error", err)
		os.Exit(1)
	}

	if *login {
		if err := loginAll(ctx, cfg, tokens); err != nil {
			logger.Error("login failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("mailagent starting", "mailboxes", len(cfg.Mailboxes), "mode", cfg.Mode(), "interval", cfg.PollInterval())

	proc, err := newProcessor(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create processor", "error", err)
		os.Exit(1)
	}

	pollers, err := newPollers(cfg, tokens, logger)
	if err != nil {
		logger.Error("failed to create pollers", "error", err)
		os.Exit(1)
	}

	var opts []agent.Option
	if cfg.ArchiveDir != "" {
		opts = append(opts, agent.WithArchive(newArchive(cfg.ArchiveDir)))
	}
	sources := make([]agent.Source, len(pollers))
	for i, p := range pollers {
		sources[i] = p
	}
	ag := agent.New(sources, proc, logger, opts...)
	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if cfg.HeartbeatEnabled() {
		hb := heartbeat.New(cfg.Heartbeat.URL, cfg.HeartbeatInterval(), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			hb.Run(ctx)
		}()
	} else {
		logger.Warn("heartbeat is not configured, not sending any heartbeats")
	}

	if cfg.Status.Addr != "" {
		boxes := make([]status.Mailbox, len(pollers))
		for i, p := range pollers {
			boxes[i] = p
		}
		handler := status.New(boxes, ag).Router(cfg.Status.CORSOrigins)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := status.Serve(ctx, cfg.Status.Addr, handler, logger); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down, waiting for pollers to finish...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	ag.Stop(context.Background())
	wg.Wait()
	logger.Info("mailagent stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func loginAll(ctx context.Context, cfg *config.Config, tokens *tokenManagers) error {
	if tokens == nil {
		return errors.New("no mailbox uses oauth")
	}
	for _, m := range cfg.Mailboxes {
		if m.GetAuth() != "oauth" {
			continue
		}
		fmt.Printf("\n[%s]\n", m.Name)
		if err := tokens.forProtocol(m.GetProtocol()).Login(ctx, m.Username, os.Stdout); err != nil {
			return fmt.Errorf("mailbox %s: %w", m.Name, err)
		}
		fmt.Println("signed in")
	}
	return nil
}

func printSummary(cfg *config.Config) {
	fmt.Println("Configuration summary")
	fmt.Println()
	fmt.Printf("Process mode:      %s\n", cfg.Mode())
	fmt.Printf("Polling interval:  %s\n", cfg.PollInterval())
	if cfg.OutputPath != "" {
		fmt.Printf("Output path:       %s\n", cfg.OutputPath)
	}
	if cfg.HeartbeatEnabled() {
		fmt.Printf("Heartbeat:         %s every %s\n", cfg.Heartbeat.URL, cfg.HeartbeatInterval())
	}
	fmt.Println()
	fmt.Println("Mailboxes:")
	for i, m := range cfg.Mailboxes {
		fmt.Printf("\n  [%d] %s\n", i+1, m.Name)
		fmt.Printf("      Protocol:  %s\n", m.GetProtocol())
		if m.GetProtocol() != "graph" {
			fmt.Printf("      Host:      %s:%d\n", m.Host, m.GetPort())
		}
		fmt.Printf("      Username:  %s\n", config.MaskUsername(m.Username))
		fmt.Printf("      Auth:      %s\n", m.GetAuth())
		if m.GetAuth() == "oauth" {
			fmt.Println("      OAuth:     run with -login once before the first start")
		}
	}
	fmt.Println()
	if w := cfg.Warnings(); len(w) > 0 {
		fmt.Printf("%d warning(s):\n", len(w))
		for _, s := range w {
			fmt.Printf("  - %s\n", s)
		}
	} else {
		fmt.Println("Configuration is valid.")
	}
}
