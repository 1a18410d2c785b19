package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"replybot/internal/bus"
	"replybot/internal/channel"
	"replybot/internal/config"
	"replybot/internal/domain"
	"replybot/internal/memory"
	"replybot/internal/metrics"
	"replybot/internal/pipeline"
	"replybot/internal/provider"
	"replybot/internal/search"
	"replybot/internal/tool"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "replybot",
		Short: "replybot: AI chat bot for Discord and Telegram",
		Long:  "replybot connects a local or hosted LLM to chat platforms, with web search, MCP tools, and per-user memory.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.replybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// setupLogger rebuilds the global logger from the loaded config: level from
// general.logLevel, destination from general.logFile when set.
func setupLogger(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = f
		}
	}

	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session in the terminal",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	pipe := pipeline.New(pipelineConfig(cfg), deps)

	// One synthetic channel per chat session so context does not leak
	// between runs.
	sessionChannel := "cli-" + uuid.NewString()
	userName := "you"
	if u := os.Getenv("USER"); u != "" {
		userName = u
	}

	fmt.Println("replybot " + version + ". Type your message, Ctrl+D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		response := pipe.ProcessDirect(ctx, domain.InboundMessage{
			ID:         uuid.NewString(),
			Transport:  "cli",
			ChannelID:  sessionChannel,
			AuthorID:   "cli-user",
			AuthorName: userName,
			Content:    line,
			Timestamp:  time.Now(),
		})
		fmt.Println(response)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the enabled chat platforms and serve messages",
		Long:  "Starts all enabled transports (Discord, Telegram) and the processing pipeline. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	transports := make(map[string]domain.Transport)
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		transports["discord"] = channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		})
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		transports["telegram"] = channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger,
		})
	}
	if len(transports) == 0 {
		return fmt.Errorf("no chat platform enabled in config")
	}

	deps.Transports = transports
	pipe := pipeline.New(pipelineConfig(cfg), deps)

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	for name, tr := range transports {
		go func(name string, tr domain.Transport) {
			if err := tr.Start(ctx, messageBus); err != nil {
				logger.Error("transport stopped with error", "transport", name, "err", err)
			}
		}(name, tr)
		logger.Info("transport enabled", "transport", name)
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg, deps.Provider)
	}

	logger.Info("replybot started", "version", version)
	pipe.Run(ctx, messageBus)

	logger.Info("shutting down")
	if sd, ok := deps.Provider.(domain.Shutdowner); ok {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sd.Shutdown(shutdownCtx); err != nil {
			logger.Warn("provider shutdown failed", "err", err)
		}
	}
	return nil
}

// serveMetrics exposes /metrics (Prometheus text format) and /healthz.
func serveMetrics(ctx context.Context, cfg *config.Config, prov domain.Provider) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Collector.Handler())
	mux.HandleFunc("/healthz", metrics.Collector.HealthHandler(func() error {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return prov.Healthy(probeCtx)
	}))

	addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "err", err)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show provider and config status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}
			ctx := context.Background()
			factory := provider.NewFactory(cfg, logger)
			prov := factory.HealthyProvider(ctx)
			if prov != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			} else {
				logger.Info("provider", "healthy", false)
			}
			return nil
		},
	}
}

// pipelineConfig maps the loaded config onto the pipeline knobs.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		QueueCapacity: cfg.General.QueueSize,
		ContextSize:   cfg.General.ContextSize,
		MaxIterations: cfg.General.MaxIterations,
		ChunkPacing:   time.Duration(cfg.General.ChunkPacingMs) * time.Millisecond,
		Build: pipeline.BuildConfig{
			ChannelMessages: cfg.Context.ChannelMessages,
			UserMessages:    cfg.Context.UserMessages,
			QuotedMentions:  cfg.Context.QuotedMentions,
		},
		SummarizeContext: cfg.General.SummarizeContext,
	}
}

// buildDeps wires the provider, search chain, memory store, and MCP registry.
// The returned cleanup closes everything that was opened.
func buildDeps(ctx context.Context, cfg *config.Config) (pipeline.Deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	factory := provider.NewFactory(cfg, logger)
	prov, err := factory.DefaultProvider()
	if err != nil {
		return pipeline.Deps{}, cleanup, fmt.Errorf("provider: %w", err)
	}
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("default provider unhealthy at startup", "provider", prov.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", prov.Name())
	}

	deps := pipeline.Deps{
		Provider: prov,
		Search:   search.FromConfig(cfg.Search.GoogleAPIKey, cfg.Search.GoogleCX, cfg.Search.ScraperFallback, logger),
		Logger:   logger,
	}

	if cfg.Memory.Enabled {
		store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
		if err != nil {
			cleanup()
			return pipeline.Deps{}, func() {}, fmt.Errorf("memory store: %w", err)
		}
		closers = append(closers, func() { store.Close() })
		deps.Memory = store
	}

	if cfg.MCP.Enabled && cfg.MCP.ConfigPath != "" {
		sf, err := tool.LoadServersFile(cfg.MCP.ConfigPath)
		if err != nil {
			logger.Warn("mcp config unreadable, tools disabled", "path", cfg.MCP.ConfigPath, "err", err)
		} else {
			registry := tool.NewRegistry(logger)
			registry.StartServers(ctx, sf)
			closers = append(closers, registry.Close)
			deps.Tools = registry
		}
	}

	return deps, cleanup, nil
}
