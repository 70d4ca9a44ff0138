// Mailroom is an email-driven conversational agent.
//
// Inbound email arrives through the mail-room webhook or the IMAP
// poller, becomes a user turn on the conversation its headers thread
// into, and is handled by the control loop: the model reasons, calls
// tools (send_email, web_search, mailbox access) and eventually waits
// for the next message or declares the conversation done. Threads are
// persisted after every step.
//
// Usage:
//
//	mailroom init [dir]                 Create a workspace with an example config
//	mailroom serve                      Start the webhook, poller and API
//	mailroom ask <conversation> <text>  Run one turn synchronously
//	mailroom thread <conversation>      Print a persisted thread
//	mailroom version                    Print version and build information
//	mailroom -o json version            Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mailroom/internal/agent"
	"github.com/nugget/mailroom/internal/api"
	"github.com/nugget/mailroom/internal/buildinfo"
	"github.com/nugget/mailroom/internal/config"
	"github.com/nugget/mailroom/internal/connwatch"
	"github.com/nugget/mailroom/internal/email"
	"github.com/nugget/mailroom/internal/events"
	"github.com/nugget/mailroom/internal/llm"
	"github.com/nugget/mailroom/internal/mqtt"
	"github.com/nugget/mailroom/internal/opstate"
	"github.com/nugget/mailroom/internal/search"
	"github.com/nugget/mailroom/internal/thread"
	"github.com/nugget/mailroom/internal/tools"
	"github.com/nugget/mailroom/internal/webhook"
)

// shutdownTimeout bounds how long serve waits for in-flight runs and
// HTTP requests after a shutdown signal.
const shutdownTimeout = 30 * time.Second

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; args is
// os.Args[1:]. Arguments are parsed by hand to keep flag's package
// globals out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: mailroom ask <conversation-id> <text>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs[0], strings.Join(cmdArgs[1:], " "), outputFmt)
	case "thread":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: mailroom thread <conversation-id>")
		}
		return runThread(ctx, stdout, configPath, cmdArgs[0], outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mailroom - email-driven conversational agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mailroom [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]                  Create a workspace with an example config")
	fmt.Fprintln(w, "  serve                       Start the webhook, poller and API server")
	fmt.Fprintln(w, "  ask <conversation> <text>   Run one turn synchronously and print the result")
	fmt.Fprintln(w, "  thread <conversation>       Print a persisted thread")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runAsk runs a single loop turn in the foreground against the
// configured backend and store, then prints the outcome and the last
// assistant message.
func runAsk(ctx context.Context, stdout io.Writer, configPath, conversationID, text, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Keep stdout for the answer.
	logger := configuredLogger(os.Stderr, cfg)

	store, err := openThreadStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	emailMgr := email.NewManager(cfg.Email, logger)
	defer emailMgr.Close()

	registry := buildRegistry(cfg, emailMgr, logger)
	loop := agent.NewLoop(store, agent.NewLLMReasoner(createLLMClient(cfg, logger), cfg.Agent.Model, logger), registry, agent.Config{
		MaxCycles:    cfg.Agent.MaxCycles,
		SystemPrompt: cfg.Agent.SystemPrompt,
	}, logger)

	outcome, err := loop.Run(ctx, conversationID, text)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	messages, _, err := store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	final := lastAssistant(messages)

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"conversation_id": conversationID,
			"outcome":         outcome,
			"message":         final,
		})
	}
	fmt.Fprintf(stdout, "[%s]\n%s\n", outcome, final)
	return nil
}

// runThread prints the persisted thread for a conversation.
func runThread(ctx context.Context, stdout io.Writer, configPath, conversationID, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(os.Stderr, cfg)

	store, err := openThreadStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	messages, ok, err := store.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load thread: %w", err)
	}
	if !ok {
		return fmt.Errorf("thread %q not found", conversationID)
	}

	return printThread(stdout, messages, outputFmt)
}

func printThread(w io.Writer, messages []llm.Message, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(messages)
	}
	for i, m := range messages {
		fmt.Fprintf(w, "--- %d %s", i, m.Role)
		if m.ToolCallID != "" {
			fmt.Fprintf(w, " (%s)", m.ToolCallID)
		}
		fmt.Fprintln(w)
		if m.Content != "" {
			fmt.Fprintln(w, m.Content)
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Function.Arguments)
			fmt.Fprintf(w, "-> %s %s [%s]\n", tc.Function.Name, args, tc.ID)
		}
	}
	return nil
}

func lastAssistant(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleAssistant && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

// runServe is the primary operating mode. It opens the stores, builds
// the loop and dispatcher, starts the webhook, poller, health watchers,
// MQTT fan-out and API server, then blocks until a shutdown signal.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context and stops intake
//  2. The HTTP server drains in-flight requests
//  3. In-flight runs finish or are cancelled after shutdownTimeout
//  4. MQTT publishes offline, watchers stop, stores close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Mailroom", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.ListenAddr(),
		"store", cfg.Store.Backend,
		"model", cfg.Agent.Model,
		"max_cycles", cfg.Agent.MaxCycles,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	bus := events.New()
	connMgr := connwatch.NewManager(logger)
	connMgr.SetEventBus(bus)
	defer connMgr.Stop()

	// --- Thread store ---
	store, err := openThreadStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "store",
		Probe: connwatch.PingProbe(store),
	})

	// --- Reasoning backend ---
	llmClient := createLLMClient(cfg, logger)
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "backend",
		Probe: connwatch.PingProbe(llmClient),
	})

	// --- Email accounts ---
	emailMgr := email.NewManager(cfg.Email, logger)
	defer emailMgr.Close()
	for _, name := range emailMgr.AccountNames() {
		client, err := emailMgr.Account(name)
		if err != nil {
			continue
		}
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "imap:" + name,
			Probe: connwatch.PingProbe(client),
		})
	}

	// --- Loop and dispatcher ---
	registry := buildRegistry(cfg, emailMgr, logger)
	loop := agent.NewLoop(store, agent.NewLLMReasoner(llmClient, cfg.Agent.Model, logger), registry, agent.Config{
		MaxCycles:    cfg.Agent.MaxCycles,
		SystemPrompt: cfg.Agent.SystemPrompt,
	}, logger)
	loop.SetEventBus(bus)

	dispatcher := agent.NewDispatcher(loop, logger)
	dispatcher.SetEventBus(bus)

	// --- Inbound: webhook ---
	hook := webhook.NewHandler(cfg.Webhook.Secret, dispatcher, logger)
	hook.SetEventBus(bus)
	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook signature verification disabled (webhook.secret not set)")
	}

	// --- Inbound: IMAP poller ---
	if cfg.Email.Configured() && cfg.Email.PollInterval > 0 {
		state, err := opstate.NewStore(filepath.Join(cfg.DataDir, "state.db"))
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		defer state.Close()

		poller := email.NewPoller(emailMgr, state, dispatcher, logger)
		poller.SetEventBus(bus)
		go poller.Run(ctx, cfg.Email.PollInterval)
		logger.Info("email polling enabled",
			"accounts", emailMgr.AccountNames(),
			"interval", cfg.Email.PollInterval,
		)
	} else {
		logger.Info("email polling disabled")
	}

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, bus, dispatcher, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.Ping(awaitCtx)
			},
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, logger)
	server.SetThreadStore(store)
	server.SetSubmitter(dispatcher)
	server.SetWebhook(hook)
	server.SetEventBus(bus)
	server.SetHealth(connMgr)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight runs cancelled", "error", err)
	}
	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("Mailroom stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. The level was
// already validated by config.Load.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return newLogger(w, level, strings.ToLower(cfg.LogFormat))
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// openThreadStore opens the configured conversation store backend.
func openThreadStore(cfg *config.Config, logger *slog.Logger) (thread.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		logger.Warn("using in-memory thread store; threads are lost on restart")
		return thread.NewMemoryStore(), nil

	case config.StoreMySQL:
		db, err := thread.OpenMySQL(cfg.Store.DSN, logger)
		if err != nil {
			return nil, err
		}
		store, err := thread.NewGormStore(db)
		if err != nil {
			return nil, fmt.Errorf("open mysql thread store: %w", err)
		}
		return store, nil

	case config.StoreRedis:
		store, err := thread.NewRedisStore(cfg.Store.RedisURL, cfg.Store.TTL)
		if err != nil {
			return nil, fmt.Errorf("open redis thread store: %w", err)
		}
		return store, nil

	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		store, err := thread.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite thread store %s: %w", cfg.Store.Path, err)
		}
		return store, nil
	}
}

// createLLMClient builds a multi-provider client. Models listed under
// models.available route to their provider; anything else goes to the
// first configured of openai, ollama, anthropic.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	providers := map[string]llm.Client{}
	var fallback llm.Client

	if cfg.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
		fallback = providers["openai"]
	}
	if cfg.Ollama.Configured() {
		providers["ollama"] = llm.NewOllamaClient(cfg.Ollama.URL, logger)
		if fallback == nil {
			fallback = providers["ollama"]
		}
	}
	if cfg.Anthropic.Configured() {
		providers["anthropic"] = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		if fallback == nil {
			fallback = providers["anthropic"]
		}
	}

	multi := llm.NewMultiClient(fallback)
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		if _, ok := providers[m.Provider]; !ok {
			logger.Warn("model mapped to unconfigured provider", "model", m.Name, "provider", m.Provider)
			continue
		}
		multi.AddModel(m.Name, m.Provider)
	}

	if fallback == nil {
		logger.Warn("no reasoning backend configured; every run will fail")
	}
	logger.Info("LLM client initialized", "model", cfg.Agent.Model, "providers", len(providers))
	return multi
}

// buildRegistry registers every available tool, narrows it to
// agent.tools when set and applies the terminal flags.
func buildRegistry(cfg *config.Config, emailMgr *email.Manager, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry()

	if cfg.Email.Configured() {
		policy := email.NewRecipientPolicy(cfg.Email.AllowedRecipients)
		email.NewTools(emailMgr, policy, logger).Register(registry)
	}

	if cfg.Search.Configured() {
		mgr := search.NewManager(cfg.Search.Default)
		if cfg.Search.Exa.APIKey != "" {
			mgr.Register(search.NewExa(cfg.Search.Exa.APIKey))
		}
		if cfg.Search.Brave.APIKey != "" {
			mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
		}
		if cfg.Search.SearXNG.URL != "" {
			mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
		}
		search.Register(registry, mgr)
		logger.Info("web search enabled", "providers", mgr.Providers(), "default", mgr.Primary())
	}

	if len(cfg.Agent.Tools) > 0 {
		registry = registry.FilteredCopy(cfg.Agent.Tools)
		for _, name := range cfg.Agent.Tools {
			if _, ok := registry.Resolve(name); !ok {
				logger.Warn("agent.tools names an unavailable tool", "tool", name)
			}
		}
	}

	if unknown := registry.SetTerminal(cfg.Tools.Terminal); len(unknown) > 0 {
		logger.Warn("tools.terminal names unavailable tools", "tools", unknown)
	}

	logger.Info("tools registered", "tools", registry.Names(), "terminal", cfg.Tools.Terminal)
	return registry
}
