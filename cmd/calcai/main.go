package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/pflag"

	"github.com/comigor/calcai/internal/assistant"
	"github.com/comigor/calcai/internal/chat"
	"github.com/comigor/calcai/internal/config"
	"github.com/comigor/calcai/internal/history"
	"github.com/comigor/calcai/internal/llm"
	"github.com/comigor/calcai/internal/logger"
	"github.com/comigor/calcai/internal/repl"
	"github.com/comigor/calcai/internal/server"
	"github.com/comigor/calcai/internal/telemetry"
	"github.com/comigor/calcai/pkg/tools"
)

var version = "dev"

const usage = `usage: calcai [serve|repl|mcp] [flags]

  serve  run the HTTP API (default)
  repl   interactive calculator and math assistant
  mcp    serve the calculator tools over MCP on stdio
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve", "repl", "mcp":
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringP("config", "c", "", "config file (default ./config.yaml or $CONFIG_PATH)")
	fs.String("host", "", "listen host")
	fs.String("port", "", "listen port")
	fs.String("db", "", "sqlite archive path; empty keeps history in memory")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("model", "", "LLM model")
	historyFile := fs.String("history-file", "", "repl input history file")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cmd, fs, *historyFile); err != nil {
		logger.L.Error("calcai failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, fs *pflag.FlagSet, historyFile string) error {
	cfg, err := config.LoadWithFlags(fs)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// stdout belongs to the protocol or the prompt outside of serve.
	var logOut io.Writer = os.Stdout
	switch {
	case cmd == "repl" && cfg.Log.File != "":
		logOut = io.Discard
	case cmd != "serve":
		logOut = os.Stderr
	}
	logCloser := logger.Configure(cfg.Log.Level, logOut, logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()

	toolServer := tools.NewMCPServer(tools.NewDefaultToolManager(), version)
	if cmd == "mcp" {
		logger.L.Info("serving MCP tools on stdio")
		return mcpserver.ServeStdio(toolServer)
	}

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		logger.L.Warn("tracing disabled", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.L.Error("failed to shut down tracing", "error", err)
		}
	}()

	if cfg.LLM.APIKey == "" {
		logger.L.Warn("no API key configured; AI mode will report connection errors")
	}
	llmClient := llm.NewBreakerClient(llm.NewClient(cfg.LLM), cfg.LLM.Breaker)
	a := assistant.New(llmClient, *cfg, toolServer)
	defer a.Close()

	store := history.Open(cfg.History.DBPath)
	defer store.Close()

	switch cmd {
	case "serve":
		return server.New(ctx, cfg.Server, a, store).ListenAndServe(ctx)
	case "repl":
		return runREPL(ctx, a, store, historyFile)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runREPL(ctx context.Context, a chat.Assistant, store *history.Store, historyFile string) error {
	reg := server.NewRegistry(a, store, 0)
	sess := reg.Create()
	render, err := chat.NewTerminalRenderer(80)
	if err != nil {
		logger.L.Warn("terminal rendering disabled", "error", err)
	}
	return repl.New(sess.Calc, sess.Chat, render, os.Stdout).Run(ctx, historyFile)
}
