package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"clawgate/internal/infra/config"
	"clawgate/internal/infra/logger"
	"clawgate/internal/infra/tracer"
)

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if len(os.Args) >= 2 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
			showUsage()
			return
		}
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "help":
		showUsage()
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'clawgate --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`clawgate - OpenAI-compatible chat completions gateway for agent runs

USAGE:
    clawgate [COMMAND] [FLAGS]

COMMANDS:
    doctor      Check configuration and upstream reachability
    encrypt     Encrypt a secret for use as an enc: config value
                (passphrase from CLAWGATE_CONFIG_KEY)

    (no command) - Serve /v1/chat/completions

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (or CLAWGATE_CONFIG)
    Environment: CLAWGATE_* variables override config

EXAMPLES:
    CLAWGATE_AUTH_TOKEN=dev CLAWGATE_AGENT_PROVIDER=echo clawgate
    clawgate --config /etc/clawgate/config.yaml
    CLAWGATE_CONFIG_KEY=... clawgate encrypt sk-live-...`)
}

// configPath resolves the config file from --config, CLAWGATE_CONFIG, or the
// working directory.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if p, ok := strings.CutPrefix(arg, "--config="); ok {
			return p
		}
	}
	if p := os.Getenv("CLAWGATE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		if err := tracerShutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// 3. Components
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	// 4. Serve until signalled
	if err := a.start(ctx); err != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer stop()
		return errors.Join(err, a.shutdown(shutdownCtx))
	}
	log.Info("clawgate ready",
		"addr", a.channel.Addr(),
		"provider", cfg.Agent.Provider,
		"journal", cfg.Journal.Enabled,
		"events", cfg.Events.Enabled,
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	return a.shutdown(shutdownCtx)
}

// runEncrypt prints the enc: form of each argument.
func runEncrypt(args []string) error {
	passphrase := os.Getenv("CLAWGATE_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("CLAWGATE_CONFIG_KEY is not set")
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: clawgate encrypt <value>...")
	}
	for _, v := range args {
		enc, err := config.EncryptValue(v, passphrase)
		if err != nil {
			return err
		}
		fmt.Println("enc:" + enc)
	}
	return nil
}
