// Command mqttbroker runs the broker as a standalone process: load a YAML
// config, wire a Broker from it, and start every configured listener until
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mqttforge/broker"
)

func main() {
	var (
		configPath = flag.String("config", "mqttbroker.yaml", "path to the broker's YAML config file")
		addr       = flag.String("addr", "", "override: listen on this plain TCP address instead of the config's listeners")
		debug      = flag.Bool("debug", false, "enable debug-level logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})).With("lib", "mqttbroker")

	if err := run(*configPath, *addr, logger); err != nil {
		logger.Error("mqttbroker: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string, logger *slog.Logger) error {
	cfg, err := broker.LoadConfig(configPath)
	if err != nil {
		if addrOverride == "" {
			return fmt.Errorf("mqttbroker: %w", err)
		}
		logger.Warn("mqttbroker: no config file, falling back to -addr only", "path", configPath, "error", err)
		cfg = &broker.BrokerConfig{}
	}
	if addrOverride != "" {
		cfg.Listeners = []broker.ListenerConfig{{Kind: "tcp", Addr: addrOverride}}
	}
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("mqttbroker: no listeners configured (set listeners: in %s or pass -addr)", configPath)
	}

	opts, closer, err := cfg.Options()
	if err != nil {
		return fmt.Errorf("mqttbroker: %w", err)
	}
	defer closer()

	b := broker.New(append(opts, broker.WithLogger(logger))...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cfg.ListenAll(ctx, b)
}
