// Command voxlink-loopback runs the voxlink test peer. Every utterance a
// client streams is sent straight back once the client finishes it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional path to the YAML configuration file")
	listen := flag.String("listen", "", "override loopback.listen_addr")
	quicAddr := flag.String("quic", "", "override loopback.quic_addr")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxlink-loopback: .env: %v\n", err)
		return 1
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "voxlink-loopback: %v\n", err)
			return 1
		}
	} else {
		config.ApplyEnv(cfg, os.LookupEnv)
		config.ApplyDefaults(cfg)
		if err := config.Validate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "voxlink-loopback: %v\n", err)
			return 1
		}
	}
	if *listen != "" {
		cfg.Loopback.ListenAddr = *listen
	}
	if *quicAddr != "" {
		cfg.Loopback.QUICAddr = *quicAddr
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: app.ParseLevel(cfg.Server.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxlink-loopback"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	slog.Info("voxlink-loopback starting",
		"listen_addr", cfg.Loopback.ListenAddr,
		"quic_addr", cfg.Loopback.QUICAddr,
		"pace", cfg.Loopback.Pace,
	)
	if err := app.NewLoopback(cfg).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
