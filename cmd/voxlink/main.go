// Command voxlink is the interactive streaming client: it captures the
// microphone, streams compressed speech to a peer and plays the peer's reply.
//
// Press Enter (or "s") to start capturing and again to stop, "a" to abort the
// live session and "q" to quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval (0 disables)")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxlink: .env: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}
	if err := config.RequireClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxlink"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	application, err := app.New(cfg, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch > 0 {
		w, err := config.NewWatcher(*configPath, config.WithInterval(*watch))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx, application.ApplyConfig)
		}
	}

	printStartupSummary(cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readCommands(ctx, os.Stdin, application, cancel)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Keyboard commands ─────────────────────────────────────────────────────────

// readCommands turns stdin lines into stream commands until ctx is done or
// stdin closes.
func readCommands(ctx context.Context, r io.Reader, a *app.App, quit context.CancelFunc) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		cmd, ok := parseCommand(sc.Text(), a.Controller().Current())
		if !ok {
			if strings.TrimSpace(sc.Text()) == "q" {
				quit()
				return
			}
			fmt.Println("commands: <enter>/s toggle capture, a abort, q quit")
			continue
		}
		select {
		case a.Commands() <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

// parseCommand maps one input line to a command given the live session.
// Toggling while a session drains is ignored.
func parseCommand(line string, live *stream.Session) (stream.Command, bool) {
	switch strings.TrimSpace(strings.ToLower(line)) {
	case "", "s":
		if live == nil {
			return stream.Command{Kind: stream.CommandStartCapture}, true
		}
		switch live.State() {
		case stream.StateCapturing, stream.StateStreaming:
			return stream.Command{Kind: stream.CommandStopCapture}, true
		case stream.StateIdle:
			return stream.Command{Kind: stream.CommandStartCapture}, true
		}
		return stream.Command{}, false
	case "a":
		return stream.Command{Kind: stream.CommandAbort, Reason: "user abort"}, true
	}
	return stream.Command{}, false
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	peer := cfg.Transport.URL
	if cfg.Transport.Kind == config.TransportQUIC {
		peer = cfg.Transport.Addr
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxlink: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Codec", fmt.Sprintf("%s %d Hz", cfg.Audio.Codec, cfg.Audio.SampleRate))
	printRow("Frame", fmt.Sprintf("%d samples (%s)", cfg.Audio.FrameSize, cfg.Audio.FrameDuration()))
	printRow("Transport", string(cfg.Transport.Kind))
	printRow("Peer", peer)
	printRow("Jitter start", fmt.Sprintf("%d frames / %s", cfg.Jitter.StartFrames, cfg.Jitter.StartTimeout))
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics", cfg.Server.MetricsAddr)
	} else {
		printRow("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println("press Enter to talk, Enter again to send; a aborts, q quits")
}

func printRow(label, value string) {
	if len(value) > 21 {
		value = value[:18] + "..."
	}
	fmt.Printf("║  %-12s : %-21s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
