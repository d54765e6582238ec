package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/chaz8081/padlink/internal/bluez"
	"github.com/chaz8081/padlink/internal/bond"
	"github.com/chaz8081/padlink/internal/config"
	"github.com/chaz8081/padlink/internal/gamepad"
	"github.com/chaz8081/padlink/internal/host"
	"github.com/chaz8081/padlink/internal/metrics"
	"github.com/chaz8081/padlink/internal/stack"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/padlink/config.yaml)")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg))
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("padlink stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Goodbye!")
}

func run(ctx context.Context, cfg *config.Config) (err error) {
	log := slog.Default()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	adapter := fmt.Sprintf("hci%d", cfg.HCI.Device)
	if cfg.HCI.ReleaseBlueZ {
		restore, perr := bluez.PowerOff(ctx, adapter)
		if perr != nil {
			// bluetoothd may simply not be running
			log.Warn("[BLUEZ] could not release adapter", "adapter", adapter, "error", perr)
		} else {
			defer func() { err = multierr.Append(err, restore()) }()
		}
	}

	rw, err := stack.OpenUserChannel(cfg.HCI.Device)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	st := stack.New(rw, stack.Options{LocalName: cfg.HCI.LocalName, Logger: log})
	pad := gamepad.New(gamepad.Options{InitialOutput: gamepad.DualSenseInit(), Logger: log})
	h := host.New(st, st, store, pad, host.Options{
		InquiryLength: cfg.Discovery.InquiryLength,
		RescanMax:     cfg.Discovery.RescanMax,
		ClassMask:     cfg.Discovery.ClassMask,
		ClassValue:    cfg.Discovery.ClassValue,
		PIN:           cfg.Pairing.PIN,
		Passkey:       cfg.Pairing.Passkey,
		Logger:        log,
		Metrics:       m,
	})
	st.Attach(h)
	pad.Attach(h)

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		srv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("Metrics listening", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		errs[0] = st.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		errs[1] = h.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		watchPad(runCtx, pad)
	}()

	log.Info("Ready! Waiting for a controller. Ctrl+C to quit.")
	<-runCtx.Done()
	log.Info("Shutting down...")
	wg.Wait()

	err = multierr.Combine(errs...)
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		err = multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
	return err
}

// watchPad logs controller updates until ctx is done.
func watchPad(ctx context.Context, pad *gamepad.Pad) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-pad.Updates():
			switch u.Kind {
			case gamepad.KindConnected:
				slog.Info("Controller connected", "addr", u.Addr)
			case gamepad.KindDisconnected:
				slog.Info("Controller disconnected", "addr", u.Addr)
			default:
				slog.Debug("Report", "kind", u.Kind, "len", len(u.Report))
			}
		}
	}
}

func openStore(cfg *config.Config) (bond.Store, error) {
	switch cfg.Bond.Storage {
	case "memory":
		return bond.NewMemoryStore(), nil
	default:
		s, err := bond.NewFileStore(cfg.Bond.Path, cfg.Bond.Secret)
		if err != nil {
			return nil, fmt.Errorf("opening bond store: %w", err)
		}
		return s, nil
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== padlink ===")
	fmt.Printf("  Adapter:  hci%d (release bluetoothd: %v)\n", cfg.HCI.Device, cfg.HCI.ReleaseBlueZ)
	fmt.Printf("  Filter:   class %#06x/%#06x\n", cfg.Discovery.ClassValue, cfg.Discovery.ClassMask)
	fmt.Printf("  Bond:     %s %s\n", cfg.Bond.Storage, cfg.Bond.Path)
	if cfg.Metrics.Listen != "" {
		fmt.Printf("  Metrics:  %s\n", cfg.Metrics.Listen)
	}
	fmt.Printf("  Log:      %s (%s)\n", cfg.LogLevel, cfg.LogFormat)
	fmt.Println("===============")
}
