package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/bleswitch/internal/ble"
	"github.com/chaz8081/bleswitch/internal/config"
	"github.com/chaz8081/bleswitch/internal/hotkey"
	"github.com/chaz8081/bleswitch/internal/schedule"
	"github.com/chaz8081/bleswitch/internal/tracing"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bleswitch/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	noHotkeys := flag.Bool("no-hotkeys", false, "disable global hotkeys")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	printBanner(cfg)

	shutdownTracing, err := tracing.Setup(context.Background(), cfg.Tracing)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	// Initialize the Bluetooth adapter
	adapter, closeAdapter, err := openAdapter(cfg)
	if err != nil {
		log.Fatalf("Failed to open Bluetooth adapter: %v\n\nEnsure Bluetooth is powered on and this process has Bluetooth permission.", err)
	}
	if err := adapter.Enable(); err != nil {
		closeAdapter()
		log.Fatalf("Failed to enable Bluetooth adapter: %v", err)
	}
	slog.Info("Bluetooth adapter ready", "transport", cfg.Transport)

	machine, err := newMachine(cfg, adapter, logger)
	if err != nil {
		closeAdapter()
		log.Fatalf("switch: %v", err)
	}

	// Schedules
	scheduler, err := schedule.New(cfg.Schedule, machine, logger)
	if err != nil {
		closeAdapter()
		log.Fatalf("schedule: %v", err)
	}
	scheduler.Start()
	if scheduler.Len() > 0 {
		slog.Info("Schedules ready", "count", scheduler.Len(), "next", scheduler.Next().Format(time.DateTime))
	}

	// Hotkeys
	var hotkeys <-chan hotkey.Event
	if !*noHotkeys {
		listener := hotkey.NewListener([]hotkey.Binding{
			{Keys: cfg.Hotkeys.Scan, Action: hotkey.ActionScan},
			{Keys: cfg.Hotkeys.Command, Action: hotkey.ActionCommand},
			{Keys: cfg.Hotkeys.Disconnect, Action: hotkey.ActionDisconnect},
		})
		if len(listener.Bindings()) > 0 {
			go listener.Start()
			hotkeys = listener.Events()
			for _, b := range listener.Bindings() {
				slog.Info("Hotkey ready", "binding", b.String())
			}
		}
	}

	// Keyboard commands on stdin
	lines := readLines(os.Stdin)

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdown := func() {
		scheduler.Stop()
		machine.Disconnect()
		closeAdapter()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
		fmt.Println("Goodbye!")
	}

	fmt.Println("Ready! Type ? for commands. Ctrl+C to quit.")

	// Main event loop
	for {
		select {
		case ev, ok := <-hotkeys:
			if !ok {
				slog.Info("Hotkey listener stopped")
				hotkeys = nil
				continue
			}
			runAction(machine, ev.Action)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			switch strings.TrimSpace(strings.ToLower(line)) {
			case "":
			case "s", "scan":
				runAction(machine, hotkey.ActionScan)
			case "t", "send":
				runAction(machine, hotkey.ActionCommand)
			case "d", "disconnect":
				runAction(machine, hotkey.ActionDisconnect)
			case "i", "info":
				printContext(machine.Context(), scheduler)
			case "q", "quit":
				shutdown()
				os.Exit(0)
			case "?", "h", "help":
				printHelp()
			default:
				fmt.Printf("Unknown command %q, type ? for help\n", line)
			}

		case sig := <-sigCh:
			slog.Info(fmt.Sprintf("Received %s, shutting down...", sig))
			shutdown()
			// Exit directly to avoid gohook's C cleanup crash.
			// The OS reclaims the event hook on process exit.
			os.Exit(0)
		}
	}
}

// runAction applies one user action to the switch.
func runAction(m *ble.Machine, a hotkey.Action) {
	switch a {
	case hotkey.ActionScan:
		if err := m.Toggle(); err != nil {
			slog.Error("scan failed", "error", err)
		}
	case hotkey.ActionCommand:
		if err := m.SendCommand(); err != nil {
			// Status output already reports the failure.
			slog.Debug("send command", "error", err)
		}
	case hotkey.ActionDisconnect:
		m.Disconnect()
	}
}

// openAdapter returns the adapter for cfg.Transport and a function that
// releases it.
func openAdapter(cfg *config.Config) (ble.Adapter, func(), error) {
	switch cfg.Transport {
	case "bluez":
		a, err := ble.NewBlueZAdapter(cfg.BlueZAdapter)
		if err != nil {
			return nil, nil, err
		}
		return a, a.Close, nil
	default:
		return ble.NewTinyGoAdapter(), func() {}, nil
	}
}

// newMachine builds the switch state machine from the device config.
// Status changes are printed to stdout as they happen.
func newMachine(cfg *config.Config, adapter ble.Adapter, logger *slog.Logger) (*ble.Machine, error) {
	filter, err := ble.NewFilter(ble.FilterConfig{Substring: cfg.Device.NameFilter})
	if err != nil {
		return nil, err
	}
	command, err := ble.ParsePayload(cfg.Device.Command)
	if err != nil {
		return nil, err
	}
	return ble.NewMachine(adapter, ble.Options{
		Filter:         filter,
		Command:        command,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		ConnectRetries: cfg.Device.ConnectRetries,
		ScanPeriod:     cfg.Device.ScanPeriod,
		OnStatus: func(st ble.Status) {
			fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), st)
		},
		Logger: logger,
	})
}

// newLogger builds the process logger from log_level and log_format.
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// readLines forwards stdin lines to a channel that is closed on EOF.
func readLines(f *os.File) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
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
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults (run with --init to write one)")
	return config.Default(), nil
}

func printContext(cc ble.ConnectionContext, s *schedule.Scheduler) {
	fmt.Printf("  State:    %s\n", cc.State)
	if cc.Peripheral != nil {
		fmt.Printf("  Device:   %s (%s) %s\n", cc.Peripheral.Name, cc.Peripheral.Address, cc.Peripheral.Status)
	}
	if cc.Session != "" {
		fmt.Printf("  Session:  %s\n", cc.Session)
	}
	if next := s.Next(); !next.IsZero() {
		fmt.Printf("  Next run: %s\n", next.Format(time.DateTime))
	}
}

func printHelp() {
	fmt.Println("  s  scan and connect, or disconnect when connected")
	fmt.Println("  t  send the command")
	fmt.Println("  d  disconnect")
	fmt.Println("  i  show connection info")
	fmt.Println("  q  quit")
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== bleswitch ===")
	fmt.Printf("  Device:    %s\n", cfg.Device.NameFilter)
	fmt.Printf("  Command:   %s\n", cfg.Device.Command)
	fmt.Printf("  Transport: %s\n", cfg.Transport)
	fmt.Printf("  Timeout:   %s (%d retries)\n", cfg.Device.ConnectTimeout, cfg.Device.ConnectRetries)
	fmt.Printf("  Scan:      %s\n", scanPeriodLabel(cfg.Device.ScanPeriod))
	if len(cfg.Schedule) > 0 {
		fmt.Printf("  Schedule:  %s\n", strings.Join(cfg.Schedule, ", "))
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

func scanPeriodLabel(d time.Duration) string {
	if d == 0 {
		return "until found"
	}
	return d.String()
}
