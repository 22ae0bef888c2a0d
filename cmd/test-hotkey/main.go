// Command test-hotkey is a manual test for the global hotkey listener.
// Run it, then press the configured combinations to see events.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--config path]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/bleswitch/internal/config"
	"github.com/chaz8081/bleswitch/internal/hotkey"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: built-in hotkeys)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	listener := hotkey.NewListener([]hotkey.Binding{
		{Keys: cfg.Hotkeys.Scan, Action: hotkey.ActionScan},
		{Keys: cfg.Hotkeys.Command, Action: hotkey.ActionCommand},
		{Keys: cfg.Hotkeys.Disconnect, Action: hotkey.ActionDisconnect},
	})
	if len(listener.Bindings()) == 0 {
		fmt.Println("No hotkeys configured.")
		return
	}
	fmt.Println("Listening for:")
	for _, b := range listener.Bindings() {
		fmt.Printf("  %s\n", b)
	}
	fmt.Println("Press Ctrl+C to exit.")

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for ev := range listener.Events() {
			fmt.Printf(">>> %s\n", ev.Action)
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
