// Command blescan is a manual test for Bluetooth scanning. It listens for
// advertisements and prints every peripheral it heard, strongest first.
//
// Usage:
//
//	go run ./cmd/blescan [--timeout 12s] [--filter WW0001] [--transport tinygo|bluez]
package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/bleswitch/internal/ble"
)

func main() {
	timeout := flag.Duration("timeout", ble.DefaultScanOptions().Timeout, "how long to scan")
	filter := flag.String("filter", "", "only show peripherals whose name contains this string")
	transport := flag.String("transport", "tinygo", "bluetooth transport: tinygo or bluez")
	hci := flag.String("adapter", "hci0", "controller name for the bluez transport")
	flag.Parse()

	var adapter ble.Adapter
	switch *transport {
	case "tinygo":
		adapter = ble.NewTinyGoAdapter()
	case "bluez":
		a, err := ble.NewBlueZAdapter(*hci)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()
		adapter = a
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown transport %q\n", *transport)
		os.Exit(2)
	}

	opts := ble.ScanOptions{Timeout: *timeout}
	if *filter != "" {
		f, err := ble.NewFilter(ble.FilterConfig{Substring: *filter})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		opts.Filter = &f
	}

	fmt.Printf("Scanning for %s...\n", timeout.Round(time.Second))
	found, err := ble.ScanForDevices(adapter, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(found) == 0 {
		fmt.Println("No devices found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tRSSI\tNAME")
	for _, adv := range found {
		name := adv.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", adv.Address, adv.RSSI, name)
	}
	w.Flush()
	fmt.Printf("\n%d device(s) found.\n", len(found))
}
