package ble

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ScanOptions configures a one-shot scan.
type ScanOptions struct {
	Timeout time.Duration // how long to listen for advertisements
	// Filter restricts results to matching peripherals. Nil reports every
	// advertiser, named or not.
	Filter *Filter
}

// DefaultScanOptions returns sensible defaults for a diagnostic scan.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Timeout: 12 * time.Second,
	}
}

// ScanForDevices listens for advertisements for opts.Timeout and returns one
// entry per peripheral, strongest signal first. It does not connect.
func ScanForDevices(adapter Adapter, opts ScanOptions) ([]Advertisement, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 12 * time.Second
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	var mu sync.Mutex
	found := make(map[string]Advertisement)
	failed := make(chan error, 1)

	err := adapter.StartScan(func(adv Advertisement) {
		if opts.Filter != nil && !opts.Filter.Accept(adv) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		// Scan responses often omit the name; keep the last one seen.
		if prev, ok := found[adv.Address]; ok && adv.Name == "" {
			adv.Name = prev.Name
		}
		found[adv.Address] = adv
	}, func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case err := <-failed:
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	if err := adapter.StopScan(); err != nil {
		return nil, fmt.Errorf("ble: stop scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Advertisement, 0, len(found))
	for _, adv := range found {
		devices = append(devices, adv)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].Address < devices[j].Address
	})
	return devices, nil
}
