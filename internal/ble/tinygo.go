package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. It runs on macOS (CoreBluetooth),
// Linux (BlueZ) and Windows (WinRT). On macOS device addresses are
// CoreBluetooth UUIDs, not MAC addresses.
//
// Only the Windows backend reports GATT characteristic properties; elsewhere
// capabilities are derived from the characteristic UUID, see classifyUUID.
// Writes are confirmed write requests on macOS and Windows; see
// writeCharacteristic for Linux.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	scanner scanner

	// mu protects everything below.
	mu       sync.Mutex
	scanning bool
	// scanDone is closed when the last Scan call has returned.
	scanDone chan struct{}
	seen     map[string]bluetooth.Address // scan results keyed by Address.String()
	links    map[string]*tinygoLink
}

// scanner is the scanning half of *bluetooth.Adapter.
type scanner interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// scanDrainTimeout bounds how long StartScan waits for a stopped scan to
// return before starting the next one.
const scanDrainTimeout = 2 * time.Second

type tinygoLink struct {
	device       bluetooth.Device
	chars        map[channelKey]bluetooth.DeviceCharacteristic
	onDisconnect func(error)
}

// NewTinyGoAdapter creates an adapter on the platform default BLE adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		scanner: bluetooth.DefaultAdapter,
		seen:    make(map[string]bluetooth.Address),
		links:   make(map[string]*tinygoLink),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// tinygo reports peripheral-initiated disconnects through the
	// adapter-level connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		link, ok := a.links[id]
		delete(a.links, id)
		a.mu.Unlock()
		if ok && link.onDisconnect != nil {
			link.onDisconnect(nil)
		}
	})
	return nil
}

func (a *TinyGoAdapter) StartScan(onAdvertisement func(Advertisement), onScanFailed func(error)) error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return errors.New("ble: scan already in progress")
	}
	prev := a.scanDone
	a.mu.Unlock()

	// A stopped Scan may still be unwinding; tinygo refuses a second one.
	if prev != nil {
		select {
		case <-prev:
		case <-time.After(scanDrainTimeout):
			return errors.New("ble: previous scan did not stop")
		}
	}

	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return errors.New("ble: scan already in progress")
	}
	a.scanning = true
	done := make(chan struct{})
	a.scanDone = done
	a.mu.Unlock()

	// Scan blocks until StopScan; callers expect StartScan to return.
	go func() {
		defer close(done)
		err := a.scanner.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := result.Address.String()
			a.mu.Lock()
			a.seen[addr] = result.Address
			a.mu.Unlock()
			onAdvertisement(Advertisement{
				Address: addr,
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
			})
		})
		a.mu.Lock()
		stopped := !a.scanning || a.scanDone != done
		if !stopped {
			a.scanning = false
		}
		a.mu.Unlock()
		if err != nil && !stopped {
			onScanFailed(fmt.Errorf("ble: scan: %w", err))
		}
	}()
	return nil
}

// StopScan ends the current scan. It does not wait for the scan to
// unwind, so it is safe to call from an advertisement callback.
func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	scanning := a.scanning
	a.scanning = false
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	return a.scanner.StopScan()
}

func (a *TinyGoAdapter) Connect(address string, opts ConnectOptions, h ConnectHandlers) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	go func() {
		addr := a.resolveAddress(address)
		var lastErr error
		for attempt := 0; attempt <= opts.Retries; attempt++ {
			if attempt > 0 {
				slog.Info("[BLE] retrying connect", "address", address, "attempt", attempt+1, "error", lastErr)
			}
			device, err := a.connectOnce(addr, opts.Timeout)
			if err != nil {
				lastErr = err
				continue
			}
			a.mu.Lock()
			a.links[address] = &tinygoLink{device: device, onDisconnect: h.OnDisconnected}
			a.mu.Unlock()
			h.OnConnected()
			return
		}
		h.OnFailed(fmt.Errorf("ble: connect to %s: %w", address, lastErr))
	}()
}

// connectOnce bounds tinygo's blocking Connect by timeout. A connection that
// completes after the deadline is dropped.
func (a *TinyGoAdapter) connectOnce(addr bluetooth.Address, timeout time.Duration) (bluetooth.Device, error) {
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{
			ConnectionTimeout: bluetooth.NewDuration(timeout),
		})
		ch <- connectResult{device, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return bluetooth.Device{}, ctx.Err()
	case r := <-ch:
		return r.device, r.err
	}
}

func (a *TinyGoAdapter) resolveAddress(address string) bluetooth.Address {
	a.mu.Lock()
	addr, ok := a.seen[address]
	a.mu.Unlock()
	if ok {
		return addr
	}
	addr.Set(address)
	return addr
}

func (a *TinyGoAdapter) DiscoverServices(address string, done func(Catalog, error)) {
	go func() {
		a.mu.Lock()
		link, ok := a.links[address]
		a.mu.Unlock()
		if !ok {
			done(nil, fmt.Errorf("ble: %s is not connected", address))
			return
		}

		svcs, err := link.device.DiscoverServices(nil)
		if err != nil {
			done(nil, fmt.Errorf("ble: discover services: %w", err))
			return
		}
		chars := make(map[channelKey]bluetooth.DeviceCharacteristic)
		catalog := make(Catalog, 0, len(svcs))
		for si, svc := range svcs {
			found, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				done(nil, fmt.Errorf("ble: discover characteristics of %s: %w", svc.UUID().String(), err))
				return
			}
			s := Service{UUID: svc.UUID().String()}
			for ci, c := range found {
				s.Channels = append(s.Channels, Channel{UUID: c.UUID().String(), Capabilities: characteristicCapabilities(c)})
				chars[channelKey{service: si, channel: ci}] = c
			}
			catalog = append(catalog, s)
		}

		a.mu.Lock()
		link.chars = chars
		a.mu.Unlock()
		done(catalog, nil)
	}()
}

func (a *TinyGoAdapter) WriteChannel(address string, ch ChannelDescriptor, data []byte, done func(error)) {
	go func() {
		a.mu.Lock()
		var char bluetooth.DeviceCharacteristic
		link, ok := a.links[address]
		if ok {
			char, ok = link.chars[ch.key()]
		}
		a.mu.Unlock()
		if !ok {
			done(fmt.Errorf("ble: characteristic %s not discovered on %s", ch.ChannelUUID, address))
			return
		}
		if err := writeCharacteristic(char, data); err != nil {
			done(fmt.Errorf("ble: write %s: %w", ch.ChannelUUID, err))
			return
		}
		done(nil)
	}()
}

func (a *TinyGoAdapter) Disconnect(address string) error {
	a.mu.Lock()
	link, ok := a.links[address]
	delete(a.links, address)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return link.device.Disconnect()
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

const sigBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// sigAssigned16 returns the 16-bit alias of a UUID built on the Bluetooth
// SIG base UUID.
func sigAssigned16(uuid string) (uint16, bool) {
	u := strings.ToLower(uuid)
	if len(u) != 36 || !strings.HasPrefix(u, "0000") || !strings.HasSuffix(u, sigBaseSuffix) {
		return 0, false
	}
	v, err := strconv.ParseUint(u[4:8], 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

// capabilitiesFromProperties maps a GATT properties value onto Capability,
// dropping the extended bits (signed writes, extended properties).
func capabilitiesFromProperties(p uint32) Capability {
	const known = CapBroadcast | CapRead | CapWriteNoResponse | CapWrite | CapNotify | CapIndicate
	return Capability(p) & known
}

// classifyUUID stands in for the property flags tinygo does not report.
// SIG-assigned characteristics (0x2A00-0x2BFF: device name, battery level,
// device information strings, ...) are treated as read/notify only. Vendor
// characteristics, including the 0xFFE1-style ones of serial bridge modules,
// are treated as writable.
func classifyUUID(uuid string) Capability {
	if v, ok := sigAssigned16(uuid); ok && v >= 0x2A00 && v <= 0x2BFF {
		return CapRead | CapNotify
	}
	return CapRead | CapWrite | CapNotify
}
