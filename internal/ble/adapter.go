// Package ble drives a single BLE remote switch: it scans for a peripheral
// whose advertised name carries a product identifier, connects to it, finds
// its writable GATT characteristic and writes a fixed command on demand.
package ble

import "time"

// Capability is a GATT characteristic property bitmask. Bit values follow
// the Bluetooth Core specification.
type Capability uint8

const (
	CapBroadcast       Capability = 1 << 0
	CapRead            Capability = 1 << 1
	CapWriteNoResponse Capability = 1 << 2
	CapWrite           Capability = 1 << 3
	CapNotify          Capability = 1 << 4
	CapIndicate        Capability = 1 << 5
)

// Has reports whether all bits of c2 are set in c.
func (c Capability) Has(c2 Capability) bool { return c&c2 == c2 }

// Writable reports whether the characteristic accepts write requests.
func (c Capability) Writable() bool { return c.Has(CapWrite) }

// Advertisement is one scan result.
type Advertisement struct {
	Address string
	Name    string // empty when the peripheral did not advertise a local name
	RSSI    int
}

// Channel is one characteristic in a service catalog.
type Channel struct {
	UUID         string
	Capabilities Capability
}

// Service groups the characteristics of one GATT service in handle order.
type Service struct {
	UUID     string
	Channels []Channel
}

// Catalog is the full set of services a connected peripheral exposes, in
// the order the transport enumerated them.
type Catalog []Service

// ConnectOptions bounds a single Connect call. Retries are performed by the
// adapter; the machine never retries on its own.
type ConnectOptions struct {
	Timeout time.Duration // per attempt
	Retries int           // extra attempts after the first failure
}

// ConnectHandlers receive the outcome of Adapter.Connect. Exactly one of
// OnConnected or OnFailed is called; OnDisconnected may follow OnConnected.
type ConnectHandlers struct {
	OnConnected    func()
	OnFailed       func(err error)
	OnDisconnected func(err error)
}

// Adapter abstracts the BLE transport for testing. Callbacks may be invoked
// synchronously or from any goroutine.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// StartScan begins delivering advertisements until StopScan is called.
	StartScan(onAdvertisement func(Advertisement), onScanFailed func(error)) error
	// StopScan ends an active scan. Stopping an idle scanner is not an error.
	StopScan() error
	// Connect starts connecting to the peripheral at address.
	Connect(address string, opts ConnectOptions, h ConnectHandlers)
	// DiscoverServices enumerates the catalog of a connected peripheral.
	DiscoverServices(address string, done func(Catalog, error))
	// WriteChannel writes data once to the given characteristic.
	WriteChannel(address string, ch ChannelDescriptor, data []byte, done func(error))
	// Disconnect terminates the connection to address.
	Disconnect(address string) error
}
