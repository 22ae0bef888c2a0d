package ble

import (
	"sync"
	"testing"
)

type pendingConnect struct {
	address string
	opts    ConnectOptions
	h       ConnectHandlers
}

type pendingDiscover struct {
	address string
	done    func(Catalog, error)
}

type recordedWrite struct {
	address string
	ch      ChannelDescriptor
	data    []byte
	done    func(error)
}

// mockAdapter records every call and answers them either immediately (auto*
// fields) or when the test fires the stored callbacks. It never holds its
// lock while invoking a callback.
type mockAdapter struct {
	mu sync.Mutex

	// advertisements are delivered synchronously from StartScan while the
	// scan is still running.
	advertisements []Advertisement
	enableErr      error
	startScanErr   error

	autoConnect  bool
	connectErr   error // with autoConnect: fail instead of succeeding
	autoDiscover bool
	catalog      Catalog
	catalogErr   error
	deferWrites  bool // store write callbacks instead of completing them
	writeErr     error

	scanning    bool
	onAdv       func(Advertisement)
	onScanFail  func(error)
	startScans  int
	stopScans   int
	connects    []pendingConnect
	discovers   []pendingDiscover
	writes      []recordedWrite
	disconnects []string
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) StartScan(onAdvertisement func(Advertisement), onScanFailed func(error)) error {
	a.mu.Lock()
	if a.startScanErr != nil {
		err := a.startScanErr
		a.mu.Unlock()
		return err
	}
	a.scanning = true
	a.onAdv = onAdvertisement
	a.onScanFail = onScanFailed
	a.startScans++
	advs := append([]Advertisement(nil), a.advertisements...)
	a.mu.Unlock()

	for _, adv := range advs {
		a.advertise(adv)
	}
	return nil
}

func (a *mockAdapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanning = false
	a.stopScans++
	return nil
}

func (a *mockAdapter) Connect(address string, opts ConnectOptions, h ConnectHandlers) {
	a.mu.Lock()
	a.connects = append(a.connects, pendingConnect{address: address, opts: opts, h: h})
	auto, err := a.autoConnect, a.connectErr
	a.mu.Unlock()

	if !auto {
		return
	}
	if err != nil {
		h.OnFailed(err)
		return
	}
	h.OnConnected()
}

func (a *mockAdapter) DiscoverServices(address string, done func(Catalog, error)) {
	a.mu.Lock()
	a.discovers = append(a.discovers, pendingDiscover{address: address, done: done})
	auto, catalog, err := a.autoDiscover, a.catalog, a.catalogErr
	a.mu.Unlock()

	if auto {
		done(catalog, err)
	}
}

func (a *mockAdapter) WriteChannel(address string, ch ChannelDescriptor, data []byte, done func(error)) {
	a.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	a.writes = append(a.writes, recordedWrite{address: address, ch: ch, data: cp, done: done})
	deferred, err := a.deferWrites, a.writeErr
	a.mu.Unlock()

	if !deferred {
		done(err)
	}
}

func (a *mockAdapter) Disconnect(address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects = append(a.disconnects, address)
	return nil
}

// advertise delivers adv if a scan is running.
func (a *mockAdapter) advertise(adv Advertisement) {
	a.mu.Lock()
	cb := a.onAdv
	scanning := a.scanning
	a.mu.Unlock()
	if scanning && cb != nil {
		cb(adv)
	}
}

// failScan reports an asynchronous scan failure.
func (a *mockAdapter) failScan(err error) {
	a.mu.Lock()
	cb := a.onScanFail
	a.scanning = false
	a.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (a *mockAdapter) connectCalls() []pendingConnect {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pendingConnect(nil), a.connects...)
}

func (a *mockAdapter) discoverCalls() []pendingDiscover {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pendingDiscover(nil), a.discovers...)
}

func (a *mockAdapter) writeCalls() []recordedWrite {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]recordedWrite(nil), a.writes...)
}

func (a *mockAdapter) disconnectCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.disconnects...)
}

func (a *mockAdapter) stopScanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopScans
}

func (a *mockAdapter) isScanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockAdapterStopsDeliveringAfterStopScan(t *testing.T) {
	a := &mockAdapter{advertisements: []Advertisement{
		{Address: "11:11:11:11:11:11", Name: "first"},
		{Address: "22:22:22:22:22:22", Name: "second"},
	}}
	var got []string
	err := a.StartScan(func(adv Advertisement) {
		got = append(got, adv.Name)
		_ = a.StopScan()
	}, func(error) {})
	if err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if len(got) != 1 || got[0] != "first" {
		t.Errorf("delivered = %v, want [first]", got)
	}
}
