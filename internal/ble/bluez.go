package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	bluezDeviceIface  = "org.bluez.Device1"
	bluezServiceIface = "org.bluez.GattService1"
	bluezCharIface    = "org.bluez.GattCharacteristic1"
	propsIface        = "org.freedesktop.DBus.Properties"
	propsSignal       = propsIface + ".PropertiesChanged"
	objectManager     = "org.freedesktop.DBus.ObjectManager"
	interfacesAdded   = objectManager + ".InterfacesAdded"

	// servicesResolvedTimeout bounds the wait for BlueZ to finish GATT
	// discovery after Connect returns.
	servicesResolvedTimeout = 15 * time.Second
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZAdapter talks to BlueZ over the system D-Bus. Linux only at runtime.
// Unlike TinyGoAdapter it reports the real GATT characteristic flags.
type BlueZAdapter struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	signals     chan *dbus.Signal
	done        chan struct{}
	enableOnce  sync.Once
	enableErr   error
	closeOnce   sync.Once

	// mu protects everything below.
	mu           sync.Mutex
	onAdv        func(Advertisement)
	onScanFailed func(error)
	names        map[dbus.ObjectPath]string
	links        map[string]*bluezLink
}

type bluezLink struct {
	path         dbus.ObjectPath
	chars        map[channelKey]dbus.ObjectPath
	onDisconnect func(error)
}

// NewBlueZAdapter connects to the system bus and checks that BlueZ is
// running. adapterName is the controller, e.g. "hci0".
func NewBlueZAdapter(adapterName string) (*BlueZAdapter, error) {
	if adapterName == "" {
		adapterName = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("ble: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == bluezBus {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New("ble: org.bluez not found on system bus, is bluetooth.service running?")
	}
	return &BlueZAdapter{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapterName),
		signals:     make(chan *dbus.Signal, 64),
		done:        make(chan struct{}),
		names:       make(map[dbus.ObjectPath]string),
		links:       make(map[string]*bluezLink),
	}, nil
}

// deviceObjectPath converts "AA:BB:CC:DD:EE:FF" to
// "<adapterPath>/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapterPath dbus.ObjectPath, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + strings.ToUpper(strings.ReplaceAll(addr, ":", "_")))
}

// macFromPath extracts the MAC address from a BlueZ device object path. It
// returns "" for paths that are not devices of adapterPath, including GATT
// objects below a device.
func macFromPath(adapterPath, path dbus.ObjectPath) string {
	prefix := string(adapterPath) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) || strings.Contains(s[len(prefix):], "/") {
		return ""
	}
	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

// parseFlags maps BlueZ GattCharacteristic1.Flags to a Capability mask.
// Flags without a capability bit (reliable-write, encrypt-*, ...) are
// ignored.
func parseFlags(flags []string) Capability {
	var c Capability
	for _, f := range flags {
		switch f {
		case "broadcast":
			c |= CapBroadcast
		case "read":
			c |= CapRead
		case "write-without-response":
			c |= CapWriteNoResponse
		case "write":
			c |= CapWrite
		case "notify":
			c |= CapNotify
		case "indicate":
			c |= CapIndicate
		}
	}
	return c
}

// buildCatalog assembles the GATT catalog of device from a
// GetManagedObjects reply. BlueZ names GATT objects after their attribute
// handle in fixed-width hex, so sorting paths yields handle order.
func buildCatalog(objects managedObjects, device dbus.ObjectPath) (Catalog, map[channelKey]dbus.ObjectPath) {
	prefix := string(device) + "/"
	type charObject struct {
		path    dbus.ObjectPath
		service dbus.ObjectPath
		uuid    string
		caps    Capability
	}
	var svcPaths []dbus.ObjectPath
	svcUUIDs := make(map[dbus.ObjectPath]string)
	var chars []charObject
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if props, ok := ifaces[bluezServiceIface]; ok {
			svcPaths = append(svcPaths, path)
			svcUUIDs[path] = variantString(props["UUID"])
		}
		if props, ok := ifaces[bluezCharIface]; ok {
			svc, _ := props["Service"].Value().(dbus.ObjectPath)
			flags, _ := props["Flags"].Value().([]string)
			chars = append(chars, charObject{
				path:    path,
				service: svc,
				uuid:    variantString(props["UUID"]),
				caps:    parseFlags(flags),
			})
		}
	}
	sort.Slice(svcPaths, func(i, j int) bool { return svcPaths[i] < svcPaths[j] })
	sort.Slice(chars, func(i, j int) bool { return chars[i].path < chars[j].path })

	catalog := make(Catalog, len(svcPaths))
	index := make(map[dbus.ObjectPath]int, len(svcPaths))
	for i, p := range svcPaths {
		catalog[i] = Service{UUID: svcUUIDs[p]}
		index[p] = i
	}
	paths := make(map[channelKey]dbus.ObjectPath, len(chars))
	for _, c := range chars {
		i, ok := index[c.service]
		if !ok {
			continue
		}
		paths[channelKey{service: i, channel: len(catalog[i].Channels)}] = c.path
		catalog[i].Channels = append(catalog[i].Channels, Channel{UUID: c.uuid, Capabilities: c.caps})
	}
	return catalog, paths
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func (a *BlueZAdapter) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := a.conn.Object(bluezBus, path).Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (a *BlueZAdapter) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := a.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (a *BlueZAdapter) managedObjects() (managedObjects, error) {
	var objects managedObjects
	err := a.conn.Object(bluezBus, "/").Call(objectManager+".GetManagedObjects", 0).Store(&objects)
	return objects, err
}

// Enable powers the controller on and subscribes to BlueZ signals. Calling
// it more than once is harmless.
func (a *BlueZAdapter) Enable() error {
	a.enableOnce.Do(func() {
		powered, err := a.getBool(a.adapterPath, bluezAdapterIface, "Powered")
		if err != nil {
			a.enableErr = fmt.Errorf("ble: read %s power state: %w", a.adapterPath, err)
			return
		}
		if !powered {
			err := a.conn.Object(bluezBus, a.adapterPath).
				Call(propsIface+".Set", 0, bluezAdapterIface, "Powered", dbus.MakeVariant(true)).Err
			if err != nil {
				a.enableErr = fmt.Errorf("ble: power on %s: %w", a.adapterPath, err)
				return
			}
		}

		matches := []string{
			"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'",
			"type='signal',interface='" + objectManager + "',member='InterfacesAdded'",
		}
		for _, m := range matches {
			if err := a.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, m).Err; err != nil {
				a.enableErr = fmt.Errorf("ble: add match: %w", err)
				return
			}
		}
		a.conn.Signal(a.signals)
		go a.watchSignals()
	})
	return a.enableErr
}

// Close stops signal delivery. The shared system bus connection stays open.
func (a *BlueZAdapter) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.conn.RemoveSignal(a.signals)
	})
}

func (a *BlueZAdapter) watchSignals() {
	for {
		select {
		case <-a.done:
			return
		case sig, ok := <-a.signals:
			if !ok {
				return
			}
			a.handleSignal(sig)
		}
	}
}

func (a *BlueZAdapter) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case interfacesAdded:
		// Body: [object_path, map[interface]map[prop]Variant]
		if len(sig.Body) < 2 {
			return
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[bluezDeviceIface]; ok {
			a.noteDevice(path, props, true)
		}

	case propsSignal:
		// Body: [interface_name, changed_props, invalidated_props]
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		switch iface {
		case bluezDeviceIface:
			if v, ok := changed["Connected"]; ok {
				if connected, ok := v.Value().(bool); ok && !connected {
					a.noteDisconnected(sig.Path)
				}
			}
			a.noteDevice(sig.Path, changed, false)
		case bluezAdapterIface:
			if sig.Path != a.adapterPath {
				return
			}
			if v, ok := changed["Discovering"]; ok {
				if discovering, ok := v.Value().(bool); ok && !discovering {
					a.noteDiscoveryStopped()
				}
			}
		}
	}
}

// noteDevice records the name of a device object and, while scanning,
// reports it as an advertisement. Property changes that carry neither Name
// nor RSSI are not advertisements.
func (a *BlueZAdapter) noteDevice(path dbus.ObjectPath, props map[string]dbus.Variant, added bool) {
	addr := variantString(props["Address"])
	if addr == "" {
		addr = macFromPath(a.adapterPath, path)
	}
	if addr == "" {
		return
	}
	_, hasName := props["Name"]
	rssiVar, hasRSSI := props["RSSI"]

	a.mu.Lock()
	if hasName {
		a.names[path] = variantString(props["Name"])
	}
	name := a.names[path]
	onAdv := a.onAdv
	a.mu.Unlock()

	if onAdv == nil || !(added || hasName || hasRSSI) {
		return
	}
	rssi, _ := rssiVar.Value().(int16)
	onAdv(Advertisement{Address: addr, Name: name, RSSI: int(rssi)})
}

func (a *BlueZAdapter) noteDisconnected(path dbus.ObjectPath) {
	addr := macFromPath(a.adapterPath, path)
	a.mu.Lock()
	link, ok := a.links[addr]
	if ok && link.path == path {
		delete(a.links, addr)
	} else {
		ok = false
	}
	a.mu.Unlock()
	if ok && link.onDisconnect != nil {
		link.onDisconnect(nil)
	}
}

// noteDiscoveryStopped reports a scan failure when BlueZ ends discovery
// without StopScan having been called.
func (a *BlueZAdapter) noteDiscoveryStopped() {
	a.mu.Lock()
	onFailed := a.onScanFailed
	a.onAdv = nil
	a.onScanFailed = nil
	a.mu.Unlock()
	if onFailed != nil {
		onFailed(errors.New("ble: discovery stopped by bluez"))
	}
}

func (a *BlueZAdapter) StartScan(onAdvertisement func(Advertisement), onScanFailed func(error)) error {
	a.mu.Lock()
	if a.onAdv != nil {
		a.mu.Unlock()
		return errors.New("ble: scan already in progress")
	}
	a.onAdv = onAdvertisement
	a.onScanFailed = onScanFailed
	a.mu.Unlock()

	adapter := a.conn.Object(bluezBus, a.adapterPath)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if err := adapter.Call(bluezAdapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		a.clearScan()
		return fmt.Errorf("ble: set discovery filter: %w", err)
	}
	if err := adapter.Call(bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		a.clearScan()
		return fmt.Errorf("ble: start discovery: %w", err)
	}

	// Devices BlueZ already knows about and has seen in this discovery
	// (RSSI present) do not produce InterfacesAdded again.
	go func() {
		objects, err := a.managedObjects()
		if err != nil {
			slog.Warn("[BLE] listing known devices failed", "error", err)
			return
		}
		for path, ifaces := range objects {
			props, ok := ifaces[bluezDeviceIface]
			if !ok {
				continue
			}
			if _, seen := props["RSSI"]; !seen {
				continue
			}
			a.noteDevice(path, props, true)
		}
	}()
	return nil
}

func (a *BlueZAdapter) clearScan() {
	a.mu.Lock()
	a.onAdv = nil
	a.onScanFailed = nil
	a.mu.Unlock()
}

func (a *BlueZAdapter) StopScan() error {
	a.mu.Lock()
	scanning := a.onAdv != nil
	a.onAdv = nil
	a.onScanFailed = nil
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := a.conn.Object(bluezBus, a.adapterPath).Call(bluezAdapterIface+".StopDiscovery", 0).Err; err != nil {
		return fmt.Errorf("ble: stop discovery: %w", err)
	}
	return nil
}

func (a *BlueZAdapter) Connect(address string, opts ConnectOptions, h ConnectHandlers) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	path := deviceObjectPath(a.adapterPath, address)
	go func() {
		dev := a.conn.Object(bluezBus, path)
		var lastErr error
		for attempt := 0; attempt <= opts.Retries; attempt++ {
			if attempt > 0 {
				slog.Info("[BLE] retrying connect", "address", address, "attempt", attempt+1, "error", lastErr)
			}
			ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
			err := dev.CallWithContext(ctx, bluezDeviceIface+".Connect", 0).Err
			timedOut := ctx.Err() != nil
			cancel()
			if err == nil {
				a.mu.Lock()
				a.links[address] = &bluezLink{path: path, onDisconnect: h.OnDisconnected}
				a.mu.Unlock()
				h.OnConnected()
				return
			}
			if timedOut {
				// BlueZ keeps trying after the caller gives up.
				_ = dev.Call(bluezDeviceIface+".Disconnect", 0).Err
				err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			lastErr = err
		}
		h.OnFailed(fmt.Errorf("ble: connect to %s: %w", address, lastErr))
	}()
}

func (a *BlueZAdapter) DiscoverServices(address string, done func(Catalog, error)) {
	go func() {
		a.mu.Lock()
		link, ok := a.links[address]
		a.mu.Unlock()
		if !ok {
			done(nil, fmt.Errorf("ble: %s is not connected", address))
			return
		}
		if err := a.waitServicesResolved(link.path); err != nil {
			done(nil, err)
			return
		}
		objects, err := a.managedObjects()
		if err != nil {
			done(nil, fmt.Errorf("ble: get managed objects: %w", err))
			return
		}
		catalog, paths := buildCatalog(objects, link.path)

		a.mu.Lock()
		link.chars = paths
		a.mu.Unlock()
		done(catalog, nil)
	}()
}

func (a *BlueZAdapter) waitServicesResolved(path dbus.ObjectPath) error {
	deadline := time.Now().Add(servicesResolvedTimeout)
	for {
		resolved, err := a.getBool(path, bluezDeviceIface, "ServicesResolved")
		if err != nil {
			return fmt.Errorf("ble: read ServicesResolved: %w", err)
		}
		if resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ble: services not resolved after %s", servicesResolvedTimeout)
		}
		select {
		case <-a.done:
			return errors.New("ble: adapter closed")
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (a *BlueZAdapter) WriteChannel(address string, ch ChannelDescriptor, data []byte, done func(error)) {
	go func() {
		a.mu.Lock()
		var charPath dbus.ObjectPath
		link, ok := a.links[address]
		if ok {
			charPath, ok = link.chars[ch.key()]
		}
		a.mu.Unlock()
		if !ok {
			done(fmt.Errorf("ble: characteristic %s not discovered on %s", ch.ChannelUUID, address))
			return
		}
		options := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
		if err := a.conn.Object(bluezBus, charPath).Call(bluezCharIface+".WriteValue", 0, data, options).Err; err != nil {
			done(fmt.Errorf("ble: write %s: %w", ch.ChannelUUID, err))
			return
		}
		done(nil)
	}()
}

func (a *BlueZAdapter) Disconnect(address string) error {
	a.mu.Lock()
	link, ok := a.links[address]
	delete(a.links, address)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := a.conn.Object(bluezBus, link.path).Call(bluezDeviceIface+".Disconnect", 0).Err; err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", address, err)
	}
	return nil
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)
