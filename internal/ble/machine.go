package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultProductID is the identifier the WW0001 remote switch advertises.
const DefaultProductID = "WW0001"

const tracerName = "github.com/chaz8081/bleswitch/internal/ble"

// State is the lifecycle state of the current peripheral.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscovering
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PeripheralStatus is the link status of a peripheral.
type PeripheralStatus int

const (
	PeripheralDisconnected PeripheralStatus = iota
	PeripheralConnecting
	PeripheralConnected
	PeripheralDisconnecting
)

func (s PeripheralStatus) String() string {
	switch s {
	case PeripheralConnecting:
		return "connecting"
	case PeripheralConnected:
		return "connected"
	case PeripheralDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Peripheral is the device the machine is currently working with.
type Peripheral struct {
	Address string
	Name    string
	RSSI    int
	Status  PeripheralStatus
}

// ConnectionContext is the machine's view of the current peripheral.
type ConnectionContext struct {
	State      State
	Session    SessionID
	Peripheral *Peripheral
	Channel    *ChannelDescriptor
}

func (c ConnectionContext) clone() ConnectionContext {
	if c.Peripheral != nil {
		p := *c.Peripheral
		c.Peripheral = &p
	}
	if c.Channel != nil {
		ch := *c.Channel
		c.Channel = &ch
	}
	return c
}

func (c ConnectionContext) validate() error {
	switch {
	case c.State == StateReady && c.Channel == nil:
		return errors.New("ble: ready without a resolved channel")
	case c.State != StateReady && c.Channel != nil:
		return fmt.Errorf("ble: resolved channel held while %s", c.State)
	case c.Peripheral != nil && (c.State == StateIdle || c.State == StateScanning):
		return fmt.Errorf("ble: peripheral held while %s", c.State)
	case c.Peripheral == nil && c.State > StateScanning:
		return fmt.Errorf("ble: no peripheral while %s", c.State)
	case c.Session == "" && c.State != StateIdle:
		return fmt.Errorf("ble: no session while %s", c.State)
	}
	return nil
}

// Status is one entry of the status stream.
type Status struct {
	State      State
	Session    SessionID
	Peripheral *Peripheral
	Message    string
	Err        error
}

func (s Status) String() string {
	msg := s.State.String() + ": " + s.Message
	if s.Peripheral != nil {
		msg += fmt.Sprintf(" %s (%s)", s.Peripheral.Name, s.Peripheral.Address)
	}
	if s.Err != nil {
		msg += " [" + s.Err.Error() + "]"
	}
	return msg
}

// Options configures the Machine.
type Options struct {
	Filter         Filter
	Command        Payload       // sent by SendCommand
	ConnectTimeout time.Duration // per connect attempt
	ConnectRetries int           // passed to the adapter
	ScanPeriod     time.Duration // 0 scans until a match or StopScan

	// OnStatus receives every status change in order. It is called with
	// the machine locked and must not call back into the Machine.
	OnStatus func(Status)

	Logger *slog.Logger
	Tracer trace.Tracer
}

// DefaultOptions returns the settings of the WW0001 remote switch.
func DefaultOptions() Options {
	return Options{
		Filter:         Filter{substring: DefaultProductID},
		Command:        MustParsePayload(DefaultCommandHex),
		ConnectTimeout: 10 * time.Second,
		ConnectRetries: 3,
		ScanPeriod:     12 * time.Second,
	}
}

// Machine owns the lifecycle of the one active peripheral. All transitions
// happen under mu; adapter calls are made after mu is released and every
// callback carries the session it was issued under.
type Machine struct {
	adapter    Adapter
	dispatcher *Dispatcher
	opts       Options
	logger     *slog.Logger
	tracer     trace.Tracer

	mu       sync.Mutex
	cc       ConnectionContext
	watchdog *time.Timer
	spanCtx  context.Context
	span     trace.Span
}

// NewMachine creates an idle Machine driving adapter.
func NewMachine(adapter Adapter, opts Options) (*Machine, error) {
	if adapter == nil {
		return nil, errors.New("ble: nil adapter")
	}
	if opts.Filter.Substring() == "" {
		return nil, errors.New("ble: filter substring must not be empty")
	}
	if opts.Command.Len() == 0 {
		return nil, errors.New("ble: command payload must not be empty")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ConnectRetries < 0 {
		opts.ConnectRetries = 0
	}
	if opts.ScanPeriod < 0 {
		opts.ScanPeriod = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Machine{
		adapter:    adapter,
		dispatcher: NewDispatcher(adapter),
		opts:       opts,
		logger:     logger,
		tracer:     tracer,
	}, nil
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cc.State
}

// Context returns a copy of the connection context.
func (m *Machine) Context() ConnectionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cc.clone()
}

// Toggle scans when idle, stops a running scan, and otherwise disconnects
// the current peripheral.
func (m *Machine) Toggle() error {
	switch m.State() {
	case StateIdle:
		return m.StartScan()
	case StateScanning:
		m.StopScan()
	default:
		m.Disconnect()
	}
	return nil
}

// StartScan starts looking for the target peripheral. A peripheral that is
// connected or connecting is disconnected first. Calling StartScan while
// scanning does nothing.
func (m *Machine) StartScan() error {
	m.mu.Lock()
	if m.cc.State == StateScanning {
		m.mu.Unlock()
		return nil
	}
	var release string
	if p := m.cc.Peripheral; p != nil {
		release = p.Address
		m.teardownLocked(PeripheralDisconnecting, &Error{Kind: KindDisconnected, Reason: "superseded by a new scan"}, "Disconnected.")
	}
	sess := newSessionID()
	m.cc.Session = sess
	m.setStateLocked(StateScanning)
	m.emitLocked("Scanning...", nil)
	if m.opts.ScanPeriod > 0 {
		m.armLocked(m.opts.ScanPeriod, sess, m.scanPeriodElapsed)
	}
	m.mu.Unlock()

	if release != "" {
		m.disconnectPeripheral(release)
	}
	err := m.adapter.StartScan(
		func(adv Advertisement) { m.handleAdvertisement(sess, adv) },
		func(err error) { m.handleScanFailed(sess, err) },
	)
	if err != nil {
		m.handleScanFailed(sess, err)
		return newError(KindScanFailed, err)
	}
	return nil
}

// StopScan stops a running scan and returns to idle.
func (m *Machine) StopScan() {
	m.mu.Lock()
	if m.cc.State != StateScanning {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(PeripheralDisconnected, nil, "Scan stopped.")
	m.mu.Unlock()
	m.stopAdapterScan()
}

// Disconnect drops the current peripheral from any state. Results of
// in-flight connect, discovery or write calls are ignored afterwards.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	switch m.cc.State {
	case StateIdle:
		m.mu.Unlock()
		return
	case StateScanning:
		m.mu.Unlock()
		m.StopScan()
		return
	}
	addr := m.cc.Peripheral.Address
	m.teardownLocked(PeripheralDisconnecting, &Error{Kind: KindDisconnected, Reason: "disconnect requested"}, "Disconnected.")
	m.mu.Unlock()
	m.disconnectPeripheral(addr)
}

// SendCommand writes the configured command. See Send.
func (m *Machine) SendCommand() error {
	return m.Send(m.opts.Command)
}

// Send writes payload once to the resolved channel. It fails with
// ErrNotReady, issuing no write, unless the machine is ready. The write
// outcome is reported on the status stream; a failed write leaves the
// connection usable.
func (m *Machine) Send(payload Payload) error {
	m.mu.Lock()
	if m.cc.State != StateReady {
		reason, msg := "no device connected", "No device connected."
		if m.cc.State == StateDiscovering {
			reason, msg = "service or characteristic not available", "Service or characteristic not available."
		}
		err := &Error{Kind: KindNotReady, Reason: reason}
		m.emitLocked(msg, err)
		m.mu.Unlock()
		return err
	}
	sess := m.cc.Session
	p := *m.cc.Peripheral
	cmd := Command{Payload: payload, Channel: *m.cc.Channel}
	parent := m.spanCtx
	if parent == nil {
		parent = context.Background()
	}
	_, span := m.tracer.Start(parent, "ble.write",
		trace.WithAttributes(
			attribute.String("ble.channel", cmd.Channel.ChannelUUID),
			attribute.Int("ble.bytes", payload.Len()),
		))
	m.mu.Unlock()

	m.dispatcher.Dispatch(p, cmd, func(err error) {
		m.handleWriteResult(sess, span, err)
	})
	return nil
}

func (m *Machine) handleAdvertisement(sess SessionID, adv Advertisement) {
	m.mu.Lock()
	if m.cc.State != StateScanning || m.cc.Session != sess {
		m.mu.Unlock()
		return
	}
	if !m.opts.Filter.Accept(adv) {
		m.mu.Unlock()
		m.logger.Debug("[BLE] advertisement rejected", "address", adv.Address, "name", adv.Name)
		return
	}
	p := &Peripheral{Address: adv.Address, Name: adv.Name, RSSI: adv.RSSI, Status: PeripheralConnecting}
	m.cc.Peripheral = p
	m.cc.Channel = nil
	m.startSpanLocked(sess, p)
	m.setStateLocked(StateConnecting)
	m.emitLocked("Connecting...", nil)
	m.armLocked(m.connectDeadline(), sess, m.connectTimedOut)
	addr := p.Address
	opts := ConnectOptions{Timeout: m.opts.ConnectTimeout, Retries: m.opts.ConnectRetries}
	m.mu.Unlock()

	m.stopAdapterScan()
	m.adapter.Connect(addr, opts, ConnectHandlers{
		OnConnected:    func() { m.handleConnected(sess, addr) },
		OnFailed:       func(err error) { m.handleConnectFailed(sess, err) },
		OnDisconnected: func(err error) { m.handleConnectionLost(sess, err) },
	})
}

func (m *Machine) handleConnected(sess SessionID, addr string) {
	m.mu.Lock()
	if m.cc.Session != sess {
		// A superseded attempt still produced a link; release it unless
		// the current attempt is for the same peripheral.
		release := m.cc.Peripheral == nil || m.cc.Peripheral.Address != addr
		m.mu.Unlock()
		m.logger.Debug("[BLE] stale connect result", "session", sess, "address", addr)
		if release {
			m.disconnectPeripheral(addr)
		}
		return
	}
	if m.cc.State != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.cc.Peripheral.Status = PeripheralConnected
	m.setStateLocked(StateDiscovering)
	m.emitLocked("Discovering services...", nil)
	m.mu.Unlock()

	m.adapter.DiscoverServices(addr, func(catalog Catalog, err error) {
		m.handleCatalog(sess, catalog, err)
	})
}

func (m *Machine) handleCatalog(sess SessionID, catalog Catalog, err error) {
	m.mu.Lock()
	if m.cc.Session != sess || m.cc.State != StateDiscovering {
		m.mu.Unlock()
		m.logger.Debug("[BLE] stale service catalog", "session", sess)
		return
	}
	addr := m.cc.Peripheral.Address
	if err != nil {
		cause := &Error{Kind: KindConnectFailed, Code: codeOf(err), Reason: "service discovery", Err: err}
		m.teardownLocked(PeripheralDisconnecting, cause, "Connect failed.")
		m.mu.Unlock()
		m.disconnectPeripheral(addr)
		return
	}
	ch, err := Resolve(catalog)
	if err != nil {
		cause := &Error{Kind: KindNoWritableChannel, Reason: fmt.Sprintf("%d services inspected", len(catalog))}
		m.teardownLocked(PeripheralDisconnecting, cause, "Service or characteristic not available.")
		m.mu.Unlock()
		m.disconnectPeripheral(addr)
		return
	}
	m.stopWatchdogLocked()
	m.cc.Channel = &ch
	m.setStateLocked(StateReady)
	if m.span != nil {
		m.span.AddEvent("ready", trace.WithAttributes(
			attribute.String("ble.service", ch.ServiceUUID),
			attribute.String("ble.channel", ch.ChannelUUID),
		))
	}
	m.emitLocked("Connected!", nil)
	m.mu.Unlock()
}

func (m *Machine) handleConnectFailed(sess SessionID, err error) {
	m.mu.Lock()
	if m.cc.Session != sess || m.cc.State == StateIdle || m.cc.State == StateScanning {
		m.mu.Unlock()
		m.logger.Debug("[BLE] stale connect failure", "session", sess, "error", err)
		return
	}
	cause := classifyConnectErr(err)
	msg := "Connect failed."
	if cause.Kind == KindConnectTimeout {
		msg = "Connect timed out."
	}
	m.teardownLocked(PeripheralDisconnected, cause, msg)
	m.mu.Unlock()
}

func (m *Machine) handleConnectionLost(sess SessionID, err error) {
	m.mu.Lock()
	if m.cc.Session != sess || m.cc.Peripheral == nil {
		m.mu.Unlock()
		m.logger.Debug("[BLE] stale disconnect", "session", sess)
		return
	}
	m.teardownLocked(PeripheralDisconnected, &Error{Kind: KindDisconnected, Reason: "connection lost", Err: err}, "Disconnected.")
	m.mu.Unlock()
}

func (m *Machine) handleScanFailed(sess SessionID, err error) {
	m.mu.Lock()
	if m.cc.Session != sess || m.cc.State != StateScanning {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(PeripheralDisconnected, newError(KindScanFailed, err), "Scan failed.")
	m.mu.Unlock()
}

func (m *Machine) handleWriteResult(sess SessionID, span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cc.Session != sess || m.cc.State != StateReady {
		m.logger.Debug("[BLE] stale write result", "session", sess, "error", err)
		return
	}
	if err != nil {
		m.emitLocked("Command failed.", err)
		return
	}
	m.emitLocked("Command sent.", nil)
}

func (m *Machine) connectTimedOut(sess SessionID) {
	m.mu.Lock()
	if m.cc.Session != sess || (m.cc.State != StateConnecting && m.cc.State != StateDiscovering) {
		m.mu.Unlock()
		return
	}
	addr := m.cc.Peripheral.Address
	cause := &Error{Kind: KindConnectTimeout, Reason: fmt.Sprintf("not ready after %s", m.connectDeadline())}
	m.teardownLocked(PeripheralDisconnecting, cause, "Connect timed out.")
	m.mu.Unlock()
	m.disconnectPeripheral(addr)
}

func (m *Machine) scanPeriodElapsed(sess SessionID) {
	m.mu.Lock()
	if m.cc.Session != sess || m.cc.State != StateScanning {
		m.mu.Unlock()
		return
	}
	m.teardownLocked(PeripheralDisconnected, nil, "Scan period elapsed, no matching device.")
	m.mu.Unlock()
	m.stopAdapterScan()
}

// connectDeadline bounds Connecting and Discovering together: one
// timeout per attempt the adapter is allowed to make.
func (m *Machine) connectDeadline() time.Duration {
	return m.opts.ConnectTimeout * time.Duration(m.opts.ConnectRetries+1)
}

// teardownLocked returns to Idle, reporting cause (nil for a plain scan
// stop). The released peripheral is reported with status ps.
func (m *Machine) teardownLocked(ps PeripheralStatus, cause *Error, msg string) {
	var prev *Peripheral
	if m.cc.Peripheral != nil {
		p := *m.cc.Peripheral
		p.Status = ps
		prev = &p
	}
	sess := m.cc.Session
	m.stopWatchdogLocked()
	m.endSpanLocked(cause)
	m.cc.Peripheral = nil
	m.cc.Channel = nil
	m.cc.Session = ""
	m.setStateLocked(StateIdle)

	var err error
	if cause != nil {
		err = cause
	}
	m.publishLocked(Status{State: StateIdle, Session: sess, Peripheral: prev, Message: msg, Err: err})
}

func (m *Machine) setStateLocked(s State) {
	m.cc.State = s
	if err := m.cc.validate(); err != nil {
		panic(err)
	}
}

func (m *Machine) emitLocked(msg string, err error) {
	st := Status{State: m.cc.State, Session: m.cc.Session, Message: msg, Err: err}
	if m.cc.Peripheral != nil {
		p := *m.cc.Peripheral
		st.Peripheral = &p
	}
	m.publishLocked(st)
}

func (m *Machine) publishLocked(st Status) {
	attrs := []any{"state", st.State.String()}
	if st.Peripheral != nil {
		attrs = append(attrs, "address", st.Peripheral.Address, "name", st.Peripheral.Name)
	}
	if st.Err != nil {
		m.logger.Warn("[BLE] "+st.Message, append(attrs, "error", st.Err)...)
	} else {
		m.logger.Info("[BLE] "+st.Message, attrs...)
	}
	if m.opts.OnStatus != nil {
		m.opts.OnStatus(st)
	}
}

func (m *Machine) armLocked(d time.Duration, sess SessionID, fire func(SessionID)) {
	m.stopWatchdogLocked()
	m.watchdog = time.AfterFunc(d, func() { fire(sess) })
}

func (m *Machine) stopWatchdogLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

func (m *Machine) startSpanLocked(sess SessionID, p *Peripheral) {
	m.spanCtx, m.span = m.tracer.Start(context.Background(), "ble.session",
		trace.WithAttributes(
			attribute.String("ble.session", string(sess)),
			attribute.String("ble.address", p.Address),
			attribute.String("ble.name", p.Name),
		))
}

func (m *Machine) endSpanLocked(cause *Error) {
	if m.span == nil {
		return
	}
	if cause != nil {
		m.span.RecordError(cause)
		m.span.SetStatus(codes.Error, cause.Error())
	}
	m.span.End()
	m.span = nil
	m.spanCtx = nil
}

func (m *Machine) stopAdapterScan() {
	if err := m.adapter.StopScan(); err != nil {
		m.logger.Warn("[BLE] stop scan failed", "error", err)
	}
}

func (m *Machine) disconnectPeripheral(addr string) {
	if err := m.adapter.Disconnect(addr); err != nil {
		m.logger.Warn("[BLE] disconnect failed", "address", addr, "error", err)
	}
}
