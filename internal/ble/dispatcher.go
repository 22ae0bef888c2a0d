package ble

// Dispatcher writes commands to a ready peripheral.
type Dispatcher struct {
	adapter Adapter
}

// NewDispatcher returns a Dispatcher writing through adapter.
func NewDispatcher(adapter Adapter) *Dispatcher {
	return &Dispatcher{adapter: adapter}
}

// Dispatch issues exactly one write of cmd to p and reports the outcome via
// done. Failures are wrapped as WriteFailed and never retried.
func (d *Dispatcher) Dispatch(p Peripheral, cmd Command, done func(error)) {
	d.adapter.WriteChannel(p.Address, cmd.Channel, cmd.Payload.Bytes(), func(err error) {
		if err != nil {
			err = &Error{Kind: KindWriteFailed, Code: codeOf(err), Err: err}
		}
		done(err)
	})
}
