// Package hotkey provides global hotkeys using gohook. Each key combination
// is bound to one switch action and fires on key down.
package hotkey

import (
	"fmt"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// Action is what a hotkey asks the switch to do.
type Action int

const (
	// ActionScan scans and connects, or disconnects when already connected.
	ActionScan Action = iota
	// ActionCommand sends the configured command.
	ActionCommand
	// ActionDisconnect drops the current connection.
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionScan:
		return "scan"
	case ActionCommand:
		return "command"
	case ActionDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Binding maps a key combination to an action.
type Binding struct {
	Keys   []string // lowercase key names, e.g. ["ctrl", "alt", "l"]
	Action Action
}

func (b Binding) String() string {
	return strings.Join(b.Keys, "+") + " -> " + b.Action.String()
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Action Action
}

// Listener watches all bound key combinations and emits one event per
// press.
type Listener struct {
	bindings []Binding
	ch       chan Event
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener. Bindings without keys are dropped.
func NewListener(bindings []Binding) *Listener {
	var active []Binding
	for _, b := range bindings {
		if len(b.Keys) > 0 {
			active = append(active, b)
		}
	}
	return &Listener{
		bindings: active,
		ch:       make(chan Event, 16),
		done:     make(chan struct{}),
	}
}

// Bindings returns the active bindings.
func (l *Listener) Bindings() []Binding {
	return l.bindings
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkeys.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		hook.Register(hook.KeyDown, b.Keys, func(e hook.Event) {
			select {
			case l.ch <- Event{Action: b.Action}:
			default: // don't block if channel is full
			}
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
