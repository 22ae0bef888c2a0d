package ble

import "github.com/oklog/ulid/v2"

// SessionID tags every adapter call issued for one scan/connect attempt so
// late callbacks from a superseded attempt can be recognised and dropped.
type SessionID string

func newSessionID() SessionID {
	return SessionID(ulid.Make().String())
}
