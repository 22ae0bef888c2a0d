package ble

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultCommandHex switches the main light of a WW0001 remote switch.
//
//	FE01 header
//	0006 length of the remainder in 16-bit words
//	3201 product command prefix
//	01   IR type
//	807F IR address
//	12   IR command (12 main light, 08 ambient light)
const DefaultCommandHex = "FE010006320101807F12"

// Payload is an immutable opaque command.
type Payload struct {
	b []byte
}

// ParsePayload decodes a hex string. Whitespace is ignored and digits may be
// either case.
func ParsePayload(s string) (Payload, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return Payload{}, fmt.Errorf("ble: command payload must not be empty")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Payload{}, fmt.Errorf("ble: decode command payload: %w", err)
	}
	return Payload{b: b}, nil
}

// MustParsePayload is like ParsePayload but panics on error.
func MustParsePayload(s string) Payload {
	p, err := ParsePayload(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Bytes returns a copy of the payload.
func (p Payload) Bytes() []byte {
	out := make([]byte, len(p.b))
	copy(out, p.b)
	return out
}

// Len returns the payload size in bytes.
func (p Payload) Len() int { return len(p.b) }

// String returns the payload as upper-case hex.
func (p Payload) String() string { return strings.ToUpper(hex.EncodeToString(p.b)) }

// Command is a payload bound to the characteristic it is written to.
type Command struct {
	Payload Payload
	Channel ChannelDescriptor
}
