package ble

import (
	"errors"
	"strings"
)

// FilterConfig holds the product identifier a target peripheral carries in
// its advertised name.
type FilterConfig struct {
	Substring string
}

// Filter decides whether an advertisement belongs to the target peripheral.
// It is immutable and safe for concurrent use.
type Filter struct {
	substring string
}

// NewFilter returns a Filter for cfg. An empty substring would match every
// named peripheral and is rejected.
func NewFilter(cfg FilterConfig) (Filter, error) {
	if cfg.Substring == "" {
		return Filter{}, errors.New("ble: filter substring must not be empty")
	}
	return Filter{substring: cfg.Substring}, nil
}

// Substring returns the configured product identifier.
func (f Filter) Substring() string { return f.substring }

// Accept reports whether adv's name contains the product identifier.
// Matching is a case-sensitive literal substring match; unnamed
// advertisements are always rejected.
func (f Filter) Accept(adv Advertisement) bool {
	if adv.Name == "" || f.substring == "" {
		return false
	}
	return strings.Contains(adv.Name, f.substring)
}
