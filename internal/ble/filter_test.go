package ble

import "testing"

func TestFilterAccept(t *testing.T) {
	f, err := NewFilter(FilterConfig{Substring: DefaultProductID})
	if err != nil {
		t.Fatalf("NewFilter() error = %v", err)
	}

	tests := []struct {
		name string
		adv  Advertisement
		want bool
	}{
		{"exact", Advertisement{Name: "WW0001"}, true},
		{"suffix", Advertisement{Name: "WW0001-ABCD"}, true},
		{"embedded", Advertisement{Name: "Remote WW0001 v2"}, true},
		{"other device", Advertisement{Name: "OtherDevice"}, false},
		{"unnamed", Advertisement{Name: ""}, false},
		{"lower case", Advertisement{Name: "ww0001-abcd"}, false},
		{"partial", Advertisement{Name: "WW000"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Accept(tt.adv); got != tt.want {
				t.Errorf("Accept(%q) = %v, want %v", tt.adv.Name, got, tt.want)
			}
		})
	}
}

func TestNewFilterRejectsEmptySubstring(t *testing.T) {
	if _, err := NewFilter(FilterConfig{}); err == nil {
		t.Error("NewFilter() with empty substring should return error")
	}
}

func TestZeroFilterRejectsEverything(t *testing.T) {
	var f Filter
	if f.Accept(Advertisement{Name: "WW0001-ABCD"}) {
		t.Error("zero Filter should not accept any advertisement")
	}
}

func TestFilterSubstring(t *testing.T) {
	f, _ := NewFilter(FilterConfig{Substring: "LIGHT"})
	if f.Substring() != "LIGHT" {
		t.Errorf("Substring() = %q, want %q", f.Substring(), "LIGHT")
	}
}
