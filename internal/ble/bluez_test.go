package ble

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

const testAdapterPath = dbus.ObjectPath("/org/bluez/hci0")

func TestDeviceObjectPath(t *testing.T) {
	got := deviceObjectPath(testAdapterPath, "c4:7f:51:0a:12:34")
	want := dbus.ObjectPath("/org/bluez/hci0/dev_C4_7F_51_0A_12_34")
	if got != want {
		t.Errorf("deviceObjectPath() = %q, want %q", got, want)
	}
}

func TestMacFromPath(t *testing.T) {
	tests := []struct {
		path dbus.ObjectPath
		want string
	}{
		{"/org/bluez/hci0/dev_C4_7F_51_0A_12_34", "C4:7F:51:0A:12:34"},
		{"/org/bluez/hci0/dev_C4_7F_51_0A_12_34/service000a", ""},
		{"/org/bluez/hci1/dev_C4_7F_51_0A_12_34", ""},
		{"/org/bluez/hci0", ""},
	}
	for _, tt := range tests {
		if got := macFromPath(testAdapterPath, tt.path); got != tt.want {
			t.Errorf("macFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		flags []string
		want  Capability
	}{
		{nil, 0},
		{[]string{"read"}, CapRead},
		{[]string{"read", "write", "notify"}, CapRead | CapWrite | CapNotify},
		{[]string{"write-without-response"}, CapWriteNoResponse},
		{[]string{"broadcast", "indicate", "reliable-write", "encrypt-write"}, CapBroadcast | CapIndicate},
	}
	for _, tt := range tests {
		if got := parseFlags(tt.flags); got != tt.want {
			t.Errorf("parseFlags(%v) = %b, want %b", tt.flags, got, tt.want)
		}
	}
}

func gattService(uuid string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		bluezServiceIface: {
			"UUID":    dbus.MakeVariant(uuid),
			"Primary": dbus.MakeVariant(true),
		},
	}
}

func gattChar(service dbus.ObjectPath, uuid string, flags ...string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		bluezCharIface: {
			"UUID":    dbus.MakeVariant(uuid),
			"Service": dbus.MakeVariant(service),
			"Flags":   dbus.MakeVariant(flags),
		},
	}
}

func TestBuildCatalog(t *testing.T) {
	dev := deviceObjectPath(testAdapterPath, switchAddr)
	svcGAP := dev + "/service0001"
	svcVendor := dev + "/service000a"
	other := deviceObjectPath(testAdapterPath, otherAddr)

	objects := managedObjects{
		testAdapterPath: {bluezAdapterIface: {"Powered": dbus.MakeVariant(true)}},
		dev:             {bluezDeviceIface: {"Name": dbus.MakeVariant("WW0001-ABCD")}},
		// Deliberately out of handle order.
		svcVendor + "/char000d":   gattChar(svcVendor, "0000ffe2-0000-1000-8000-00805f9b34fb", "write", "write-without-response"),
		svcVendor:                 gattService("0000ffe0-0000-1000-8000-00805f9b34fb"),
		svcVendor + "/char000b":   gattChar(svcVendor, "0000ffe1-0000-1000-8000-00805f9b34fb", "read", "notify"),
		svcGAP:                    gattService("00001800-0000-1000-8000-00805f9b34fb"),
		svcGAP + "/char0002":      gattChar(svcGAP, "00002a00-0000-1000-8000-00805f9b34fb", "read"),
		other + "/service000a":    gattService("0000180f-0000-1000-8000-00805f9b34fb"),
		other + "/service000a/c1": gattChar(other+"/service000a", "00002a19-0000-1000-8000-00805f9b34fb", "write"),
	}

	catalog, paths := buildCatalog(objects, dev)
	if len(catalog) != 2 {
		t.Fatalf("got %d services, want 2", len(catalog))
	}
	if catalog[0].UUID != "00001800-0000-1000-8000-00805f9b34fb" {
		t.Errorf("service[0] = %q, want GAP service", catalog[0].UUID)
	}
	if len(catalog[1].Channels) != 2 {
		t.Fatalf("service[1] has %d channels, want 2", len(catalog[1].Channels))
	}
	if catalog[1].Channels[0].UUID != "0000ffe1-0000-1000-8000-00805f9b34fb" {
		t.Errorf("service[1].channel[0] = %q, want ffe1", catalog[1].Channels[0].UUID)
	}

	ch, err := Resolve(catalog)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ch.ChannelUUID != "0000ffe2-0000-1000-8000-00805f9b34fb" {
		t.Errorf("resolved %q, want ffe2", ch.ChannelUUID)
	}
	if ch.Capabilities != CapWrite|CapWriteNoResponse {
		t.Errorf("Capabilities = %b, want write|write-without-response", ch.Capabilities)
	}
	want := svcVendor + "/char000d"
	if got := paths[ch.key()]; got != want {
		t.Errorf("object path = %q, want %q", got, want)
	}
}

func TestBuildCatalogDuplicateUUIDs(t *testing.T) {
	dev := deviceObjectPath(testAdapterPath, switchAddr)
	first := dev + "/service000a"
	second := dev + "/service0020"
	const svcUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"
	const charUUID = "0000ffe2-0000-1000-8000-00805f9b34fb"

	objects := managedObjects{
		dev:                  {bluezDeviceIface: {"Name": dbus.MakeVariant("WW0001-ABCD")}},
		first:                gattService(svcUUID),
		first + "/char000b":  gattChar(first, charUUID, "read"),
		first + "/char000d":  gattChar(first, charUUID, "write"),
		second:               gattService(svcUUID),
		second + "/char0021": gattChar(second, charUUID, "write"),
	}

	catalog, paths := buildCatalog(objects, dev)
	ch, err := Resolve(catalog)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if ch.ServiceIndex != 0 || ch.ChannelIndex != 1 {
		t.Errorf("indexes = (%d, %d), want (0, 1)", ch.ServiceIndex, ch.ChannelIndex)
	}
	if got, want := paths[ch.key()], first+"/char000d"; got != want {
		t.Errorf("object path = %q, want %q", got, want)
	}
	if len(paths) != 3 {
		t.Errorf("got %d characteristic paths, want 3", len(paths))
	}
}
