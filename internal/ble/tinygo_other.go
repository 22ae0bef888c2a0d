//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

func characteristicCapabilities(c bluetooth.DeviceCharacteristic) Capability {
	return classifyUUID(c.UUID().String())
}

// writeCharacteristic writes through BlueZ's WriteValue without a write
// type, so BlueZ picks request or command from the characteristic flags.
// tinygo has no write-request call here; when BlueZ picks a command the
// returned error only covers local delivery and the peripheral's receipt
// is not confirmed.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
