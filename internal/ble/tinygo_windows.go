package ble

import "tinygo.org/x/bluetooth"

// WinRT reports the real GATT properties.
func characteristicCapabilities(c bluetooth.DeviceCharacteristic) Capability {
	return capabilitiesFromProperties(c.Properties())
}

// writeCharacteristic issues a write request and waits for the peripheral's
// response.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
