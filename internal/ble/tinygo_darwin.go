package ble

import "tinygo.org/x/bluetooth"

// CoreBluetooth does not surface characteristic properties through tinygo.
func characteristicCapabilities(c bluetooth.DeviceCharacteristic) Capability {
	return classifyUUID(c.UUID().String())
}

// writeCharacteristic issues a write request and waits for the peripheral's
// response.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
