package ble

// ChannelDescriptor identifies the characteristic commands are written to.
// It is only valid for the connection it was resolved on.
type ChannelDescriptor struct {
	ServiceUUID  string
	ChannelUUID  string
	Capabilities Capability

	ServiceIndex int
	ChannelIndex int
}

// channelKey locates a characteristic by its position in the catalog.
// UUIDs may repeat within one peripheral; positions do not.
type channelKey struct {
	service int
	channel int
}

func (d ChannelDescriptor) key() channelKey {
	return channelKey{service: d.ServiceIndex, channel: d.ChannelIndex}
}

// Resolve returns the first writable characteristic in catalog order:
// services in order, then characteristics within each service. A peripheral
// exposing several writable characteristics gets the first one.
func Resolve(catalog Catalog) (ChannelDescriptor, error) {
	for si, svc := range catalog {
		for ci, ch := range svc.Channels {
			if !ch.Capabilities.Writable() {
				continue
			}
			return ChannelDescriptor{
				ServiceUUID:  svc.UUID,
				ChannelUUID:  ch.UUID,
				Capabilities: ch.Capabilities,
				ServiceIndex: si,
				ChannelIndex: ci,
			}, nil
		}
	}
	return ChannelDescriptor{}, ErrNoWritableChannel
}
