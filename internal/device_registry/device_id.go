package device_registry

import (
	"encoding/binary"
	"strconv"
)

// DeviceIdSize is the length of an NFSv4.1 deviceid4.
const DeviceIdSize = 16

// DeviceId names a backend's current address set. Zero is reserved for
// the gateway itself.
type DeviceId uint32

const MDSDeviceId DeviceId = 0

func (id DeviceId) IsMDS() bool {
	return id == MDSDeviceId
}

// Bytes returns the 16-byte wire form: the id big-endian in the first
// four bytes, the rest zero.
func (id DeviceId) Bytes() [DeviceIdSize]byte {
	var b [DeviceIdSize]byte
	binary.BigEndian.PutUint32(b[:4], uint32(id))
	return b
}

func (id DeviceId) String() string {
	return "dev-" + strconv.FormatUint(uint64(id), 10)
}

// DeviceIdFromBytes decodes the form produced by Bytes. Ids not minted by
// this encoding (non-zero tail) are rejected as unknown by returning
// ok == false with a nil error.
func DeviceIdFromBytes(b []byte) (id DeviceId, ok bool, err error) {
	if len(b) != DeviceIdSize {
		return 0, false, ErrInvalidDeviceIdLength
	}
	for _, c := range b[4:] {
		if c != 0 {
			return 0, false, nil
		}
	}
	return DeviceId(binary.BigEndian.Uint32(b[:4])), true, nil
}
