package identity

import (
	"bytes"
	"crypto/sha512"
	"errors"
	"net/netip"
)

// DeviceIDSize is the length of a DeviceID; it equals the size of an IPv6
// address because the id is the virtual address.
const DeviceIDSize = 16

var (
	ErrNotMeshAddress = errors.New("identity: address is outside the mesh address space")

	// Prefix is the fixed leading part of every device address.
	Prefix = netip.MustParsePrefix("fc94::/16")

	// MulticastAddr is the reserved destination fanned out to every trusted peer.
	MulticastAddr     = netip.MustParseAddr("ff15:f2d3:a389::")
	MulticastDeviceID = DeviceID(MulticastAddr.As16())
)

// DeviceID identifies a device. It is
//
//	0xfc 0x94 || SHA-512(PublicKey)[0:14]
//
// and doubles as the device's virtual IPv6 address.
type DeviceID [DeviceIDSize]byte

func DeviceIDFromPublicKey(publicKey []byte) DeviceID {
	sum := sha512.Sum512(publicKey)
	var id DeviceID
	id[0], id[1] = 0xfc, 0x94
	copy(id[2:], sum[:DeviceIDSize-2])
	return id
}

// DeviceIDFromAddr maps a virtual address back to its DeviceID. It accepts
// device addresses and the multicast address.
func DeviceIDFromAddr(addr netip.Addr) (DeviceID, error) {
	addr = addr.Unmap()
	if !addr.Is6() || (!Prefix.Contains(addr) && addr != MulticastAddr) {
		return DeviceID{}, ErrNotMeshAddress
	}
	return DeviceID(addr.As16()), nil
}

// ParseDeviceID parses the textual IPv6 form of a device address.
func ParseDeviceID(s string) (DeviceID, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return DeviceID{}, err
	}
	return DeviceIDFromAddr(addr)
}

func (id DeviceID) Addr() netip.Addr {
	return netip.AddrFrom16(id)
}

func (id DeviceID) String() string {
	return id.Addr().String()
}

func (id DeviceID) IsZero() bool {
	return id == DeviceID{}
}

func (id DeviceID) IsMulticast() bool {
	return id == MulticastDeviceID
}

// IsReserved reports ids that never belong to a device.
func (id DeviceID) IsReserved() bool {
	return id.IsZero() || id.IsMulticast() || id == DeviceID{0xfc, 0x94}
}

// Less orders ids bytewise; used to break simultaneous-handshake ties.
func (id DeviceID) Less(other DeviceID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *DeviceID) UnmarshalText(b []byte) error {
	parsed, err := ParseDeviceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
