package identity

import "strings"

// Flags are capabilities attached to the local device and to each peer.
// They are independent of session state.
type Flags uint8

const (
	// FlagMulticast marks a device as a multicast fan-out destination.
	FlagMulticast Flags = 1 << iota
	// FlagAlwaysAllowed lets a device through even when the whitelist rejects it.
	FlagAlwaysAllowed
)

const DefaultFlags = FlagMulticast

func (f Flags) Has(flag Flags) bool { return f&flag == flag }

func (f Flags) With(flag Flags) Flags { return f | flag }

func (f Flags) Without(flag Flags) Flags { return f &^ flag }

func (f Flags) String() string {
	var parts []string
	if f.Has(FlagMulticast) {
		parts = append(parts, "multicast")
	}
	if f.Has(FlagAlwaysAllowed) {
		parts = append(parts, "always-allowed")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
