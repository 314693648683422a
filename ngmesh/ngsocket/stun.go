package ngsocket

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/stun"
)

var ErrNoMappedAddress = errors.New("ngsocket: no mapped address in STUN response")

// stunTracker sends binding requests from the shared socket and matches the
// responses the read loop hands back. Using the shared socket makes the
// reflexive address the one peers should probe.
type stunTracker struct {
	mu      sync.Mutex
	pending map[[stun.TransactionIDSize]byte]time.Time
	timeout time.Duration
}

func newSTUNTracker() *stunTracker {
	return &stunTracker{
		pending: make(map[[stun.TransactionIDSize]byte]time.Time),
		timeout: 5 * time.Second,
	}
}

// request builds a binding request and remembers its transaction.
func (t *stunTracker) request(now time.Time) ([]byte, error) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sent := range t.pending {
		if now.Sub(sent) > t.timeout {
			delete(t.pending, id)
		}
	}
	t.pending[msg.TransactionID] = now
	return msg.Raw, nil
}

// response decodes a STUN message and returns the mapped address when it
// answers one of our requests.
func (t *stunTracker) response(b []byte) (netip.AddrPort, error) {
	res := new(stun.Message)
	res.Raw = append([]byte(nil), b...)
	if err := res.Decode(); err != nil {
		return netip.AddrPort{}, err
	}

	t.mu.Lock()
	_, ok := t.pending[res.TransactionID]
	delete(t.pending, res.TransactionID)
	t.mu.Unlock()
	if !ok {
		return netip.AddrPort{}, ErrNoMappedAddress
	}

	var ip net.IP
	var port int
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		ip, port = xorAddr.IP, xorAddr.Port
	} else {
		// Older servers only send MAPPED-ADDRESS.
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(res); err != nil {
			return netip.AddrPort{}, ErrNoMappedAddress
		}
		ip, port = mapped.IP, mapped.Port
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok || port <= 0 || port > 0xffff {
		return netip.AddrPort{}, ErrNoMappedAddress
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

func isSTUN(b []byte) bool {
	return stun.IsMessage(b)
}
