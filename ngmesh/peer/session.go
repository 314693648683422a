package peer

import (
	"time"

	"golang.zx2c4.com/wireguard/replay"

	"github.com/TheusHen/ngmesh/ngmesh/crypto"
)

// State is the state of the encrypted session with one peer.
type State uint8

const (
	StateNoSession State = iota
	StateRequested
	StateEstablished
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no-session"
	case StateRequested:
		return "requested"
	case StateEstablished:
		return "established"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is the per-peer data driven by the security layer.
type Session struct {
	State State

	Keys    *crypto.SessionKeys
	SendSeq uint64
	Replay  replay.Filter

	// Keys of the session replaced by the last rekey, accepted for inbound
	// traffic until PreviousUntil.
	Previous       *crypto.SessionKeys
	PreviousReplay replay.Filter
	PreviousUntil  time.Time

	// Keys offered by the peer's rekey, used only for inbound traffic until
	// the first packet under them arrives. Sending stays on Keys until then.
	Next       *crypto.SessionKeys
	NextReplay replay.Filter

	// Initiator is true when this side started the current session.
	Initiator     bool
	EstablishedAt time.Time
	LastRecv      time.Time
	LastSend      time.Time
	RekeySent     bool

	// Handshake in progress.
	Ephemeral     *crypto.X25519KeyPair
	Rekeying      bool
	Attempts      int
	NextRetry     time.Time
	Queue         [][]byte

	// Reply sent for the last accepted init, resent when the same init
	// arrives again.
	LastInitEphemeral [32]byte
	LastReply         []byte

	ProbeNonce  uint64
	ProbeSentAt time.Time
	NextProbe   time.Time
}

// Established reports whether data may flow.
func (s *Session) Established() bool {
	return s.State == StateEstablished && s.Keys != nil
}

// ClearHandshake drops the in-flight handshake context.
func (s *Session) ClearHandshake() {
	if s.Ephemeral != nil {
		s.Ephemeral.Wipe()
		s.Ephemeral = nil
	}
	s.Attempts = 0
	s.NextRetry = time.Time{}
	s.Rekeying = false
}

// DropPrevious wipes the keys kept across a rekey.
func (s *Session) DropPrevious() {
	s.Previous.Wipe()
	s.Previous = nil
	s.PreviousReplay.Reset()
	s.PreviousUntil = time.Time{}
}

// DropNext wipes keys staged by an unconfirmed rekey.
func (s *Session) DropNext() {
	s.Next.Wipe()
	s.Next = nil
	s.NextReplay.Reset()
}

// Wipe zeroes all key material and returns the session to StateNoSession.
// Queued frames are discarded.
func (s *Session) Wipe() {
	s.Keys.Wipe()
	s.Keys = nil
	s.DropPrevious()
	s.DropNext()
	s.ClearHandshake()
	s.Replay.Reset()
	s.SendSeq = 0
	s.Queue = nil
	s.LastReply = nil
	s.LastInitEphemeral = [32]byte{}
	s.RekeySent = false
	s.ProbeNonce = 0
	s.State = StateNoSession
}

// HasKeyMaterial reports whether any secret is still held.
func (s *Session) HasKeyMaterial() bool {
	return s.Keys != nil || s.Previous != nil || s.Next != nil || s.Ephemeral != nil
}
