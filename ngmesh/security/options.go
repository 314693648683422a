package security

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
	"github.com/TheusHen/ngmesh/ngmesh/metrics"
	"github.com/TheusHen/ngmesh/ngmesh/peer"
)

// Policy decides whether traffic with a peer is permitted. It is consulted
// for every frame.
type Policy interface {
	IsPeerAllowed(identity.DeviceID) bool
}

// Timers tunes the session state machine.
type Timers struct {
	HandshakeRetry    time.Duration
	MaxHandshakeRetry time.Duration
	HandshakeAttempts int
	// Freshness is how far a handshake timestamp may be from local time.
	Freshness time.Duration

	SessionMaxAge time.Duration
	// RekeyAfter is when the initiator of a session starts a rekey.
	RekeyAfter  time.Duration
	IdleTimeout time.Duration
	// PreviousKeyGrace is how long keys replaced by a rekey still decrypt.
	PreviousKeyGrace time.Duration
	LatencyInterval  time.Duration

	MaxQueued  int
	MaxPending int
	SeenCache  int
}

func DefaultTimers() Timers {
	return Timers{
		HandshakeRetry:    time.Second,
		MaxHandshakeRetry: 8 * time.Second,
		HandshakeAttempts: 6,
		Freshness:         2 * time.Minute,
		SessionMaxAge:     10 * time.Minute,
		RekeyAfter:        9 * time.Minute,
		IdleTimeout:       90 * time.Second,
		PreviousKeyGrace:  30 * time.Second,
		LatencyInterval:   10 * time.Second,
		MaxQueued:         8,
		MaxPending:        256,
		SeenCache:         4096,
	}
}

func (t Timers) withDefaults() Timers {
	d := DefaultTimers()
	if t.HandshakeRetry <= 0 {
		t.HandshakeRetry = d.HandshakeRetry
	}
	if t.MaxHandshakeRetry <= 0 {
		t.MaxHandshakeRetry = d.MaxHandshakeRetry
	}
	if t.HandshakeAttempts <= 0 {
		t.HandshakeAttempts = d.HandshakeAttempts
	}
	if t.Freshness <= 0 {
		t.Freshness = d.Freshness
	}
	if t.SessionMaxAge <= 0 {
		t.SessionMaxAge = d.SessionMaxAge
	}
	if t.RekeyAfter <= 0 || t.RekeyAfter >= t.SessionMaxAge {
		t.RekeyAfter = t.SessionMaxAge * 9 / 10
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = d.IdleTimeout
	}
	if t.PreviousKeyGrace <= 0 {
		t.PreviousKeyGrace = d.PreviousKeyGrace
	}
	if t.LatencyInterval <= 0 {
		t.LatencyInterval = d.LatencyInterval
	}
	if t.MaxQueued <= 0 {
		t.MaxQueued = d.MaxQueued
	}
	if t.MaxPending <= 0 {
		t.MaxPending = d.MaxPending
	}
	if t.SeenCache <= 0 {
		t.SeenCache = d.SeenCache
	}
	return t
}

type Options struct {
	Identity identity.Identity
	Peers    *peer.Container
	Policy   Policy
	Timers   Timers

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}
