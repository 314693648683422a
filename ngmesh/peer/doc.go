// Package peer holds the registry of remote devices and their mutable
// runtime state.
//
// A Container owns every Peer. Other components keep a DeviceID and look the
// peer up when they need it, so a removed peer is never reachable through a
// stale pointer held elsewhere. The container is not safe for concurrent use:
// it belongs to the event loop (see package scheduler) and every access
// happens on that goroutine.
package peer
