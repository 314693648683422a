// Package ngmesh is the data plane of a peer-to-peer mesh VPN.
//
// Every device owns an Ed25519 key; its virtual IPv6 address is derived from
// that key, so an address is a proof of identity. Packets written to the
// virtual interface pass through a stack of layers (multicast fan-out,
// compression, end-to-end encryption) and leave over one UDP socket, either
// directly to the peer after NAT traversal or relayed by a base server.
//
// Manager assembles the stack and exposes the control API: whitelist, host
// table and connection status.
package ngmesh
