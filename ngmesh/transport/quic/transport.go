// Package quic carries the base server control channel over QUIC.
//
// Devices dial the base server through a quic.Transport built on the same
// UDP socket they use for peer packets, so the address the server observes
// is the address peers can try to reach directly.
package quic

import (
	"context"
	"net"
	"time"

	q "github.com/quic-go/quic-go"
)

const (
	KeepAlivePeriod = 15 * time.Second
	MaxIdleTimeout  = 45 * time.Second
)

func newConfig() *q.Config {
	return &q.Config{
		KeepAlivePeriod: KeepAlivePeriod,
		MaxIdleTimeout:  MaxIdleTimeout,
	}
}

type Listener struct {
	inner *q.Listener
	tr    *q.Transport
	owned net.PacketConn
}

// Listen opens a UDP socket on addr and accepts base channel connections.
func Listen(addr string) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	l, err := ListenTransport(&q.Transport{Conn: conn})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	l.owned = conn
	return l, nil
}

// ListenTransport accepts connections on an existing transport.
func ListenTransport(tr *q.Transport) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := tr.Listen(tlsConf, newConfig())
	if err != nil {
		return nil, err
	}
	return &Listener{inner: ln, tr: tr}, nil
}

func (l *Listener) Accept(ctx context.Context) (*q.Conn, error) {
	return l.inner.Accept(ctx)
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

func (l *Listener) AddrString() string {
	if l.inner == nil {
		return ""
	}
	return l.inner.Addr().String()
}

// Transport exposes the transport so non-QUIC packets can be read and
// written on the listening socket.
func (l *Listener) Transport() *q.Transport { return l.tr }

func (l *Listener) Close() error {
	err := l.inner.Close()
	if l.owned != nil {
		_ = l.tr.Close()
		_ = l.owned.Close()
	}
	return err
}

// Dial connects to a base server through tr.
func Dial(ctx context.Context, tr *q.Transport, addr net.Addr) (*q.Conn, error) {
	return tr.Dial(ctx, addr, clientTLSConfig(), newConfig())
}
