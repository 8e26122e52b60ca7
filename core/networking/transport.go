package networking

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Conn is one bidirectional peer stream.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() string
	SetDeadline(t time.Time) error
}

type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Transport opens peer streams. TCP is the default, QUIC the alternative.
type Transport interface {
	Name() string
	Listen(addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Conn, error)
}

// NewTransport returns the transport registered under name.
func NewTransport(name string) (Transport, error) {
	switch name {
	case "", "tcp":
		return TCPTransport{}, nil
	case "quic":
		return NewQUICTransport()
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

type TCPTransport struct{}

func (TCPTransport) Name() string { return "tcp" }

func (TCPTransport) Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (TCPTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}
	return tcpConn{c}, nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return tcpConn{c}, nil
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }
func (l *tcpListener) Close() error { return l.ln.Close() }

type tcpConn struct {
	net.Conn
}

func (c tcpConn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
