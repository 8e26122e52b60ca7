package networking

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN protocol id for peer streams.
const quicProtoID = "stemrelay/1"

var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
}

// QUICTransport carries each peer connection on one bidirectional stream.
// Certificates are self-signed; peers are not authenticated by TLS.
type QUICTransport struct {
	serverTLS *tls.Config
}

func NewQUICTransport() (*QUICTransport, error) {
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	return &QUICTransport{serverTLS: tlsCfg}, nil
}

func (*QUICTransport) Name() string { return "quic" }

// generateTLSConfig creates a self-signed cert
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{quicProtoID},
	}, nil
}

func (t *QUICTransport) Listen(addr string) (Listener, error) {
	ln, err := quic.ListenAddr(addr, t.serverTLS, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln}, nil
}

func (t *QUICTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicProtoID},
	}
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{stream: stream, sess: sess}, nil
}

type quicListener struct {
	ln *quic.Listener
}

// Accept waits for a connection and its first stream. The dialer writes its
// hello immediately, which is what makes the stream visible here.
func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	sess, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stream, err := sess.AcceptStream(sctx)
	if err != nil {
		sess.CloseWithError(0, "no stream")
		return nil, err
	}
	return &quicConn{stream: stream, sess: sess}, nil
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }
func (l *quicListener) Close() error { return l.ln.Close() }

type quicConn struct {
	stream quic.Stream
	sess   quic.Connection
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) SetDeadline(t time.Time) error { return c.stream.SetDeadline(t) }

func (c *quicConn) RemoteAddr() string { return c.sess.RemoteAddr().String() }

func (c *quicConn) Close() error {
	c.stream.CancelRead(0)
	err := c.stream.Close()
	c.sess.CloseWithError(0, "")
	return err
}
