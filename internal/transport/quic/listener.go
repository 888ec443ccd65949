package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/amerkoleci/rbfx/internal/telemetry"
)

// AcceptFunc takes ownership of an accepted connection.
type AcceptFunc func(ctx context.Context, conn *Conn)

type ListenConfig struct {
	Addr       string
	TLS        *tls.Config
	QueueDepth int
	Logger     telemetry.Logger
}

// Listener accepts replication connections until its context ends.
type Listener struct {
	addr  net.Addr
	close func() error
	serve func(ctx context.Context, accept AcceptFunc) error
}

// Listen binds a UDP socket. A nil TLS config gets a self-signed certificate.
func Listen(cfg ListenConfig) (*Listener, error) {
	tlsConf := cfg.TLS
	if tlsConf == nil {
		generated, err := SelfSignedTLS()
		if err != nil {
			return nil, err
		}
		tlsConf = generated
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}

	ln, err := quic.ListenAddr(cfg.Addr, tlsConf, Config())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	l := &Listener{addr: ln.Addr(), close: ln.Close}
	l.serve = func(ctx context.Context, accept AcceptFunc) error {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			go func() {
				streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				stream, err := conn.AcceptStream(streamCtx)
				cancel()
				if err != nil {
					logger.Printf("[quic] %s opened no stream: %v", conn.RemoteAddr(), err)
					_ = conn.CloseWithError(closeProtocol, "no stream")
					return
				}
				c := newConn(conn, stream, cfg.QueueDepth, logger)
				if b, err := c.reader.ReadByte(); err != nil || b != preamble {
					logger.Printf("[quic] rejecting %s: %v", conn.RemoteAddr(), errBadPreamble)
					c.shutdown(errBadPreamble, closeProtocol)
					return
				}
				accept(ctx, c)
			}()
		}
	}
	return l, nil
}

// Addr is the bound UDP address.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Serve runs the accept loop until ctx is cancelled; accept runs on its own
// goroutine per connection.
func (l *Listener) Serve(ctx context.Context, accept AcceptFunc) error {
	if accept == nil {
		return errors.New("quic: nil accept func")
	}
	return l.serve(ctx, accept)
}

func (l *Listener) Close() error {
	return l.close()
}

// SelfSignedTLS builds an in-memory certificate for development servers.
func SelfSignedTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "replicad"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{ALPN},
	}, nil
}
