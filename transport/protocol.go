// Package transport maintains the connection to the remote IDE automation
// backend. It owns a persistent duplex QUIC stream carrying
// newline-delimited JSON frames, and degrades transparently to discrete
// HTTP request/response calls when the duplex channel is unavailable. The
// rest of the client sees one uniform send API and one typed inbound event
// stream regardless of which transport is live.
package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol identifies the idemirror duplex protocol during the TLS
	// handshake. Connections negotiating anything else are rejected.
	ALPNProtocol = "idemirror-v1"

	// MagicBytes is written by the client as the first bytes of the stream,
	// distinguishing idemirror frames from stray probes on the same port.
	MagicBytes = "IDM1"

	// MaxFrameSize caps a single inbound frame. Snapshots carry base64
	// screenshots, so the cap is generous.
	MaxFrameSize = 32 * 1024 * 1024

	DefaultIdleTimeout = 60 * time.Second
	DefaultKeepAlive   = 15 * time.Second
)

// QUIC application error codes used on CloseWithError.
const (
	ConnErrorNoError           quic.ApplicationErrorCode = 0x00
	ConnErrorUnsupportedALPN   quic.ApplicationErrorCode = 0x02
	ConnErrorProtocolViolation quic.ApplicationErrorCode = 0x03
)

var (
	ErrInvalidMagicBytes = errors.New("transport: invalid magic bytes")
	ErrUnsupportedALPN   = errors.New("transport: unsupported ALPN")
	ErrChannelClosed     = errors.New("transport: channel closed")
)

// ConnectionError wraps a QUIC-level failure with the remote address and
// application error code.
type ConnectionError struct {
	RemoteAddr string
	Code       quic.ApplicationErrorCode
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: connection %s failed (code 0x%02x): %v", e.RemoteAddr, uint64(e.Code), e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProductionQUICConfig returns the QUIC tuning used by both ends:
// keep-alives hold NATs open, 0-RTT stays off.
func ProductionQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  DefaultIdleTimeout,
		KeepAlivePeriod: DefaultKeepAlive,
		Allow0RTT:       false,
	}
}

// ClientTLSConfig returns a TLS 1.3 client config for the duplex dial.
// insecure skips server certificate verification (dev backends use
// self-signed certs).
func ClientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPNProtocol},
		InsecureSkipVerify: insecure,
	}
}

// SelfSignedTLSConfig generates an in-memory self-signed server config.
// For development backends; production deploys real certificates.
func SelfSignedTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate key: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "idemirror"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("transport: create certificate: %w", err)
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{ALPNProtocol},
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}, nil
}

// SendMagicBytes writes the protocol preamble.
func SendMagicBytes(w io.Writer) error {
	if _, err := w.Write([]byte(MagicBytes)); err != nil {
		return fmt.Errorf("transport: send magic bytes: %w", err)
	}
	return nil
}

// ValidateMagicBytes reads and checks the protocol preamble.
func ValidateMagicBytes(r io.Reader) error {
	buf := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMagicBytes, err)
	}
	if string(buf) != MagicBytes {
		return fmt.Errorf("%w: got %q", ErrInvalidMagicBytes, buf)
	}
	return nil
}
