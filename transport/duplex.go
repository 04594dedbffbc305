package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"
)

// duplexConn is one live bidirectional frame stream. Abstracted behind an
// interface so the channel state machine is testable without a QUIC server.
type duplexConn interface {
	writeFrame(frame []byte) error
	readFrame() ([]byte, error)
	close() error
}

// quicDuplex carries newline-delimited JSON frames over a single QUIC
// bidirectional stream.
type quicDuplex struct {
	conn    *quic.Conn
	stream  *quic.Stream
	scanner *bufio.Scanner

	wmu sync.Mutex
}

// dialDuplex establishes the QUIC connection, verifies ALPN, opens the
// stream and writes the protocol preamble.
func dialDuplex(ctx context.Context, addr string, tlsCfg *tls.Config) (duplexConn, error) {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}

	conn, err := quic.DialAddr(ctx, addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial %s: %w", addr, err)
	}

	alpn := conn.ConnectionState().TLS.NegotiatedProtocol
	if alpn != ALPNProtocol {
		conn.CloseWithError(ConnErrorUnsupportedALPN, "bad ALPN")
		return nil, fmt.Errorf("%w: got %q", ErrUnsupportedALPN, alpn)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "stream open failed")
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}

	if err := SendMagicBytes(stream); err != nil {
		stream.Close()
		conn.CloseWithError(ConnErrorProtocolViolation, "magic bytes failed")
		return nil, err
	}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)

	return &quicDuplex{conn: conn, stream: stream, scanner: scanner}, nil
}

func (d *quicDuplex) writeFrame(frame []byte) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := d.stream.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	return nil
}

func (d *quicDuplex) readFrame() ([]byte, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, fmt.Errorf("transport: read frame: %w", err)
		}
		return nil, fmt.Errorf("transport: stream closed: %w", ErrChannelClosed)
	}
	// Copy out: the scanner reuses its buffer on the next Scan.
	frame := make([]byte, len(d.scanner.Bytes()))
	copy(frame, d.scanner.Bytes())
	return frame, nil
}

func (d *quicDuplex) close() error {
	d.stream.Close()
	d.conn.CloseWithError(ConnErrorNoError, "client closing")
	return nil
}
