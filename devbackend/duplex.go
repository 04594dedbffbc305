package devbackend

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/idemirror/snapshot"
	"github.com/hazyhaar/idemirror/transport"
	"github.com/hazyhaar/idemirror/wire"
)

// DuplexServer accepts the persistent QUIC channel clients prefer over the
// discrete HTTP endpoints. Each connection carries one bidirectional stream
// of newline-delimited JSON frames.
type DuplexServer struct {
	svc *Service
	tls *tls.Config
	log *slog.Logger

	mu sync.Mutex
	ln *quic.Listener
}

// NewDuplexServer creates the server. tlsConf must advertise the duplex ALPN.
func NewDuplexServer(svc *Service, tlsConf *tls.Config, logger *slog.Logger) *DuplexServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplexServer{svc: svc, tls: tlsConf, log: logger.With("component", "duplex")}
}

// Serve listens on addr and accepts connections until ctx is cancelled.
func (d *DuplexServer) Serve(ctx context.Context, addr string) error {
	ln, err := quic.ListenAddr(addr, d.tls, transport.ProductionQUICConfig())
	if err != nil {
		return fmt.Errorf("devbackend: listen %s: %w", addr, err)
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()
	d.log.Info("duplex listening", "addr", addr)

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("devbackend: accept: %w", err)
		}
		go d.serveConn(ctx, conn)
	}
}

// Addr returns the listen address, or nil before Serve binds it.
func (d *DuplexServer) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Close stops the listener. In-flight sessions end when their streams do.
func (d *DuplexServer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln != nil {
		return d.ln.Close()
	}
	return nil
}

func (d *DuplexServer) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	if proto := conn.ConnectionState().TLS.NegotiatedProtocol; proto != transport.ALPNProtocol {
		d.log.Warn("rejecting connection", "remote", remote, "alpn", proto)
		conn.CloseWithError(transport.ConnErrorUnsupportedALPN, "unsupported ALPN")
		return
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		d.log.Warn("accept stream failed", "remote", remote, "error", err)
		conn.CloseWithError(transport.ConnErrorProtocolViolation, "no stream")
		return
	}

	if err := transport.ValidateMagicBytes(stream); err != nil {
		d.log.Warn("bad preamble", "remote", remote, "error", err)
		conn.CloseWithError(transport.ConnErrorProtocolViolation, "bad preamble")
		return
	}

	d.log.Info("session open", "remote", remote)
	d.serveSession(ctx, stream)
	d.log.Info("session closed", "remote", remote)
	conn.CloseWithError(transport.ConnErrorNoError, "")
}

func (d *DuplexServer) serveSession(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// One writer goroutine serialises all outbound frames: acks from the
	// reader and broadcast snapshots from the service.
	out := make(chan wire.Envelope, 16)
	snaps, unsub := d.svc.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-sessCtx.Done():
				return
			case env := <-out:
				if err := writeEnvelope(stream, env); err != nil {
					cancel()
					return
				}
			case snap := <-snaps:
				env, err := snapshotEnvelope(wire.TypeStateUpdated, snap)
				if err != nil {
					d.log.Warn("encode snapshot failed", "error", err)
					continue
				}
				if err := writeEnvelope(stream, env); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Greeting: ide-connected with the current state.
	if snap, err := d.svc.Refresh(sessCtx); err != nil {
		out <- errorEnvelope(fmt.Sprintf("initial capture: %v", err))
	} else if env, err := snapshotEnvelope(wire.TypeConnected, snap); err == nil {
		out <- env
	}

	d.readCommands(sessCtx, stream, out)
	cancel()
	wg.Wait()
}

func (d *DuplexServer) readCommands(ctx context.Context, stream *quic.Stream, out chan<- wire.Envelope) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), transport.MaxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd rawCommand
		if err := json.Unmarshal(line, &cmd); err != nil {
			out <- errorEnvelope(fmt.Sprintf("malformed command: %v", err))
			continue
		}

		if _, err := d.svc.Apply(ctx, cmd.Type, cmd.Payload); err != nil {
			out <- errorEnvelope(err.Error())
			continue
		}

		// Typing commands are acked explicitly; state-changing commands
		// surface through the snapshot broadcast instead.
		switch cmd.Type {
		case wire.CmdTypeText, wire.CmdTypeBatch:
			out <- ackEnvelope(cmd.Payload)
		}

		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Debug("stream read ended", "error", err)
	}
}

func snapshotEnvelope(typ string, snap *snapshot.StateSnapshot) (wire.Envelope, error) {
	data, err := snapshot.Marshal(snap)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{Type: typ, Data: data}, nil
}

func errorEnvelope(msg string) wire.Envelope {
	return wire.Envelope{Type: wire.TypeError, Message: msg}
}

// ackEnvelope echoes the key or selector of the applied typing command.
func ackEnvelope(payload json.RawMessage) wire.Envelope {
	var p struct {
		Key      string `json:"key"`
		Selector string `json:"selector"`
	}
	_ = json.Unmarshal(payload, &p)
	data, _ := json.Marshal(wire.InputAcknowledged{Key: p.Key, Selector: p.Selector})
	return wire.Envelope{Type: wire.TypeTypingConfirmed, Data: data}
}

func writeEnvelope(stream *quic.Stream, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = stream.Write(data)
	return err
}
