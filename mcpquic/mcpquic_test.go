package mcpquic

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/idemirror/transport"
)

func TestMagicBytes_Roundtrip(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != MagicBytesMCP {
		t.Fatalf("magic: got %q, want %q", buf.String(), MagicBytesMCP)
	}
	if err := ValidateMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
}

func TestValidateMagicBytes_Rejects(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
	}{
		{"wrong preamble", "HTTP"},
		{"truncated", "MC"},
		{"empty", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMagicBytes(bytes.NewReader([]byte(tc.input)))
			if err == nil {
				t.Fatalf("accepted %q", tc.input)
			}
			if tc.name == "wrong preamble" && !errors.Is(err, ErrInvalidMagicBytes) {
				t.Fatalf("err = %v, want ErrInvalidMagicBytes", err)
			}
		})
	}
}

func TestProductionQUICConfig(t *testing.T) {
	cfg := ProductionQUICConfig()
	if cfg.MaxIdleTimeout != DefaultIdleTimeout {
		t.Fatalf("idle timeout: got %v", cfg.MaxIdleTimeout)
	}
	if cfg.KeepAlivePeriod != DefaultKeepAlive {
		t.Fatalf("keepalive: got %v", cfg.KeepAlivePeriod)
	}
	if cfg.Allow0RTT {
		t.Fatal("0-RTT should be disabled")
	}
}

func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certs: got %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != 0x0304 { // tls.VersionTLS13
		t.Fatalf("min version: got %x", cfg.MinVersion)
	}
	found := false
	for _, p := range cfg.NextProtos {
		if p == ALPNProtocolMCP {
			found = true
		}
	}
	if !found {
		t.Fatalf("ALPN: %q not offered in %v", ALPNProtocolMCP, cfg.NextProtos)
	}
}

func TestClientTLSConfig(t *testing.T) {
	if cfg := ClientTLSConfig(true); !cfg.InsecureSkipVerify {
		t.Fatal("insecure=true should skip verification")
	}
	cfg := ClientTLSConfig(false)
	if cfg.InsecureSkipVerify {
		t.Fatal("insecure=false should verify")
	}
	if cfg.MinVersion != 0x0304 {
		t.Fatalf("min version: got %x", cfg.MinVersion)
	}
}

// The MCP listener and the mirror duplex listener must never be confusable:
// distinct ALPN tokens and distinct stream preambles.
func TestProtocolSeparation(t *testing.T) {
	if ALPNProtocolMCP != "mcp-quic-v1" {
		t.Fatalf("ALPN: got %q", ALPNProtocolMCP)
	}
	if MagicBytesMCP != "MCP1" {
		t.Fatalf("magic: got %q", MagicBytesMCP)
	}
	if MaxMessageSize != 10*1024*1024 {
		t.Fatalf("max message: got %d", MaxMessageSize)
	}
	if ALPNProtocolMCP == transport.ALPNProtocol {
		t.Fatal("MCP and duplex channels share an ALPN token")
	}
	if MagicBytesMCP == transport.MagicBytes {
		t.Fatal("MCP and duplex channels share a preamble")
	}
}

func TestConnectionError(t *testing.T) {
	inner := errors.New("timeout")
	ce := &ConnectionError{
		RemoteAddr: "127.0.0.1:8443",
		Code:       ConnErrorProtocolViolation,
		Err:        inner,
	}

	msg := ce.Error()
	if !strings.Contains(msg, "127.0.0.1:8443") {
		t.Fatalf("error missing remote addr: %s", msg)
	}
	if !strings.Contains(msg, "0x03") {
		t.Fatalf("error missing code: %s", msg)
	}
	if !errors.Is(ce, inner) {
		t.Fatal("Unwrap should return inner error")
	}
}

func TestNewClient(t *testing.T) {
	c := NewClient("localhost:8443", nil)
	if c.addr != "localhost:8443" {
		t.Fatalf("addr: got %q", c.addr)
	}
	if c.tlsCfg == nil || c.tlsCfg.InsecureSkipVerify {
		t.Fatal("default TLS should verify the server cert")
	}

	custom := ClientTLSConfig(false)
	if c2 := NewClient("srv:9000", custom); c2.tlsCfg != custom {
		t.Fatal("custom TLS config not applied")
	}
}

func TestH3TLSConfig(t *testing.T) {
	base, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	h3 := H3TLSConfig(base)
	if len(h3.NextProtos) != 1 || h3.NextProtos[0] != "h3" {
		t.Fatalf("ALPN: got %v, want [h3]", h3.NextProtos)
	}
	if h3.MinVersion != base.MinVersion {
		t.Fatal("MinVersion should be preserved from base")
	}
	if base.NextProtos[0] == "h3" {
		t.Fatal("base config mutated")
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("localhost:1234", nil)

	if _, err := c.ListTools(nil); err == nil {
		t.Fatal("expected error when not connected")
	}
	if _, err := c.CallTool(nil, "test", nil); err == nil {
		t.Fatal("expected error when not connected")
	}
	if err := c.Ping(nil); err == nil {
		t.Fatal("expected error when not connected")
	}
}
