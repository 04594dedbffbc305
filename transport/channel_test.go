package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/idemirror/wire"
)

// fakeConn implements duplexConn in memory.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeConn) writeFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) readFrame() ([]byte, error) {
	select {
	case frame := <-f.inbound:
		return frame, nil
	case <-f.done:
		return nil, ErrChannelClosed
	}
}

func (f *fakeConn) close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testChannel(t *testing.T, baseURL string, dial func(ctx context.Context) (duplexConn, error)) *Channel {
	t.Helper()
	c := NewChannel(Config{
		DuplexAddr:    "127.0.0.1:0",
		HTTPBaseURL:   baseURL,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
		RedialDelay:   10 * time.Millisecond,
		Logger:        quietLogger(),
	})
	c.dial = dial
	t.Cleanup(c.Shutdown)
	return c
}

func waitState(t *testing.T, c *Channel, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if c.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %v, want %v", c.State(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateDegraded:   "degraded",
		StateClosed:     "closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestChannelOpenSendsDuplexFrame(t *testing.T) {
	conn := newFakeConn()
	c := testChannel(t, "http://unused.invalid", func(ctx context.Context) (duplexConn, error) {
		return conn, nil
	})

	c.Connect(context.Background())
	if got := c.State(); got != StateOpen {
		t.Fatalf("state after connect = %v, want open", got)
	}

	if err := c.Send(context.Background(), wire.ClickElement("#run", nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frames := conn.frames()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	var cmd struct {
		Type    string `json:"type"`
		Payload struct {
			Selector string `json:"selector"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(frames[0], &cmd); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if cmd.Type != wire.CmdClickElement || cmd.Payload.Selector != "#run" {
		t.Errorf("frame = %s", frames[0])
	}
}

func TestChannelDeliversInboundEvents(t *testing.T) {
	conn := newFakeConn()
	c := testChannel(t, "http://unused.invalid", func(ctx context.Context) (duplexConn, error) {
		return conn, nil
	})
	c.Connect(context.Background())

	conn.inbound <- []byte(`{"type":"ide-connected","data":{"title":"IDE","viewport":{"width":800,"height":600},"root":{"tagName":"body"}}}`)
	conn.inbound <- []byte(`not json at all`)
	conn.inbound <- []byte(`{"type":"typing-confirmed","data":{"key":"Enter","selector":"#editor"}}`)

	ev := <-c.Events()
	up, ok := ev.(wire.SnapshotUpdated)
	if !ok {
		t.Fatalf("first event = %T, want SnapshotUpdated", ev)
	}
	if !up.Initial || up.Snapshot.Title != "IDE" {
		t.Errorf("got initial=%v title=%q", up.Initial, up.Snapshot.Title)
	}

	// The malformed frame is dropped, not delivered.
	ev = <-c.Events()
	ack, ok := ev.(wire.InputAcknowledged)
	if !ok {
		t.Fatalf("second event = %T, want InputAcknowledged", ev)
	}
	if ack.Key != "Enter" {
		t.Errorf("ack key = %q, want Enter", ack.Key)
	}
}

func TestChannelDialFailureDegradesAndFallsBack(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(wire.Result{Success: true})
	}))
	defer srv.Close()

	c := testChannel(t, srv.URL, func(ctx context.Context) (duplexConn, error) {
		return nil, errors.New("connection refused")
	})
	c.Connect(context.Background())

	if got := c.State(); got != StateDegraded {
		t.Fatalf("state after failed dial = %v, want degraded", got)
	}

	if err := c.Send(context.Background(), wire.ClickElement("#run", nil)); err != nil {
		t.Fatalf("Send via fallback: %v", err)
	}
	if gotPath != "/api/click" {
		t.Errorf("fallback path = %q, want /api/click", gotPath)
	}
}

func TestChannelDegradedRejectsTyping(t *testing.T) {
	c := testChannel(t, "http://unused.invalid", func(ctx context.Context) (duplexConn, error) {
		return nil, errors.New("no route")
	})
	c.Connect(context.Background())

	err := c.Send(context.Background(), wire.TypeBatch("hello", "#editor"))
	var nf *ErrNoFallback
	if !errors.As(err, &nf) {
		t.Fatalf("Send type-batch while degraded = %v, want ErrNoFallback", err)
	}
	if nf.CommandType != wire.CmdTypeBatch {
		t.Errorf("CommandType = %q, want %q", nf.CommandType, wire.CmdTypeBatch)
	}
}

func TestChannelWriteFailureDegradesThenFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.Result{Success: true})
	}))
	defer srv.Close()

	conn := newFakeConn()
	conn.writeErr = errors.New("broken pipe")
	dials := 0
	c := testChannel(t, srv.URL, func(ctx context.Context) (duplexConn, error) {
		dials++
		if dials == 1 {
			return conn, nil
		}
		return nil, errors.New("still down")
	})
	c.Connect(context.Background())
	waitState(t, c, StateOpen)

	// The same command that hit the dead stream completes via fallback.
	if err := c.Send(context.Background(), wire.ClickElement("#run", nil)); err != nil {
		t.Fatalf("Send after write failure: %v", err)
	}
	waitState(t, c, StateDegraded)
}

func TestChannelReconnectRestoresDuplex(t *testing.T) {
	replacement := newFakeConn()
	dials := 0
	c := testChannel(t, "http://unused.invalid", func(ctx context.Context) (duplexConn, error) {
		dials++
		if dials == 1 {
			return nil, errors.New("refused")
		}
		return replacement, nil
	})
	c.Connect(context.Background())
	if got := c.State(); got != StateDegraded {
		t.Fatalf("state = %v, want degraded", got)
	}

	waitState(t, c, StateOpen)
	if err := c.Send(context.Background(), wire.ConnectIDE()); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	if len(replacement.frames()) != 1 {
		t.Errorf("frames on restored stream = %d, want 1", len(replacement.frames()))
	}
}

func TestChannelReconnectSuccessResetsBackoff(t *testing.T) {
	replacement := newFakeConn()
	dials := 0
	c := testChannel(t, "http://unused.invalid", func(ctx context.Context) (duplexConn, error) {
		dials++
		if dials < 4 {
			return nil, errors.New("refused")
		}
		return replacement, nil
	})
	c.Connect(context.Background())
	waitState(t, c, StateDegraded)
	waitState(t, c, StateOpen)

	// The next outage starts over from the base delay instead of resuming
	// where the last one left off.
	if c.bo.attempt != 0 {
		t.Errorf("backoff attempt after recovery = %d, want 0", c.bo.attempt)
	}
	if got := c.bo.next(); got != c.cfg.ReconnectBase {
		t.Errorf("first delay after recovery = %v, want %v", got, c.cfg.ReconnectBase)
	}
}

func TestChannelStreamLossTriggersRedial(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dials := 0
	c := testChannel(t, "http://unused.invalid", func(ctx context.Context) (duplexConn, error) {
		dials++
		if dials == 1 {
			return first, nil
		}
		return second, nil
	})
	c.Connect(context.Background())
	waitState(t, c, StateOpen)

	first.close()
	waitState(t, c, StateOpen)

	if err := c.Send(context.Background(), wire.ClickElement("#a", nil)); err != nil {
		t.Fatalf("Send on redialed stream: %v", err)
	}
	if len(second.frames()) != 1 {
		t.Errorf("redialed stream frames = %d, want 1", len(second.frames()))
	}
}

func TestChannelDiscreteFailureEmitsChannelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.Result{Success: false, Error: "element not found"})
	}))
	defer srv.Close()

	c := testChannel(t, srv.URL, func(ctx context.Context) (duplexConn, error) {
		return nil, errors.New("refused")
	})
	c.Connect(context.Background())

	if err := c.Send(context.Background(), wire.ClickElement("#gone", nil)); err == nil {
		t.Fatal("Send succeeded, want rejection error")
	}

	ev := <-c.Events()
	ce, ok := ev.(wire.ChannelError)
	if !ok {
		t.Fatalf("event = %T, want ChannelError", ev)
	}
	if ce.Message != "element not found" {
		t.Errorf("message = %q", ce.Message)
	}
}

func TestChannelDiscreteSnapshotBecomesEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"success":true,"data":{"title":"  My   IDE ","viewport":{"width":800,"height":600},"root":{"tagName":"body"}}}`)
	}))
	defer srv.Close()

	c := testChannel(t, srv.URL, func(ctx context.Context) (duplexConn, error) {
		return nil, errors.New("refused")
	})
	c.Connect(context.Background())

	if err := c.Send(context.Background(), wire.ConnectIDE()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev := <-c.Events()
	up, ok := ev.(wire.SnapshotUpdated)
	if !ok {
		t.Fatalf("event = %T, want SnapshotUpdated", ev)
	}
	if !up.Initial {
		t.Error("connect-ide result should be an initial snapshot")
	}
	if up.Snapshot.Title != "My IDE" {
		t.Errorf("title = %q, want normalized %q", up.Snapshot.Title, "My IDE")
	}
}

func TestChannelShutdownRejectsSend(t *testing.T) {
	conn := newFakeConn()
	c := NewChannel(Config{
		DuplexAddr:  "127.0.0.1:0",
		HTTPBaseURL: "http://unused.invalid",
		Logger:      quietLogger(),
	})
	c.dial = func(ctx context.Context) (duplexConn, error) { return conn, nil }
	c.Connect(context.Background())

	c.Shutdown()
	if got := c.State(); got != StateClosed {
		t.Fatalf("state after shutdown = %v, want closed", got)
	}
	if err := c.Send(context.Background(), wire.ConnectIDE()); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Send after shutdown = %v, want ErrChannelClosed", err)
	}
	// Idempotent.
	c.Shutdown()
}

func TestEndpointFor(t *testing.T) {
	cases := []struct {
		cmdType string
		path    string
		ok      bool
	}{
		{wire.CmdConnectIDE, "/api/connect", true},
		{wire.CmdClickElement, "/api/click", true},
		{wire.CmdSendChatMessage, "/api/chat", true},
		{wire.CmdTypeText, "", false},
		{wire.CmdTypeBatch, "", false},
	}
	for _, tc := range cases {
		path, ok := endpointFor(tc.cmdType)
		if path != tc.path || ok != tc.ok {
			t.Errorf("endpointFor(%q) = (%q, %v), want (%q, %v)", tc.cmdType, path, ok, tc.path, tc.ok)
		}
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	bo := newBackoff(100*time.Millisecond, time.Second)
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := bo.next(); got != w {
			t.Errorf("next() #%d = %v, want %v", i, got, w)
		}
	}
	bo.reset()
	if got := bo.next(); got != 100*time.Millisecond {
		t.Errorf("next() after reset = %v, want 100ms", got)
	}
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(10*time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)

	if !cb.Allow() {
		t.Fatal("new breaker should allow calls")
	}
	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("one failure should not trip the breaker")
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("breaker should be open after threshold failures")
	}

	now = now.Add(11 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state after reset timeout = %v, want half-open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state after half-open success = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(1),
		WithBreakerResetTimeout(time.Second),
		WithBreakerClock(func() time.Time { return now }),
	)
	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("half-open failure should reopen the breaker")
	}
}

func TestMagicBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMagicBytes(&buf); err != nil {
		t.Fatalf("SendMagicBytes: %v", err)
	}
	if err := ValidateMagicBytes(&buf); err != nil {
		t.Fatalf("ValidateMagicBytes: %v", err)
	}

	if err := ValidateMagicBytes(bytes.NewBufferString("HTTP")); !errors.Is(err, ErrInvalidMagicBytes) {
		t.Errorf("wrong preamble = %v, want ErrInvalidMagicBytes", err)
	}
	if err := ValidateMagicBytes(bytes.NewBufferString("ID")); !errors.Is(err, ErrInvalidMagicBytes) {
		t.Errorf("short preamble = %v, want ErrInvalidMagicBytes", err)
	}
}

func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("got %d certificates, want 1", len(cfg.Certificates))
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v, want [%s]", cfg.NextProtos, ALPNProtocol)
	}
}
