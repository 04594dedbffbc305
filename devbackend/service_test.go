package devbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/idemirror/snapshot"
	"github.com/hazyhaar/idemirror/wire"
)

type fakeIDE struct {
	mu       sync.Mutex
	captures int
	clicks   []wire.ClickPayload
	typed    []wire.TypeTextPayload
	batches  []wire.TypeBatchPayload
	chats    []wire.ChatPayload
	fail     error
}

func (f *fakeIDE) Capture(context.Context) (*snapshot.StateSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.captures++
	return &snapshot.StateSnapshot{
		Title:    fmt.Sprintf("capture %d", f.captures),
		Viewport: snapshot.Viewport{Width: 1280, Height: 720},
		Root:     &snapshot.ElementNode{TagName: "body"},
	}, nil
}

func (f *fakeIDE) Click(_ context.Context, p wire.ClickPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, p)
	return nil
}

func (f *fakeIDE) TypeText(_ context.Context, p wire.TypeTextPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, p)
	return nil
}

func (f *fakeIDE) TypeBatch(_ context.Context, p wire.TypeBatchPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, p)
	return nil
}

func (f *fakeIDE) Chat(_ context.Context, p wire.ChatPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, p)
	return nil
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func testService(f *fakeIDE) *Service {
	return NewService(f, ServiceConfig{SnapshotInterval: time.Hour, Logger: quietLog()})
}

func TestService_ApplyConnect(t *testing.T) {
	f := &fakeIDE{}
	svc := testService(f)

	snap, err := svc.Apply(context.Background(), wire.CmdConnectIDE, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if snap == nil || snap.Title != "capture 1" {
		t.Errorf("snap = %+v", snap)
	}
	if svc.Latest() != snap {
		t.Error("Latest should hold the applied snapshot")
	}
}

func TestService_ApplyClick(t *testing.T) {
	f := &fakeIDE{}
	svc := testService(f)

	payload, _ := json.Marshal(wire.ClickPayload{Selector: "#run"})
	snap, err := svc.Apply(context.Background(), wire.CmdClickElement, payload)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(f.clicks) != 1 || f.clicks[0].Selector != "#run" {
		t.Errorf("clicks = %v", f.clicks)
	}
	if snap == nil {
		t.Error("click should return a fresh snapshot")
	}
}

func TestService_ApplyTyping(t *testing.T) {
	f := &fakeIDE{}
	svc := testService(f)

	payload, _ := json.Marshal(wire.TypeBatchPayload{Text: "hello", Selector: "#editor"})
	snap, err := svc.Apply(context.Background(), wire.CmdTypeBatch, payload)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if snap != nil {
		t.Error("typing should not trigger a capture")
	}
	if len(f.batches) != 1 || f.batches[0].Text != "hello" {
		t.Errorf("batches = %v", f.batches)
	}

	payload, _ = json.Marshal(wire.TypeTextPayload{Key: "Enter"})
	if _, err := svc.Apply(context.Background(), wire.CmdTypeText, payload); err != nil {
		t.Fatalf("Apply type-text: %v", err)
	}
	if len(f.typed) != 1 || f.typed[0].Key != "Enter" {
		t.Errorf("typed = %v", f.typed)
	}
}

func TestService_ApplyRejectsUnknownAndEmptyChat(t *testing.T) {
	svc := testService(&fakeIDE{})

	if _, err := svc.Apply(context.Background(), "bogus", nil); err == nil {
		t.Error("expected error for unknown command")
	}

	payload, _ := json.Marshal(wire.ChatPayload{Message: ""})
	if _, err := svc.Apply(context.Background(), wire.CmdSendChatMessage, payload); err == nil {
		t.Error("expected error for empty chat message")
	}
}

func TestService_SubscribeBroadcast(t *testing.T) {
	f := &fakeIDE{}
	svc := testService(f)

	ch, cancel := svc.Subscribe()
	defer cancel()

	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	select {
	case snap := <-ch:
		if snap.Title != "capture 1" {
			t.Errorf("broadcast title = %q", snap.Title)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}

	cancel()
	if _, err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh after cancel: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func postCommand(t *testing.T, srv *httptest.Server, path string, cmd wire.Command) wire.Result {
	t.Helper()
	body, err := wire.MarshalCommand(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST %s status = %d", path, resp.StatusCode)
	}
	var res wire.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return res
}

func TestHTTP_ConnectAndClick(t *testing.T) {
	f := &fakeIDE{}
	svc := testService(f)
	srv := httptest.NewServer(NewHTTPServer(svc, quietLog()).Routes())
	defer srv.Close()

	res := postCommand(t, srv, "/api/connect", wire.ConnectIDE())
	if !res.Success || res.Data == nil {
		t.Fatalf("connect result = %+v", res)
	}
	if res.Data.Title != "capture 1" {
		t.Errorf("connect snapshot title = %q", res.Data.Title)
	}

	res = postCommand(t, srv, "/api/click", wire.ClickElement("#run", &wire.Coordinates{X: 10, Y: 20}))
	if !res.Success {
		t.Fatalf("click result = %+v", res)
	}
	if len(f.clicks) != 1 || f.clicks[0].Coordinates == nil || f.clicks[0].Coordinates.X != 10 {
		t.Errorf("clicks = %+v", f.clicks)
	}
}

func TestHTTP_ChatRejectionIsProtocolLevel(t *testing.T) {
	svc := testService(&fakeIDE{})
	srv := httptest.NewServer(NewHTTPServer(svc, quietLog()).Routes())
	defer srv.Close()

	res := postCommand(t, srv, "/api/chat", wire.SendChatMessage(""))
	if res.Success {
		t.Error("empty chat should be rejected")
	}
	if res.Error == "" {
		t.Error("rejection should carry an error message")
	}
}

func TestHTTP_TypeMismatch(t *testing.T) {
	svc := testService(&fakeIDE{})
	srv := httptest.NewServer(NewHTTPServer(svc, quietLog()).Routes())
	defer srv.Close()

	// click-element body on the chat endpoint.
	res := postCommand(t, srv, "/api/chat", wire.ClickElement("#run", nil))
	if res.Success {
		t.Error("mismatched command type should be rejected")
	}
}

func TestEnvelopes_RoundTrip(t *testing.T) {
	snap := &snapshot.StateSnapshot{
		Title:    "Workbench",
		Viewport: snapshot.Viewport{Width: 800, Height: 600},
		Root:     &snapshot.ElementNode{TagName: "body"},
	}

	env, err := snapshotEnvelope(wire.TypeConnected, snap)
	if err != nil {
		t.Fatalf("snapshotEnvelope: %v", err)
	}
	raw, _ := json.Marshal(env)
	ev, err := wire.DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	up, ok := ev.(wire.SnapshotUpdated)
	if !ok || !up.Initial || up.Snapshot.Title != "Workbench" {
		t.Errorf("event = %#v", ev)
	}

	payload, _ := json.Marshal(wire.TypeBatchPayload{Text: "hi", Selector: "#editor"})
	raw, _ = json.Marshal(ackEnvelope(payload))
	ev, err = wire.DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent ack: %v", err)
	}
	ack, ok := ev.(wire.InputAcknowledged)
	if !ok || ack.Selector != "#editor" {
		t.Errorf("ack = %#v", ev)
	}

	raw, _ = json.Marshal(errorEnvelope("boom"))
	ev, err = wire.DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent error: %v", err)
	}
	ce, ok := ev.(wire.ChannelError)
	if !ok || ce.Message != "boom" {
		t.Errorf("error event = %#v", ev)
	}
}
