package mcptool

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/idemirror/mirror"
	"github.com/hazyhaar/idemirror/overlay"
	"github.com/hazyhaar/idemirror/snapshot"
	"github.com/hazyhaar/idemirror/wire"
)

var testMCPImpl = &mcp.Implementation{Name: "idemirror-test", Version: "0.1.0"}

type fakeControls struct {
	mu      sync.Mutex
	clicks  []int
	keys    []string
	mods    []wire.Modifiers
	chats   []string
	stops   int
	view    *mirror.View
	session *mirror.TypingSession
}

func (f *fakeControls) Click(_ context.Context, zoneIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, zoneIndex)
	return nil
}

func (f *fakeControls) PressKey(_ context.Context, key string, mods wire.Modifiers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.mods = append(f.mods, mods)
	return nil
}

func (f *fakeControls) SendChat(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, message)
	return nil
}

func (f *fakeControls) StopTyping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeControls) CurrentView() *mirror.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeControls) ActiveSession() (mirror.TypingSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return mirror.TypingSession{}, false
	}
	return *f.session, true
}

func testView() *mirror.View {
	root := &snapshot.ElementNode{
		TagName: "body",
		Children: []*snapshot.ElementNode{
			{TagName: "h1", TextContent: "Workbench"},
			{TagName: "div", ID: "editor", ClassNames: "monaco-editor", Interactive: true,
				Position: &snapshot.Rect{X: 0, Y: 0, Width: 600, Height: 400}},
		},
	}
	return &mirror.View{
		Snapshot: &snapshot.StateSnapshot{
			Title:    "Workbench",
			Viewport: snapshot.Viewport{Width: 1000, Height: 800},
			Root:     root,
		},
		Zones: overlay.Extract(root),
	}
}

func mcpSession(t *testing.T, fc *fakeControls) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	New(fc).RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func TestMCP_View(t *testing.T) {
	fc := &fakeControls{view: testView()}
	session := mcpSession(t, fc)

	text := mcpCallTool(t, session, "mirror_view", map[string]any{})

	var resp viewResp
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Title != "Workbench" || resp.ZoneCount != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Markdown == "" {
		t.Error("expected markdown rendering")
	}
}

func TestMCP_View_NoSnapshot(t *testing.T) {
	session := mcpSession(t, &fakeControls{})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "mirror_view",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Error("expected a tool error before the first snapshot")
	}
}

func TestMCP_Zones(t *testing.T) {
	fc := &fakeControls{view: testView()}
	session := mcpSession(t, fc)

	text := mcpCallTool(t, session, "mirror_zones", map[string]any{})

	var zones []zoneResp
	if err := json.Unmarshal([]byte(text), &zones); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(zones) != 1 {
		t.Fatalf("zones = %d, want 1", len(zones))
	}
	if zones[0].Index != 0 || zones[0].Selector != "#editor" || zones[0].Semantic != snapshot.SemanticEditor {
		t.Errorf("zones[0] = %+v", zones[0])
	}
}

func TestMCP_Click(t *testing.T) {
	fc := &fakeControls{view: testView()}
	session := mcpSession(t, fc)

	mcpCallTool(t, session, "mirror_click", map[string]any{"index": 0})

	if len(fc.clicks) != 1 || fc.clicks[0] != 0 {
		t.Errorf("clicks = %v", fc.clicks)
	}
}

func TestMCP_Key(t *testing.T) {
	fc := &fakeControls{view: testView()}
	session := mcpSession(t, fc)

	mcpCallTool(t, session, "mirror_key", map[string]any{"key": "s", "ctrl": true})

	if len(fc.keys) != 1 || fc.keys[0] != "s" {
		t.Fatalf("keys = %v", fc.keys)
	}
	if !fc.mods[0].Ctrl {
		t.Error("ctrl modifier not forwarded")
	}

	// Missing key is rejected at decode.
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "mirror_key",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing key")
	}
}

func TestMCP_Chat(t *testing.T) {
	fc := &fakeControls{}
	session := mcpSession(t, fc)

	mcpCallTool(t, session, "mirror_chat", map[string]any{"message": "run the tests"})

	if len(fc.chats) != 1 || fc.chats[0] != "run the tests" {
		t.Errorf("chats = %v", fc.chats)
	}
}

func TestMCP_StopTyping(t *testing.T) {
	fc := &fakeControls{}
	session := mcpSession(t, fc)

	text := mcpCallTool(t, session, "mirror_stop_typing", map[string]any{})

	if fc.stops != 1 {
		t.Errorf("stops = %d, want 1", fc.stops)
	}
	var resp struct {
		SessionActive bool `json:"sessionActive"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.SessionActive {
		t.Error("sessionActive = true, want false")
	}
}
