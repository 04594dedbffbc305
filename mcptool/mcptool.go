// Package mcptool exposes the mirror session as MCP tools, so an agent can
// read the IDE state and drive it through the same controller the web
// surface uses.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/idemirror/kit"
	"github.com/hazyhaar/idemirror/mirror"
	"github.com/hazyhaar/idemirror/overlay"
	"github.com/hazyhaar/idemirror/snapshot"
	"github.com/hazyhaar/idemirror/wire"
)

// Controls is the controller API the tools need.
type Controls interface {
	Click(ctx context.Context, zoneIndex int) error
	PressKey(ctx context.Context, key string, mods wire.Modifiers) error
	SendChat(ctx context.Context, message string) error
	StopTyping(ctx context.Context) error
	CurrentView() *mirror.View
	ActiveSession() (mirror.TypingSession, bool)
}

// Tools binds the mirror controller to MCP.
type Tools struct {
	controls Controls
}

// New creates the tool set.
func New(controls Controls) *Tools {
	return &Tools{controls: controls}
}

// RegisterMCP adds all mirror tools to the server.
func (t *Tools) RegisterMCP(srv *mcp.Server) {
	t.registerViewTool(srv)
	t.registerZonesTool(srv)
	t.registerClickTool(srv)
	t.registerKeyTool(srv)
	t.registerChatTool(srv)
	t.registerStopTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func enrich(ctx context.Context) context.Context {
	return kit.WithTransport(ctx, "mcp")
}

// --- view ---

type viewResp struct {
	Title     string            `json:"title"`
	Viewport  snapshot.Viewport `json:"viewport"`
	ZoneCount int               `json:"zoneCount"`
	Markdown  string            `json:"markdown"`
}

func (t *Tools) registerViewTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_view",
		Description: "Read the current IDE state: title, viewport and a markdown rendering of the visible content.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		view := t.controls.CurrentView()
		if view == nil {
			return nil, fmt.Errorf("no snapshot received yet")
		}
		md, err := snapshot.RenderMarkdown(view.Snapshot.Root)
		if err != nil {
			return nil, err
		}
		return &viewResp{
			Title:     view.Snapshot.Title,
			Viewport:  view.Snapshot.Viewport,
			ZoneCount: len(view.Zones),
			Markdown:  md,
		}, nil
	}

	decode := func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: enrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- zones ---

type zoneResp struct {
	Index    int                   `json:"index"`
	Selector string                `json:"selector"`
	Geometry snapshot.Rect         `json:"geometry"`
	Semantic snapshot.SemanticType `json:"semanticType"`
}

func (t *Tools) registerZonesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_zones",
		Description: "List the clickable zones of the current IDE state, with their index, selector and semantic type.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		view := t.controls.CurrentView()
		if view == nil {
			return nil, fmt.Errorf("no snapshot received yet")
		}
		return zoneList(view.Zones), nil
	}

	decode := func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: enrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func zoneList(zones []overlay.Zone) []zoneResp {
	out := make([]zoneResp, len(zones))
	for i, z := range zones {
		out[i] = zoneResp{Index: i, Selector: z.Selector, Geometry: z.Geometry, Semantic: z.Semantic}
	}
	return out
}

// --- click ---

type clickReq struct {
	Index int `json:"index"`
}

func (t *Tools) registerClickTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_click",
		Description: "Click a zone by its index from mirror_zones. Clicking an editable zone starts a typing session once the next snapshot confirms it.",
		InputSchema: inputSchema(map[string]any{
			"index": map[string]any{"type": "integer", "description": "Zone index"},
		}, []string{"index"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*clickReq)
		if err := t.controls.Click(ctx, r.Index); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r clickReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- key ---

type keyReq struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`
	Meta  bool   `json:"meta"`
}

func (t *Tools) registerKeyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_key",
		Description: "Send a keystroke to the active typing session. Single characters batch; named keys (Enter, Escape, Backspace) send immediately.",
		InputSchema: inputSchema(map[string]any{
			"key":   map[string]any{"type": "string", "description": "Character or key name"},
			"ctrl":  map[string]any{"type": "boolean"},
			"shift": map[string]any{"type": "boolean"},
			"alt":   map[string]any{"type": "boolean"},
			"meta":  map[string]any{"type": "boolean"},
		}, []string{"key"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*keyReq)
		mods := wire.Modifiers{Ctrl: r.Ctrl, Shift: r.Shift, Alt: r.Alt, Meta: r.Meta}
		if err := t.controls.PressKey(ctx, r.Key, mods); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r keyReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.Key == "" {
			return nil, fmt.Errorf("key is required")
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- chat ---

type chatReq struct {
	Message string `json:"message"`
}

func (t *Tools) registerChatTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_chat",
		Description: "Submit a message to the IDE's chat composer in one shot.",
		InputSchema: inputSchema(map[string]any{
			"message": map[string]any{"type": "string", "description": "Message text"},
		}, []string{"message"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*chatReq)
		if err := t.controls.SendChat(ctx, r.Message); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r chatReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.Message == "" {
			return nil, fmt.Errorf("message is required")
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: enrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- stop ---

func (t *Tools) registerStopTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "mirror_stop_typing",
		Description: "Flush pending keystrokes and end the active typing session.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		if err := t.controls.StopTyping(ctx); err != nil {
			return nil, err
		}
		sessionActive := false
		if _, ok := t.controls.ActiveSession(); ok {
			sessionActive = true
		}
		return map[string]any{"status": "ok", "sessionActive": sessionActive}, nil
	}

	decode := func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil, EnrichCtx: enrich}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
