package overlay

import (
	"testing"

	"github.com/hazyhaar/idemirror/snapshot"
)

func rect(x, y, w, h float64) *snapshot.Rect {
	return &snapshot.Rect{X: x, Y: y, Width: w, Height: h}
}

func TestExtract_OnePerInteractivePositiveArea(t *testing.T) {
	root := &snapshot.ElementNode{
		TagName: "body",
		Children: []*snapshot.ElementNode{
			{TagName: "div", Interactive: true, Position: rect(0, 0, 100, 20), Semantic: snapshot.SemanticEditor},
			{TagName: "div", Interactive: true},                                   // unpositioned
			{TagName: "span", Interactive: true, Position: rect(5, 5, 0, 40)},     // zero width
			{TagName: "button", Interactive: false, Position: rect(1, 1, 10, 10)}, // not interactive
			{TagName: "textarea", Interactive: true, Position: rect(10, 30, 50, 10)},
		},
	}

	zones := Extract(root)
	if len(zones) != 2 {
		t.Fatalf("Extract: got %d zones, want 2", len(zones))
	}
	if zones[0].Semantic != snapshot.SemanticEditor {
		t.Errorf("zone[0] semantic: got %q, want editor", zones[0].Semantic)
	}
	if zones[1].Semantic != snapshot.SemanticInput {
		t.Errorf("zone[1] semantic: got %q, want input (textarea heuristic)", zones[1].Semantic)
	}
}

func TestExtract_PreOrderTraversalOrder(t *testing.T) {
	// Nested interactive nodes: parent before child, left subtree before right.
	root := &snapshot.ElementNode{
		TagName: "body", ID: "root",
		Children: []*snapshot.ElementNode{
			{
				TagName: "div", ID: "left", Interactive: true, Position: rect(0, 0, 10, 10),
				Children: []*snapshot.ElementNode{
					{TagName: "button", ID: "inner", Interactive: true, Position: rect(1, 1, 5, 5)},
				},
			},
			{TagName: "div", ID: "right", Interactive: true, Position: rect(20, 0, 10, 10)},
		},
	}

	zones := Extract(root)
	if len(zones) != 3 {
		t.Fatalf("Extract: got %d zones, want 3", len(zones))
	}
	want := []string{"#left", "#inner", "#right"}
	for i, sel := range want {
		if zones[i].Selector != sel {
			t.Errorf("zone[%d] selector: got %q, want %q", i, zones[i].Selector, sel)
		}
	}
}

func TestExtract_NoInteractiveNodes(t *testing.T) {
	root := &snapshot.ElementNode{
		TagName:  "body",
		Children: []*snapshot.ElementNode{{TagName: "p"}, {TagName: "div"}},
	}
	if zones := Extract(root); len(zones) != 0 {
		t.Fatalf("Extract: got %d zones for non-interactive tree, want 0", len(zones))
	}
}

func TestExtract_SelectorPathWithoutID(t *testing.T) {
	root := &snapshot.ElementNode{
		TagName: "body",
		Children: []*snapshot.ElementNode{
			{TagName: "div"},
			{TagName: "div", Children: []*snapshot.ElementNode{
				{TagName: "textarea", Interactive: true, Position: rect(0, 0, 10, 10)},
			}},
		},
	}
	zones := Extract(root)
	if len(zones) != 1 {
		t.Fatalf("Extract: got %d zones, want 1", len(zones))
	}
	want := "/body[0]/div[1]/textarea[0]"
	if zones[0].Selector != want {
		t.Errorf("selector: got %q, want %q", zones[0].Selector, want)
	}
}

func TestInferSemantic(t *testing.T) {
	cases := []struct {
		tag, class string
		want       snapshot.SemanticType
	}{
		{"div", "monaco-editor focused", snapshot.SemanticEditor},
		{"div", "chat-composer", snapshot.SemanticChat},
		{"div", "xterm-viewport", snapshot.SemanticTerminal},
		{"input", "", snapshot.SemanticInput},
		{"textarea", "", snapshot.SemanticInput},
		{"div", "toolbar", snapshot.SemanticUnknown},
		// editor hint wins over chat hint: ordered heuristics.
		{"div", "chat-editor", snapshot.SemanticEditor},
	}
	for _, c := range cases {
		if got := InferSemantic(c.tag, c.class); got != c.want {
			t.Errorf("InferSemantic(%q, %q): got %q, want %q", c.tag, c.class, got, c.want)
		}
	}
}

func TestRescale_PerAxis(t *testing.T) {
	zones := []Zone{
		{Geometry: snapshot.Rect{X: 100, Y: 100, Width: 200, Height: 50}},
		{Geometry: snapshot.Rect{X: 0, Y: 800, Width: 1000, Height: 10}},
	}
	captured := snapshot.Viewport{Width: 1000, Height: 800}

	Rescale(zones, captured, Size{Width: 500, Height: 400})

	want0 := snapshot.Rect{X: 50, Y: 50, Width: 100, Height: 25}
	if zones[0].Geometry != want0 {
		t.Errorf("zone[0]: got %+v, want %+v", zones[0].Geometry, want0)
	}
	want1 := snapshot.Rect{X: 0, Y: 400, Width: 500, Height: 5}
	if zones[1].Geometry != want1 {
		t.Errorf("zone[1]: got %+v, want %+v", zones[1].Geometry, want1)
	}
}

func TestRescale_ZeroRenderedIsNoop(t *testing.T) {
	orig := snapshot.Rect{X: 10, Y: 20, Width: 30, Height: 40}
	zones := []Zone{{Geometry: orig}}
	captured := snapshot.Viewport{Width: 1000, Height: 800}

	Rescale(zones, captured, Size{Width: 0, Height: 400})
	Rescale(zones, captured, Size{Width: 500, Height: 0})
	Rescale(zones, snapshot.Viewport{}, Size{Width: 500, Height: 400})

	if zones[0].Geometry != orig {
		t.Errorf("geometry changed on degenerate rescale: got %+v, want %+v", zones[0].Geometry, orig)
	}
}

func TestToViewport_Inverse(t *testing.T) {
	captured := snapshot.Viewport{Width: 1000, Height: 800}
	rendered := Size{Width: 500, Height: 400}

	x, y, ok := ToViewport(50, 50, captured, rendered)
	if !ok {
		t.Fatal("ToViewport: unexpected degenerate result")
	}
	if x != 100 || y != 100 {
		t.Errorf("ToViewport: got (%v,%v), want (100,100)", x, y)
	}

	if _, _, ok := ToViewport(1, 1, captured, Size{}); ok {
		t.Error("ToViewport: expected ok=false for zero rendered size")
	}
}
