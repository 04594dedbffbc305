// Package overlay derives clickable interaction zones from a snapshot's
// element tree and keeps their geometry aligned with the rendered surface.
//
// Both operations are pure functions over their inputs: they hold no shared
// state and are safe to re-invoke on every snapshot and every resize without
// synchronization. Zone order is the pre-order traversal order of the tree
// and is stable for the lifetime of one snapshot, so geometry updates can be
// index-aligned with the extraction pass.
package overlay

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/idemirror/snapshot"
)

// Zone is a rectangular clickable region derived from one interactive
// element. Geometry starts in capture-viewport coordinates and is rewritten
// in place by Rescale.
type Zone struct {
	Selector string                `json:"selector"`
	Geometry snapshot.Rect         `json:"geometry"`
	Semantic snapshot.SemanticType `json:"semanticType"`
}

// Extract walks the element tree depth-first pre-order and emits one Zone
// per interactive node with a positive-area position. Zero-area or
// unpositioned interactive nodes (hidden by layout) are silently skipped.
// Overlapping zones are permitted; click resolution is by render z-order,
// not here.
func Extract(root *snapshot.ElementNode) []Zone {
	var zones []Zone
	extractInto(root, "", 0, &zones)
	return zones
}

func extractInto(n *snapshot.ElementNode, parentPath string, siblingIdx int, out *[]Zone) {
	if n == nil {
		return
	}
	path := segment(n, parentPath, siblingIdx)

	if n.Interactive && n.Position != nil && n.Position.Width > 0 && n.Position.Height > 0 {
		*out = append(*out, Zone{
			Selector: path,
			Geometry: *n.Position,
			Semantic: semanticOf(n),
		})
	}

	for i, c := range n.Children {
		extractInto(c, path, i, out)
	}
}

// segment builds a best-effort stable selector. An element ID anchors the
// path absolutely; otherwise the tag name with its sibling index is appended
// to the parent path.
func segment(n *snapshot.ElementNode, parentPath string, siblingIdx int) string {
	if n.ID != "" {
		return "#" + n.ID
	}
	tag := n.TagName
	if tag == "" {
		tag = "div"
	}
	return fmt.Sprintf("%s/%s[%d]", parentPath, tag, siblingIdx)
}

// semanticOf returns the node's own semantic type when present, falling back
// to class/tag heuristics. The heuristic order matters: editor-like names
// win over chat-like names, which win over terminal-like names.
func semanticOf(n *snapshot.ElementNode) snapshot.SemanticType {
	if n.Semantic != "" && n.Semantic != snapshot.SemanticUnknown {
		return n.Semantic
	}
	return InferSemantic(n.TagName, n.ClassNames)
}

var semanticHints = []struct {
	semantic snapshot.SemanticType
	needles  []string
}{
	{snapshot.SemanticEditor, []string{"monaco", "editor", "cm-content", "cm-editor", "code-area"}},
	{snapshot.SemanticChat, []string{"chat", "composer", "message", "send"}},
	{snapshot.SemanticTerminal, []string{"terminal", "xterm", "console"}},
}

// InferSemantic classifies an element from its tag and class attribute.
func InferSemantic(tagName, classNames string) snapshot.SemanticType {
	haystack := strings.ToLower(classNames)
	for _, h := range semanticHints {
		for _, needle := range h.needles {
			if strings.Contains(haystack, needle) {
				return h.semantic
			}
		}
	}
	switch strings.ToLower(tagName) {
	case "input", "textarea":
		return snapshot.SemanticInput
	}
	return snapshot.SemanticUnknown
}
