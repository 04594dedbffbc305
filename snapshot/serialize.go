package snapshot

import (
	"encoding/json"
	"fmt"
)

// Marshal serialises a StateSnapshot to JSON.
func Marshal(s *StateSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal deserialises a StateSnapshot from JSON and normalises it:
// TextContent is sanitized and truncated, and unknown semantic types are
// coerced to SemanticUnknown. A snapshot without a root tree is rejected.
func Unmarshal(data []byte) (*StateSnapshot, error) {
	var s StateSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	if s.Root == nil {
		return nil, fmt.Errorf("snapshot: missing root element tree")
	}
	Normalize(&s)
	return &s, nil
}

// Normalize sanitizes display text and coerces unknown semantic types in
// place. Unmarshal applies it automatically; callers decoding snapshots by
// other means (embedded in a larger response) apply it themselves.
func Normalize(s *StateSnapshot) {
	if s == nil || s.Root == nil {
		return
	}
	s.Title = CleanText(s.Title)
	s.Root.Walk(func(n *ElementNode) bool {
		n.TextContent = CleanText(n.TextContent)
		if n.Semantic == "" || !n.Semantic.Valid() {
			n.Semantic = SemanticUnknown
		}
		return true
	})
}
