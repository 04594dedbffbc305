package snapshot

// SemanticType classifies what kind of interactive region an element is.
type SemanticType string

const (
	SemanticEditor   SemanticType = "editor"
	SemanticChat     SemanticType = "chat"
	SemanticTerminal SemanticType = "terminal"
	SemanticInput    SemanticType = "input"
	SemanticUnknown  SemanticType = "unknown"
)

// Valid reports whether t is one of the known semantic types.
func (t SemanticType) Valid() bool {
	switch t {
	case SemanticEditor, SemanticChat, SemanticTerminal, SemanticInput, SemanticUnknown:
		return true
	}
	return false
}

// ElementNode is one node of the recursive element tree. Nodes are owned
// exclusively by their parent snapshot: no back-references, created fresh on
// every snapshot, discarded in full when the next one arrives.
type ElementNode struct {
	TagName    string `json:"tagName,omitempty"`
	ID         string `json:"id,omitempty"`
	ClassNames string `json:"classNames,omitempty"`
	// TextContent is display-only; sanitized and truncated at decode time.
	TextContent string `json:"textContent,omitempty"`
	// Position is nil when the element was not laid out at capture time.
	Position    *Rect          `json:"position,omitempty"`
	Interactive bool           `json:"isInteractive,omitempty"`
	Semantic    SemanticType   `json:"semanticType,omitempty"`
	Children    []*ElementNode `json:"children,omitempty"`
}

// Walk visits n and its descendants in depth-first pre-order. Returning
// false from visit stops the walk.
func (n *ElementNode) Walk(visit func(*ElementNode) bool) bool {
	if n == nil {
		return true
	}
	if !visit(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(visit) {
			return false
		}
	}
	return true
}

// Count returns the number of nodes in the tree rooted at n.
func (n *ElementNode) Count() int {
	total := 0
	n.Walk(func(*ElementNode) bool {
		total++
		return true
	})
	return total
}
