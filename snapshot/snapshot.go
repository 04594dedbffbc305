// Package snapshot defines the typed representation of one remote-IDE
// observation: a screenshot, a recursive element tree, stylesheet fragments,
// and viewport metadata. These are the public API contract: the transport
// decodes into these types and every downstream consumer (overlay, mirror,
// surfaces) reads them.
//
// A StateSnapshot is immutable once decoded. A newly arrived snapshot fully
// supersedes the previous one; nothing is patched incrementally.
package snapshot

// Viewport is the coordinate space every Position under Root is expressed
// in. It reflects the remote viewport at capture time and is never
// retroactively rescaled — rescaling happens at render time in overlay.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is an axis-aligned rectangle in viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// StyleFragments carries the stylesheet sources observed with the snapshot:
// inline <style> contents and external stylesheet URLs.
type StyleFragments struct {
	Inline   []string `json:"inline,omitempty"`
	External []string `json:"external,omitempty"`
}

// StateSnapshot is one full observation of the remote IDE.
type StateSnapshot struct {
	Title        string `json:"title"`
	SourcePortID int    `json:"sourcePortId"`
	// Screenshot is the captured image (PNG bytes, base64 on the wire).
	// Empty means visual mirroring is inactive and consumers fall back to
	// structural rendering of the element tree.
	Screenshot []byte         `json:"screenshot,omitempty"`
	Viewport   Viewport       `json:"viewport"`
	Root       *ElementNode   `json:"root"`
	Styles     StyleFragments `json:"styleFragments"`
}

// HasScreenshot reports whether visual mirroring is active for this
// snapshot.
func (s *StateSnapshot) HasScreenshot() bool {
	return len(s.Screenshot) > 0
}
