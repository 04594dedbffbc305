package overlay

import "github.com/hazyhaar/idemirror/snapshot"

// Size is the on-screen pixel size of the rendering surface.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rescale recomputes zone geometry from the captured viewport to the
// currently rendered size, mutating zones in place. Scale factors are
// independent per axis, so aspect-ratio changes between capture and render
// are handled correctly.
//
// A zero-sized rendered surface (image not yet laid out) or a zero-sized
// captured viewport makes the call a no-op: a benign, retryable condition
// that the next resize event resolves, never an error and never NaN
// geometry.
func Rescale(zones []Zone, captured snapshot.Viewport, rendered Size) {
	if rendered.Width <= 0 || rendered.Height <= 0 {
		return
	}
	if captured.Width <= 0 || captured.Height <= 0 {
		return
	}

	scaleX := rendered.Width / captured.Width
	scaleY := rendered.Height / captured.Height

	for i := range zones {
		g := &zones[i].Geometry
		g.X *= scaleX
		g.Y *= scaleY
		g.Width *= scaleX
		g.Height *= scaleY
	}
}

// ToViewport maps a point in rendered-surface coordinates back into the
// captured viewport's coordinate space: the inverse of Rescale for click
// relay. Returns false when either space is degenerate.
func ToViewport(x, y float64, captured snapshot.Viewport, rendered Size) (float64, float64, bool) {
	if rendered.Width <= 0 || rendered.Height <= 0 || captured.Width <= 0 || captured.Height <= 0 {
		return 0, 0, false
	}
	return x * captured.Width / rendered.Width, y * captured.Height / rendered.Height, true
}
