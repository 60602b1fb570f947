package trace

import "math"

// BoundingBox is an element's position and size in page coordinates,
// snapshotted at capture time.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CenterX returns the x coordinate of the box center.
func (b BoundingBox) CenterX() float64 { return b.X + b.Width/2 }

// CenterY returns the y coordinate of the box center.
func (b BoundingBox) CenterY() float64 { return b.Y + b.Height/2 }

// CenterDistance returns the distance between the centers of two boxes.
func (b BoundingBox) CenterDistance(other BoundingBox) float64 {
	dx := b.CenterX() - other.CenterX()
	dy := b.CenterY() - other.CenterY()
	return math.Hypot(dx, dy)
}

// ElementDescriptor is a multi-strategy fingerprint of a DOM element,
// captured at interaction time and used to re-locate the element during
// replay after the page may have drifted.
type ElementDescriptor struct {
	// Candidates are selector strings in decreasing order of prior
	// confidence: id-based, then stable-attribute, then structural path,
	// then bare tag name. Never empty; the tag-name fallback is always
	// appended at capture time.
	Candidates []string `json:"candidates"`

	// TagName is the element's lower-cased tag, used by the fuzzy
	// matching passes.
	TagName string `json:"tagName"`

	// Attributes snapshots the element's attributes for similarity
	// scoring. Not used for lookup.
	Attributes map[string]string `json:"attributes,omitempty"`

	// TextContent is the visible text at capture time, used as a
	// matching signal when no candidate selector resolves.
	TextContent string `json:"textContent,omitempty"`

	// BoundingBox is the last-resort proximity signal.
	BoundingBox BoundingBox `json:"boundingBox"`
}
