// Package page defines the DOM boundary the replay engine works against.
// The engine never touches a browser directly; everything it needs from a
// live page goes through the Page interface, so the same engine runs
// against Chrome over the DevTools Protocol or against an in-memory DOM
// in tests.
package page

import (
	"context"

	"retrace/internal/trace"
)

// Element is a snapshot of a DOM element taken when it was found. Ref is
// an opaque backend handle; the snapshot fields are stable for the
// lifetime of the handle but say nothing about the live element, which
// must be re-probed through the Page.
type Element struct {
	Ref         int               `json:"ref"`
	TagName     string            `json:"tagName"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
}

// Attr returns the snapshotted value of an attribute, or "" if absent.
func (e Element) Attr(name string) string {
	return e.Attributes[name]
}

// Page is a live document the engine can probe and drive. All methods
// read or mutate current page state; none of them wait.
type Page interface {
	// QueryAll returns snapshots of every element matching the
	// selector, in document order. An unmatched selector returns an
	// empty slice, not an error; errors are reserved for transport or
	// syntax failures.
	QueryAll(ctx context.Context, selector string) ([]Element, error)

	// BoundingBox returns the element's current position and size.
	BoundingBox(ctx context.Context, el Element) (trace.BoundingBox, error)

	// IsVisible reports whether the element has a non-zero rendered
	// size and is not hidden via styling.
	IsVisible(ctx context.Context, el Element) (bool, error)

	// IsEnabled reports whether the element accepts interaction (not
	// disabled).
	IsEnabled(ctx context.Context, el Element) (bool, error)

	// IsHitTarget reports whether a pointer event at the element's
	// center would reach the element or one of its descendants, i.e.
	// that no overlay intercepts it.
	IsHitTarget(ctx context.Context, el Element) (bool, error)

	// MutationStamp returns a counter that increases whenever a DOM
	// mutation is observed. Two equal reads spanning a quiet window
	// mean the document held still.
	MutationStamp(ctx context.Context) (uint64, error)

	// Click dispatches a pointer press/release/click sequence at page
	// coordinates with the given button ("left", "middle", "right").
	Click(ctx context.Context, x, y float64, button string) error

	// SetValue assigns the element's value and dispatches input and
	// change events so framework listeners observe the update.
	SetValue(ctx context.Context, el Element, value string) error

	// DispatchKey dispatches a keyDown (down=true) or keyUp event
	// carrying the key identifier and modifier flags.
	DispatchKey(ctx context.Context, down bool, key trace.KeyPayload) error

	// ScrollBy scrolls the nearest scrollable ancestor of el by the
	// given delta, or the document when el is nil.
	ScrollBy(ctx context.Context, el *Element, dx, dy float64) error

	// URL returns the page's current location.
	URL(ctx context.Context) (string, error)
}

// Inspector extends Page with the structural probes selector capture
// needs: walking ancestors and positioning an element among its
// same-tag siblings.
type Inspector interface {
	Page

	// Parent returns the element's parent, or ok=false at the
	// document root.
	Parent(ctx context.Context, el Element) (parent Element, ok bool, err error)

	// TypeIndex returns the element's 1-based position among siblings
	// of the same tag, and how many such siblings there are.
	TypeIndex(ctx context.Context, el Element) (index, total int, err error)
}
