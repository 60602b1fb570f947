// Package domtest provides an in-memory DOM implementing page.Inspector,
// so the replay engine can be exercised without a browser. The selector
// engine covers exactly the grammar the descriptor generator emits: #id,
// bare tags, tag[attr="value"], and child-combinator paths with
// :nth-of-type.
package domtest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"retrace/internal/page"
	"retrace/internal/trace"
)

// ErrStale is returned when an element handle no longer resolves to a
// node in the tree.
var ErrStale = errors.New("stale element reference")

// Node is one element in the fake document.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Text     string
	Box      trace.BoundingBox
	Hidden   bool
	Covered  bool
	Value    string
	Scrolls  bool // node is a scroll container
	Children []*Node

	parent *Node
	ref    int
}

// El builds a node.
func El(tag string, attrs map[string]string, children ...*Node) *Node {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &Node{Tag: strings.ToLower(tag), Attrs: attrs, Children: children}
}

// Click records one dispatched click.
type Click struct {
	X, Y   float64
	Button string
}

// KeyEvent records one dispatched keyboard event.
type KeyEvent struct {
	Down bool
	Key  trace.KeyPayload
}

// ScrollEvent records one scroll dispatch. Ref is -1 for document
// scrolls.
type ScrollEvent struct {
	Ref    int
	DX, DY float64
}

// ValueEvent records one SetValue dispatch.
type ValueEvent struct {
	Ref   int
	Value string
}

// DOM is an in-memory document implementing page.Inspector. Dispatched
// interactions are recorded for assertions instead of having effects.
type DOM struct {
	mu        sync.Mutex
	root      *Node
	location  string
	mutations uint64
	nextRef   int
	byRef     map[int]*Node

	Clicks  []Click
	Keys    []KeyEvent
	Scrolls []ScrollEvent
	Values  []ValueEvent

	// Injected dispatch failures.
	ClickErr    error
	SetValueErr error
}

// New builds a DOM rooted at root, reporting the given location.
func New(root *Node, location string) *DOM {
	d := &DOM{root: root, location: location, byRef: map[int]*Node{}}
	d.index(root, nil)
	return d
}

func (d *DOM) index(n *Node, parent *Node) {
	n.parent = parent
	if n.ref == 0 {
		d.nextRef++
		n.ref = d.nextRef
	}
	d.byRef[n.ref] = n
	for _, c := range n.Children {
		d.index(c, n)
	}
}

// Apply runs a tree mutation under the lock, reindexes, and bumps the
// mutation stamp. Handles to removed nodes become stale.
func (d *DOM) Apply(fn func(root *Node)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d.root)
	d.byRef = map[int]*Node{}
	d.index(d.root, nil)
	d.mutations++
}

// Bump registers a mutation without changing the tree.
func (d *DOM) Bump() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutations++
}

// SetLocation changes the reported page URL.
func (d *DOM) SetLocation(u string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.location = u
}

// FindByID returns the node with the given id attribute, or nil.
func (d *DOM) FindByID(id string) *Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found *Node
	walk(d.root, func(n *Node) {
		if found == nil && n.Attrs["id"] == id {
			found = n
		}
	})
	return found
}

// Ref exposes a node's element handle for assertions.
func (d *DOM) Ref(n *Node) int { return n.ref }

func walk(n *Node, fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		walk(c, fn)
	}
}

func (d *DOM) node(el page.Element) (*Node, error) {
	n, ok := d.byRef[el.Ref]
	if !ok {
		return nil, fmt.Errorf("%w: ref %d", ErrStale, el.Ref)
	}
	return n, nil
}

func snapshot(n *Node) page.Element {
	attrs := make(map[string]string, len(n.Attrs))
	for k, v := range n.Attrs {
		attrs[k] = v
	}
	return page.Element{
		Ref:         n.ref,
		TagName:     n.Tag,
		Attributes:  attrs,
		TextContent: textContent(n),
	}
}

func textContent(n *Node) string {
	parts := []string{}
	walk(n, func(c *Node) {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, " ")
}

// QueryAll evaluates a selector over the tree in document order.
func (d *DOM) QueryAll(_ context.Context, selector string) ([]page.Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	segs, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}

	var out []page.Element
	walk(d.root, func(n *Node) {
		if matchPath(n, segs) {
			out = append(out, snapshot(n))
		}
	})
	return out, nil
}

func (d *DOM) BoundingBox(_ context.Context, el page.Element) (trace.BoundingBox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return trace.BoundingBox{}, err
	}
	return n.Box, nil
}

func (d *DOM) IsVisible(_ context.Context, el page.Element) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return false, err
	}
	for c := n; c != nil; c = c.parent {
		if c.Hidden {
			return false, nil
		}
	}
	return n.Box.Width > 0 && n.Box.Height > 0, nil
}

func (d *DOM) IsEnabled(_ context.Context, el page.Element) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return false, err
	}
	_, disabled := n.Attrs["disabled"]
	return !disabled, nil
}

func (d *DOM) IsHitTarget(_ context.Context, el page.Element) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return false, err
	}
	return !n.Covered, nil
}

func (d *DOM) MutationStamp(_ context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mutations, nil
}

func (d *DOM) Click(_ context.Context, x, y float64, button string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ClickErr != nil {
		return d.ClickErr
	}
	d.Clicks = append(d.Clicks, Click{X: x, Y: y, Button: button})
	return nil
}

func (d *DOM) SetValue(_ context.Context, el page.Element, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SetValueErr != nil {
		return d.SetValueErr
	}
	n, err := d.node(el)
	if err != nil {
		return err
	}
	n.Value = value
	d.Values = append(d.Values, ValueEvent{Ref: n.ref, Value: value})
	d.mutations++
	return nil
}

func (d *DOM) DispatchKey(_ context.Context, down bool, key trace.KeyPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Keys = append(d.Keys, KeyEvent{Down: down, Key: key})
	return nil
}

func (d *DOM) ScrollBy(_ context.Context, el *page.Element, dx, dy float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref := -1
	if el != nil {
		n, err := d.node(*el)
		if err != nil {
			return err
		}
		for c := n; c != nil; c = c.parent {
			if c.Scrolls {
				ref = c.ref
				break
			}
		}
	}
	d.Scrolls = append(d.Scrolls, ScrollEvent{Ref: ref, DX: dx, DY: dy})
	return nil
}

func (d *DOM) URL(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.location, nil
}

func (d *DOM) Parent(_ context.Context, el page.Element) (page.Element, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return page.Element{}, false, err
	}
	if n.parent == nil {
		return page.Element{}, false, nil
	}
	return snapshot(n.parent), true, nil
}

func (d *DOM) TypeIndex(_ context.Context, el page.Element) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.node(el)
	if err != nil {
		return 0, 0, err
	}
	return typeIndex(n)
}

func typeIndex(n *Node) (int, int, error) {
	if n.parent == nil {
		return 1, 1, nil
	}
	index, total := 0, 0
	for _, sib := range n.parent.Children {
		if sib.Tag == n.Tag {
			total++
			if sib == n {
				index = total
			}
		}
	}
	return index, total, nil
}

// Selector grammar.

type segment struct {
	id        string
	tag       string
	attrName  string
	attrValue string
	nth       int
}

var segmentPattern = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9-]*)(?:\[([a-zA-Z-]+)="([^"]*)"\])?(?::nth-of-type\((\d+)\))?$`)
var idSegmentPattern = regexp.MustCompile(`^#([A-Za-z][A-Za-z0-9_-]*)$`)

func parseSelector(s string) ([]segment, error) {
	parts := strings.Split(s, " > ")
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if m := idSegmentPattern.FindStringSubmatch(part); m != nil {
			segs = append(segs, segment{id: m[1]})
			continue
		}
		m := segmentPattern.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("unsupported selector %q", s)
		}
		seg := segment{tag: strings.ToLower(m[1]), attrName: m[2], attrValue: m[3]}
		if m[4] != "" {
			fmt.Sscanf(m[4], "%d", &seg.nth)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func matchPath(n *Node, segs []segment) bool {
	if !matchSegment(n, segs[len(segs)-1]) {
		return false
	}
	current := n
	for i := len(segs) - 2; i >= 0; i-- {
		current = current.parent
		if current == nil || !matchSegment(current, segs[i]) {
			return false
		}
	}
	return true
}

func matchSegment(n *Node, seg segment) bool {
	if seg.id != "" {
		return n.Attrs["id"] == seg.id
	}
	if n.Tag != seg.tag {
		return false
	}
	if seg.attrName != "" && n.Attrs[seg.attrName] != seg.attrValue {
		return false
	}
	if seg.nth > 0 {
		index, _, _ := typeIndex(n)
		if index != seg.nth {
			return false
		}
	}
	return true
}
