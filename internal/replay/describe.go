package replay

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"retrace/internal/page"
	"retrace/internal/trace"
)

// stableAttrs are attributes that tend to survive re-renders, in the
// order they are preferred for selector generation.
var stableAttrs = []string{"data-testid", "name", "type", "aria-label"}

var validIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Describe produces an ElementDescriptor for an element at the instant
// of interaction. It is a pure read of the page: id selector first when
// the element has a usable id, then a stable-attribute selector, then a
// structural path anchored at the nearest ancestor with an id, and
// always a bare tag-name fallback.
func Describe(ctx context.Context, p page.Inspector, el page.Element) (*trace.ElementDescriptor, error) {
	tag := strings.ToLower(el.TagName)
	desc := &trace.ElementDescriptor{
		TagName:     tag,
		Attributes:  el.Attributes,
		TextContent: el.TextContent,
	}

	if id := el.Attr("id"); validIDPattern.MatchString(id) {
		desc.Candidates = append(desc.Candidates, "#"+id)
	}

	for _, name := range stableAttrs {
		if v := el.Attr(name); v != "" {
			desc.Candidates = append(desc.Candidates, fmt.Sprintf("%s[%s=%q]", tag, name, v))
			break
		}
	}

	path, err := ancestorPath(ctx, p, el)
	if err != nil {
		return nil, err
	}
	if path != "" {
		desc.Candidates = append(desc.Candidates, path)
	}

	desc.Candidates = append(desc.Candidates, tag)

	box, err := p.BoundingBox(ctx, el)
	if err != nil {
		return nil, fmt.Errorf("snapshotting bounding box: %w", err)
	}
	desc.BoundingBox = box

	return desc, nil
}

// ancestorPath walks from the element toward the document root, emitting
// tag:nth-of-type(k) segments where same-tag siblings exist. The walk
// stops at the nearest ancestor with a valid id, which becomes the path
// anchor.
func ancestorPath(ctx context.Context, p page.Inspector, el page.Element) (string, error) {
	var segments []string

	current := el
	for {
		seg := strings.ToLower(current.TagName)
		index, total, err := p.TypeIndex(ctx, current)
		if err != nil {
			return "", fmt.Errorf("positioning %s: %w", seg, err)
		}
		if total > 1 {
			seg = fmt.Sprintf("%s:nth-of-type(%d)", seg, index)
		}
		segments = append(segments, seg)

		parent, ok, err := p.Parent(ctx, current)
		if err != nil {
			return "", fmt.Errorf("walking to parent of %s: %w", seg, err)
		}
		if !ok {
			break
		}
		if id := parent.Attr("id"); validIDPattern.MatchString(id) {
			segments = append(segments, "#"+id)
			break
		}
		current = parent
	}

	if len(segments) < 2 {
		// A path of just the element itself adds nothing over the
		// tag-name fallback.
		return "", nil
	}

	// Segments were collected leaf-first.
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, " > "), nil
}
