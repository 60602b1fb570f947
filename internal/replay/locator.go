package replay

import (
	"context"
	"fmt"
	"strings"

	"retrace/internal/page"
	"retrace/internal/trace"
)

// Confidence levels assigned by the locator strategies, from an exact
// unique candidate match down to the proximity fallback.
const (
	ConfidenceExact     = 1.0
	ConfidenceNearest   = 0.8
	ConfidenceText      = 0.6
	ConfidenceProximity = 0.4
)

// DefaultProximityThreshold is the maximum center distance, in pixels at
// capture-time viewport scale, for the proximity fallback.
const DefaultProximityThreshold = 50.0

// Match is a located element with the confidence that it is the
// originally recorded one.
type Match struct {
	Element    page.Element
	Confidence float64
	// Strategy names the pass that produced the match: "candidate",
	// "text", or "proximity".
	Strategy string
	// Selector is the candidate that hit, when Strategy is "candidate".
	Selector string
}

// Locator resolves element descriptors against a live page, tolerating
// drift since capture by degrading from exact selector hits to fuzzy
// text and proximity matches.
type Locator struct {
	page               page.Page
	proximityThreshold float64
}

// NewLocator returns a Locator over p with the default proximity
// threshold.
func NewLocator(p page.Page) *Locator {
	return &Locator{page: p, proximityThreshold: DefaultProximityThreshold}
}

// Locate resolves a descriptor to a live element. Strategies run in
// strict order and the first success wins. Failure returns a StepError
// of kind not_found carrying the attempted candidates and the score of
// the closest non-matching element.
func (l *Locator) Locate(ctx context.Context, desc *trace.ElementDescriptor) (*Match, error) {
	for _, selector := range desc.Candidates {
		els, err := l.page.QueryAll(ctx, selector)
		if err != nil {
			return nil, fmt.Errorf("querying %q: %w", selector, err)
		}
		switch {
		case len(els) == 1:
			return &Match{Element: els[0], Confidence: ConfidenceExact, Strategy: "candidate", Selector: selector}, nil
		case len(els) > 1:
			el, err := l.nearest(ctx, els, desc.BoundingBox)
			if err != nil {
				return nil, err
			}
			return &Match{Element: el, Confidence: ConfidenceNearest, Strategy: "candidate", Selector: selector}, nil
		}
	}

	sameTag, err := l.page.QueryAll(ctx, desc.TagName)
	if err != nil {
		return nil, fmt.Errorf("querying tag %q: %w", desc.TagName, err)
	}

	if text := strings.TrimSpace(desc.TextContent); text != "" {
		for _, el := range sameTag {
			if strings.TrimSpace(el.TextContent) == text {
				return &Match{Element: el, Confidence: ConfidenceText, Strategy: "text"}, nil
			}
		}
	}

	var nearMiss float64
	bestDistance := -1.0
	for _, el := range sameTag {
		box, err := l.page.BoundingBox(ctx, el)
		if err != nil {
			return nil, fmt.Errorf("probing box: %w", err)
		}
		d := box.CenterDistance(desc.BoundingBox)
		if bestDistance < 0 || d < bestDistance {
			bestDistance = d
			nearMiss = similarity(el, desc, d, l.proximityThreshold)
		}
		if d <= l.proximityThreshold {
			return &Match{Element: el, Confidence: ConfidenceProximity, Strategy: "proximity"}, nil
		}
	}

	return nil, &StepError{
		Kind:       KindNotFound,
		Detail:     fmt.Sprintf("no %s element matched any of %d candidates", desc.TagName, len(desc.Candidates)),
		Candidates: desc.Candidates,
		Confidence: nearMiss,
	}
}

// nearest picks the element whose live box center is closest to the
// recorded one, used when a candidate selector matches several elements.
func (l *Locator) nearest(ctx context.Context, els []page.Element, recorded trace.BoundingBox) (page.Element, error) {
	best := els[0]
	bestDistance := -1.0
	for _, el := range els {
		box, err := l.page.BoundingBox(ctx, el)
		if err != nil {
			return page.Element{}, fmt.Errorf("probing box: %w", err)
		}
		d := box.CenterDistance(recorded)
		if bestDistance < 0 || d < bestDistance {
			best = el
			bestDistance = d
		}
	}
	return best, nil
}

// similarity scores how close a non-matching element came to the
// descriptor. Used only for not-found diagnostics and the retry
// decision, never to produce a match.
func similarity(el page.Element, desc *trace.ElementDescriptor, distance, threshold float64) float64 {
	score := 0.0

	if len(desc.Attributes) > 0 {
		shared := 0
		for name, want := range desc.Attributes {
			if el.Attr(name) == want {
				shared++
			}
		}
		score += 0.5 * float64(shared) / float64(len(desc.Attributes))
	}

	if desc.TextContent != "" && strings.TrimSpace(el.TextContent) == strings.TrimSpace(desc.TextContent) {
		score += 0.3
	}

	if distance < threshold*4 {
		score += 0.2 * (1 - distance/(threshold*4))
	}

	return score
}
