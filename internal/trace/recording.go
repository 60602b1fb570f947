package trace

import (
	"encoding/json"
	"fmt"
	"time"
)

// Recording is an ordered, immutable sequence of captured steps, keyed by
// an id assigned when it is stored.
type Recording struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name,omitempty"`
	PageURL   string    `json:"pageUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	Steps     []Step    `json:"steps"`
}

// Validate checks the structural invariants replay depends on: a
// non-empty step list, strictly increasing sequence numbers,
// non-negative and non-decreasing capture offsets, a target on every
// non-navigate step, and non-empty descriptor candidates.
func (r *Recording) Validate() error {
	if len(r.Steps) == 0 {
		return fmt.Errorf("recording has no steps")
	}
	var lastSeq int64 = -1
	var lastAt time.Duration = -1
	for i, step := range r.Steps {
		if !step.Kind.Valid() {
			return fmt.Errorf("step %d: unknown type %q", i, step.Kind)
		}
		if step.Seq <= lastSeq {
			return fmt.Errorf("step %d: sequence number %d not increasing (previous %d)", i, step.Seq, lastSeq)
		}
		if step.CapturedAt < 0 {
			return fmt.Errorf("step %d: negative capture offset", i)
		}
		if step.CapturedAt < lastAt {
			return fmt.Errorf("step %d: capture offset decreases", i)
		}
		switch step.Kind {
		case Navigate:
			if _, ok := step.Payload.(NavigatePayload); !ok {
				return fmt.Errorf("step %d: navigate step without URL payload", i)
			}
		case Scroll:
			// Document scrolls have no target.
		default:
			if step.Target == nil {
				return fmt.Errorf("step %d: %s step has no target", i, step.Kind)
			}
		}
		if step.Target != nil && len(step.Target.Candidates) == 0 {
			return fmt.Errorf("step %d: target descriptor has no candidates", i)
		}
		lastSeq = step.Seq
		lastAt = step.CapturedAt
	}
	return nil
}

// ParseRecording decodes and validates a recording from JSON.
func ParseRecording(data []byte) (*Recording, error) {
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing recording: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recording: %w", err)
	}
	return &rec, nil
}
