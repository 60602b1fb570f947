package trace

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of a recorded interaction.
type Kind string

const (
	Navigate Kind = "navigate"
	Click    Kind = "click"
	Input    Kind = "input"
	Change   Kind = "change"
	KeyDown  Kind = "keyDown"
	KeyUp    Kind = "keyUp"
	Scroll   Kind = "scroll"
)

// Valid reports whether k is a known interaction kind.
func (k Kind) Valid() bool {
	switch k {
	case Navigate, Click, Input, Change, KeyDown, KeyUp, Scroll:
		return true
	}
	return false
}

// Payload carries the interaction-specific data of a step. Each Kind has
// exactly one payload variant; a step never carries fields that do not
// belong to its kind.
type Payload interface {
	payloadKind() Kind
}

// NavigatePayload records the URL a navigation landed on.
type NavigatePayload struct {
	URL string `json:"url"`
}

// ClickPayload records where inside the target's bounding box the click
// landed and with which button. Offsets are pixels relative to the
// recorded box origin; replay rescales them to the live box.
type ClickPayload struct {
	Button  string  `json:"button"`
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
}

// InputPayload records the value an input or change interaction produced.
type InputPayload struct {
	Value string `json:"value"`
}

// KeyPayload records a key identifier and modifier flags.
type KeyPayload struct {
	Key   string `json:"key"`
	Alt   bool   `json:"alt,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Meta  bool   `json:"meta,omitempty"`
	Shift bool   `json:"shift,omitempty"`
}

// ScrollPayload records a scroll delta.
type ScrollPayload struct {
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

func (NavigatePayload) payloadKind() Kind { return Navigate }
func (ClickPayload) payloadKind() Kind    { return Click }
func (InputPayload) payloadKind() Kind    { return Input }
func (KeyPayload) payloadKind() Kind      { return KeyDown }
func (ScrollPayload) payloadKind() Kind   { return Scroll }

// Step is one captured interaction. Steps are created once at capture
// time and are immutable thereafter; replay consumes them read-only.
type Step struct {
	// Seq is unique within a recording and strictly increasing; it
	// defines replay order.
	Seq int64

	Kind Kind

	// Target is absent only for Navigate steps.
	Target *ElementDescriptor

	Payload Payload

	// CapturedAt is the offset from the start of the recording.
	CapturedAt time.Duration
}

type stepJSON struct {
	Seq          int64              `json:"seq"`
	Type         Kind               `json:"type"`
	Target       *ElementDescriptor `json:"target,omitempty"`
	Payload      json.RawMessage    `json:"payload,omitempty"`
	CapturedAtMs int64              `json:"capturedAtMs"`
}

// MarshalJSON encodes the step with its payload keyed by the step type.
func (s Step) MarshalJSON() ([]byte, error) {
	out := stepJSON{
		Seq:          s.Seq,
		Type:         s.Kind,
		Target:       s.Target,
		CapturedAtMs: s.CapturedAt.Milliseconds(),
	}
	if s.Payload != nil {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", s.Kind, err)
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the payload into the variant matching the step
// type, rejecting unknown types.
func (s *Step) UnmarshalJSON(data []byte) error {
	var in stepJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if !in.Type.Valid() {
		return fmt.Errorf("unknown step type %q", in.Type)
	}

	s.Seq = in.Seq
	s.Kind = in.Type
	s.Target = in.Target
	s.CapturedAt = time.Duration(in.CapturedAtMs) * time.Millisecond
	s.Payload = nil

	if len(in.Payload) == 0 {
		return nil
	}

	var payload Payload
	switch in.Type {
	case Navigate:
		payload = &NavigatePayload{}
	case Click:
		payload = &ClickPayload{}
	case Input, Change:
		payload = &InputPayload{}
	case KeyDown, KeyUp:
		payload = &KeyPayload{}
	case Scroll:
		payload = &ScrollPayload{}
	}
	if err := json.Unmarshal(in.Payload, payload); err != nil {
		return fmt.Errorf("parsing %s payload: %w", in.Type, err)
	}

	switch p := payload.(type) {
	case *NavigatePayload:
		s.Payload = *p
	case *ClickPayload:
		s.Payload = *p
	case *InputPayload:
		s.Payload = *p
	case *KeyPayload:
		s.Payload = *p
	case *ScrollPayload:
		s.Payload = *p
	}
	return nil
}
