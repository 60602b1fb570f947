package replay

import (
	"context"
	"fmt"

	"retrace/internal/page"
	"retrace/internal/trace"
)

// Executor translates a located element and a recorded step into
// synthesized page events. Dispatch failures come back as execution
// errors; whether to retry is the orchestrator's call.
type Executor struct {
	page page.Page
}

// NewExecutor returns an Executor dispatching through p.
func NewExecutor(p page.Page) *Executor {
	return &Executor{page: p}
}

// Execute performs the step's interaction against el. Navigate steps are
// not executed here; the orchestrator handles them as URL comparisons.
func (e *Executor) Execute(ctx context.Context, step trace.Step, el *page.Element) error {
	switch step.Kind {
	case trace.Click:
		return e.click(ctx, step, el)
	case trace.Input, trace.Change:
		return e.setValue(ctx, step, el)
	case trace.KeyDown:
		return e.key(ctx, step, true)
	case trace.KeyUp:
		return e.key(ctx, step, false)
	case trace.Scroll:
		return e.scroll(ctx, step, el)
	case trace.Navigate:
		return &StepError{Kind: KindExecution, Detail: "navigate steps are not dispatched"}
	}
	return &StepError{Kind: KindExecution, Detail: fmt.Sprintf("unknown step type %q", step.Kind)}
}

// click dispatches at the recorded offset rescaled to the element's
// current box, so clicks land on the same relative spot even when the
// element was resized since capture.
func (e *Executor) click(ctx context.Context, step trace.Step, el *page.Element) error {
	if el == nil {
		return &StepError{Kind: KindExecution, Detail: "click step has no located element"}
	}
	payload, _ := step.Payload.(trace.ClickPayload)
	if payload.Button == "" {
		payload.Button = "left"
	}

	box, err := e.page.BoundingBox(ctx, *el)
	if err != nil {
		return &StepError{Kind: KindExecution, Detail: "probing click target box", Cause: err}
	}

	fx, fy := 0.5, 0.5
	recorded := step.Target.BoundingBox
	if recorded.Width > 0 {
		fx = payload.OffsetX / recorded.Width
	}
	if recorded.Height > 0 {
		fy = payload.OffsetY / recorded.Height
	}

	x := box.X + fx*box.Width
	y := box.Y + fy*box.Height
	if err := e.page.Click(ctx, x, y, payload.Button); err != nil {
		return &StepError{Kind: KindExecution, Detail: "dispatching click", Cause: err}
	}
	return nil
}

func (e *Executor) setValue(ctx context.Context, step trace.Step, el *page.Element) error {
	if el == nil {
		return &StepError{Kind: KindExecution, Detail: fmt.Sprintf("%s step has no located element", step.Kind)}
	}
	payload, ok := step.Payload.(trace.InputPayload)
	if !ok {
		return &StepError{Kind: KindExecution, Detail: fmt.Sprintf("%s step has no value payload", step.Kind)}
	}
	if err := e.page.SetValue(ctx, *el, payload.Value); err != nil {
		return &StepError{Kind: KindExecution, Detail: "setting value", Cause: err}
	}
	return nil
}

func (e *Executor) key(ctx context.Context, step trace.Step, down bool) error {
	payload, ok := step.Payload.(trace.KeyPayload)
	if !ok {
		return &StepError{Kind: KindExecution, Detail: fmt.Sprintf("%s step has no key payload", step.Kind)}
	}
	if err := e.page.DispatchKey(ctx, down, payload); err != nil {
		return &StepError{Kind: KindExecution, Detail: "dispatching key event", Cause: err}
	}
	return nil
}

func (e *Executor) scroll(ctx context.Context, step trace.Step, el *page.Element) error {
	payload, ok := step.Payload.(trace.ScrollPayload)
	if !ok {
		return &StepError{Kind: KindExecution, Detail: "scroll step has no delta payload"}
	}
	if err := e.page.ScrollBy(ctx, el, payload.DeltaX, payload.DeltaY); err != nil {
		return &StepError{Kind: KindExecution, Detail: "scrolling", Cause: err}
	}
	return nil
}
