package replay

import (
	"context"
	"fmt"
	"time"

	"retrace/internal/page"
)

// Default timing for the readiness gate.
const (
	DefaultConditionTimeout = 5 * time.Second
	DefaultQuietWindow      = 200 * time.Millisecond
	DefaultPollInterval     = 50 * time.Millisecond
)

// Synchronizer gates execution of an interaction until the page is in a
// state where the interaction is meaningful: the target is visible,
// enabled and uncovered, and the DOM has held still for a quiet window.
// It is the only engine component that suspends; suspension is polling
// with context-cancellable sleeps.
type Synchronizer struct {
	page page.Page

	// ConditionTimeout bounds each condition independently.
	ConditionTimeout time.Duration
	// QuietWindow is how long the mutation stamp must hold unchanged.
	QuietWindow time.Duration
	// PollInterval spaces out condition probes.
	PollInterval time.Duration
}

// NewSynchronizer returns a Synchronizer over p with default timing.
func NewSynchronizer(p page.Page) *Synchronizer {
	return &Synchronizer{
		page:             p,
		ConditionTimeout: DefaultConditionTimeout,
		QuietWindow:      DefaultQuietWindow,
		PollInterval:     DefaultPollInterval,
	}
}

// AwaitReady blocks until every readiness condition holds, or fails with
// a StepError of kind element_not_ready naming the condition that timed
// out. Context cancellation aborts the wait with ctx.Err().
func (s *Synchronizer) AwaitReady(ctx context.Context, el page.Element) error {
	if err := s.awaitCondition(ctx, "visible", func(ctx context.Context) (bool, error) {
		return s.page.IsVisible(ctx, el)
	}); err != nil {
		return err
	}

	if err := s.awaitCondition(ctx, "enabled", func(ctx context.Context) (bool, error) {
		enabled, err := s.page.IsEnabled(ctx, el)
		if err != nil || !enabled {
			return false, err
		}
		return s.page.IsHitTarget(ctx, el)
	}); err != nil {
		return err
	}

	return s.awaitQuiet(ctx)
}

func (s *Synchronizer) awaitCondition(ctx context.Context, name string, probe func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(s.ConditionTimeout)
	for {
		ok, err := probe(ctx)
		if err != nil {
			return fmt.Errorf("probing %s: %w", name, err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &StepError{
				Kind:   KindNotReady,
				Detail: fmt.Sprintf("%s condition not met within %s", name, s.ConditionTimeout),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.PollInterval):
		}
	}
}

// awaitQuiet waits for the mutation stamp to hold unchanged for the
// quiet window, inferring that rendering has settled.
func (s *Synchronizer) awaitQuiet(ctx context.Context) error {
	deadline := time.Now().Add(s.ConditionTimeout)

	last, err := s.page.MutationStamp(ctx)
	if err != nil {
		return fmt.Errorf("probing mutations: %w", err)
	}
	quietSince := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.PollInterval):
		}

		stamp, err := s.page.MutationStamp(ctx)
		if err != nil {
			return fmt.Errorf("probing mutations: %w", err)
		}
		if stamp != last {
			last = stamp
			quietSince = time.Now()
		} else if time.Since(quietSince) >= s.QuietWindow {
			return nil
		}

		if time.Now().After(deadline) {
			return &StepError{
				Kind:   KindNotReady,
				Detail: fmt.Sprintf("DOM still mutating after %s", s.ConditionTimeout),
			}
		}
	}
}
