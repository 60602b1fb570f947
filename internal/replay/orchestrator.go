package replay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"retrace/internal/page"
	"retrace/internal/trace"
)

// Control errors returned by session methods.
var (
	ErrNotPaused      = errors.New("session is not paused")
	ErrNotRunning     = errors.New("session is not running")
	ErrTerminal       = errors.New("session already finished")
	ErrSeekOutOfRange = errors.New("seek index out of range")
)

// Options configures one replay session.
type Options struct {
	// SpeedMultiplier scales inter-step wait budgets. Must be > 0.
	SpeedMultiplier float64
	// StopOnError fails the whole session on the first failed step
	// instead of advancing past it.
	StopOnError bool
	// MaxRetries bounds retries per step; the executor runs at most
	// MaxRetries+1 times.
	MaxRetries int
	// RetryBackoff is the wait between attempts of one step. Zero
	// retries immediately; negative takes the default.
	RetryBackoff time.Duration
	// MinConfidence rejects located elements scoring below it.
	MinConfidence float64
	// MaxStepDelay caps the replayed inter-step gap so long idle
	// pauses in the recording are compressed.
	MaxStepDelay time.Duration
	// ConditionTimeout, QuietWindow and PollInterval tune the
	// readiness gate; zero values take the synchronizer defaults.
	ConditionTimeout time.Duration
	QuietWindow      time.Duration
	PollInterval     time.Duration
}

// DefaultOptions returns the option defaults applied by Start.
func DefaultOptions() Options {
	return Options{
		SpeedMultiplier: 1,
		MaxRetries:      3,
		RetryBackoff:    500 * time.Millisecond,
		MinConfidence:   0.4,
		MaxStepDelay:    5 * time.Second,
	}
}

func (o *Options) normalize() error {
	defaults := DefaultOptions()
	if o.SpeedMultiplier == 0 {
		o.SpeedMultiplier = defaults.SpeedMultiplier
	}
	if o.SpeedMultiplier <= 0 {
		return fmt.Errorf("speed multiplier must be positive, got %v", o.SpeedMultiplier)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", o.MaxRetries)
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = defaults.RetryBackoff
	}
	if o.MinConfidence < 0 || o.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0,1], got %v", o.MinConfidence)
	}
	if o.MaxStepDelay == 0 {
		o.MaxStepDelay = defaults.MaxStepDelay
	}
	return nil
}

// Session drives one recorded step sequence against a page. It owns its
// ReplaySession state exclusively; callers interact through the control
// methods and the event channel.
type Session struct {
	id   string
	rec  *trace.Recording
	opts Options

	locator *Locator
	gate    *Synchronizer
	exec    *Executor
	page    page.Page

	mu      sync.Mutex
	status  Status
	cursor  int
	results []StepResult
	resume  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	events chan Event
}

// Start validates the recording and options, creates a session and
// begins executing steps in its own goroutine. Only invalid input
// errors here; per-step failures are captured in step results and never
// escape.
func Start(p page.Page, rec *trace.Recording, opts Options) (*Session, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := opts.normalize(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	gate := NewSynchronizer(p)
	if opts.ConditionTimeout > 0 {
		gate.ConditionTimeout = opts.ConditionTimeout
	}
	if opts.QuietWindow > 0 {
		gate.QuietWindow = opts.QuietWindow
	}
	if opts.PollInterval > 0 {
		gate.PollInterval = opts.PollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.NewString(),
		rec:     rec,
		opts:    opts,
		locator: NewLocator(p),
		gate:    gate,
		exec:    NewExecutor(p),
		page:    p,
		status:  StatusCreated,
		resume:  make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		events:  make(chan Event, 64),
	}

	go s.run(ctx)
	return s, nil
}

// ID returns the session handle.
func (s *Session) ID() string { return s.id }

// Recording returns the recording this session replays.
func (s *Session) Recording() *trace.Recording { return s.rec }

// Events returns the observer channel. Events are dropped rather than
// blocking the orchestrator when the consumer falls behind; the channel
// is closed when the session reaches a terminal status.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]StepResult, len(s.results))
	copy(results, s.results)
	return Snapshot{
		ID:      s.id,
		Status:  s.status,
		Cursor:  s.cursor,
		Steps:   len(s.rec.Steps),
		Results: results,
	}
}

// Pause requests a freeze at the next step boundary. The in-flight
// step, if any, finishes first; a step is never left half executed.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.status.Terminal():
		return ErrTerminal
	case s.status != StatusRunning:
		return ErrNotRunning
	}
	s.status = StatusPaused
	return nil
}

// Resume continues a paused session.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPaused {
		return ErrNotPaused
	}
	s.status = StatusRunning
	select {
	case s.resume <- struct{}{}:
	default:
	}
	return nil
}

// Seek repositions the cursor. Valid only while paused, so a resumed
// session executes steps starting exactly at the sought index.
func (s *Session) Seek(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPaused {
		return ErrNotPaused
	}
	if index < 0 || index > len(s.rec.Steps) {
		return fmt.Errorf("%w: %d not in [0,%d]", ErrSeekOutOfRange, index, len(s.rec.Steps))
	}
	s.cursor = index
	return nil
}

// Cancel stops the session. It is honored at the next step boundary and
// additionally aborts any in-flight wait; the interrupted step is
// recorded as skipped.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return ErrTerminal
	}
	s.status = StatusCancelled
	s.mu.Unlock()

	s.cancel()
	select {
	case s.resume <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer s.cancel()
	defer close(s.done)
	defer close(s.events)

	s.setStatus(StatusRunning)

	var prevCaptured time.Duration = -1
	for {
		s.mu.Lock()
		switch {
		case s.status == StatusCancelled:
			cursor := s.cursor
			s.mu.Unlock()
			s.emit(Event{Type: EventStatus, Status: StatusCancelled, Cursor: cursor})
			return
		case s.status == StatusPaused:
			cursor := s.cursor
			s.mu.Unlock()
			s.emit(Event{Type: EventStatus, Status: StatusPaused, Cursor: cursor})
			select {
			case <-s.resume:
			case <-ctx.Done():
			}
			if s.currentStatus() == StatusRunning {
				s.emit(Event{Type: EventStatus, Status: StatusRunning, Cursor: cursor})
			}
			// Seeking invalidates the recorded-gap baseline.
			prevCaptured = -1
			continue
		case s.cursor >= len(s.rec.Steps):
			s.status = StatusCompleted
			cursor := s.cursor
			s.mu.Unlock()
			s.emit(Event{Type: EventStatus, Status: StatusCompleted, Cursor: cursor})
			return
		}
		step := s.rec.Steps[s.cursor]
		s.mu.Unlock()

		if prevCaptured >= 0 {
			if err := s.interStepDelay(ctx, step.CapturedAt-prevCaptured); err != nil {
				continue // cancelled; top of loop records it
			}
		}
		prevCaptured = step.CapturedAt

		result := s.executeStep(ctx, step)

		s.mu.Lock()
		s.results = append(s.results, result)
		failedHard := result.Status == StepFailed && s.opts.StopOnError
		if failedHard {
			s.status = StatusFailed
		} else if result.Status != StepSkipped {
			s.cursor++
		}
		cursor := s.cursor
		s.mu.Unlock()

		s.emit(Event{Type: EventStep, Status: s.currentStatus(), Cursor: cursor, Result: &result})

		if failedHard {
			s.emit(Event{Type: EventStatus, Status: StatusFailed, Cursor: cursor})
			return
		}
	}
}

// interStepDelay waits out the recorded gap between steps, scaled by the
// speed multiplier and capped so long idle pauses are compressed.
func (s *Session) interStepDelay(ctx context.Context, gap time.Duration) error {
	if gap <= 0 {
		return nil
	}
	delay := time.Duration(float64(gap) / s.opts.SpeedMultiplier)
	if delay > s.opts.MaxStepDelay {
		delay = s.opts.MaxStepDelay
	}
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// executeStep runs one step through locate, gate and dispatch, retrying
// per policy. All failures are captured in the returned result.
func (s *Session) executeStep(ctx context.Context, step trace.Step) (result StepResult) {
	result.Seq = step.Seq
	start := time.Now()
	defer func() { result.DurationMs = time.Since(start).Milliseconds() }()

	if step.Kind == trace.Navigate {
		s.checkNavigation(ctx, step, &result)
		return result
	}

	for attempt := 0; ; attempt++ {
		err := s.attempt(ctx, step, &result)
		if err == nil {
			result.Status = StepCompleted
			result.Error = nil
			return result
		}
		if ctx.Err() != nil {
			result.Status = StepSkipped
			result.Error = nil
			return result
		}

		serr := asStepError(err)
		result.Error = serr

		if attempt < s.opts.MaxRetries && serr.Retryable() {
			result.Retries++
			select {
			case <-ctx.Done():
				result.Status = StepSkipped
				result.Error = nil
				return result
			case <-time.After(s.opts.RetryBackoff):
			}
			continue
		}

		result.Status = StepFailed
		return result
	}
}

// attempt is one locate → gate → dispatch pass.
func (s *Session) attempt(ctx context.Context, step trace.Step, result *StepResult) error {
	var located *page.Element

	if step.Target != nil {
		match, err := s.locator.Locate(ctx, step.Target)
		if err != nil {
			result.ElementFound = false
			result.Confidence = 0
			return err
		}
		result.ElementFound = true
		result.Confidence = match.Confidence
		result.Strategy = match.Strategy

		if match.Confidence < s.opts.MinConfidence {
			return &StepError{
				Kind:       KindLowConfidence,
				Detail:     fmt.Sprintf("match confidence %.2f below minimum %.2f", match.Confidence, s.opts.MinConfidence),
				Confidence: match.Confidence,
			}
		}

		if err := s.gate.AwaitReady(ctx, match.Element); err != nil {
			return err
		}
		located = &match.Element
	}

	return s.exec.Execute(ctx, step, located)
}

// checkNavigation compares the live URL against the recorded one.
// Cross-origin navigation cannot be synthesized safely, so mismatches
// are recorded as warnings and never fail the step or the session.
func (s *Session) checkNavigation(ctx context.Context, step trace.Step, result *StepResult) {
	result.Status = StepCompleted
	payload, _ := step.Payload.(trace.NavigatePayload)

	current, err := s.page.URL(ctx)
	if err != nil {
		result.Warning = &StepError{Kind: KindNavigationMismatch, Detail: "could not read current URL", Cause: err}
		return
	}
	if !sameLocation(current, payload.URL) {
		result.Warning = &StepError{
			Kind:   KindNavigationMismatch,
			Detail: fmt.Sprintf("recorded %q, page is at %q", payload.URL, current),
		}
	}
}

// sameLocation compares URLs ignoring fragments and trailing slashes.
func sameLocation(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	ua.Fragment = ""
	ub.Fragment = ""
	return strings.TrimSuffix(ua.String(), "/") == strings.TrimSuffix(ub.String(), "/")
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = status
	cursor := s.cursor
	s.mu.Unlock()
	s.emit(Event{Type: EventStatus, Status: status, Cursor: cursor})
}

func (s *Session) currentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// emit delivers an event without ever blocking the orchestrator; a slow
// consumer loses events rather than stalling replay.
func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
	}
}
