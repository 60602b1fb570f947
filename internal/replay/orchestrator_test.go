package replay_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"retrace/internal/page/domtest"
	"retrace/internal/replay"
	"retrace/internal/trace"
)

// fastOptions tightens every timing knob so sessions finish in
// milliseconds.
func fastOptions() replay.Options {
	return replay.Options{
		SpeedMultiplier:  100,
		MaxRetries:       1,
		RetryBackoff:     5 * time.Millisecond,
		MinConfidence:    0.4,
		MaxStepDelay:     20 * time.Millisecond,
		ConditionTimeout: 100 * time.Millisecond,
		QuietWindow:      20 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
	}
}

// formDOM is a login form with geometry, ready for interaction.
func formDOM() *domtest.DOM {
	d := loginDOM()
	d.FindByID("login").Box = trace.BoundingBox{X: 0, Y: 0, Width: 400, Height: 300}
	d.FindByID("submit").Box = trace.BoundingBox{X: 100, Y: 200, Width: 120, Height: 36}
	return d
}

func descriptorFor(candidates []string, tag string, box trace.BoundingBox) *trace.ElementDescriptor {
	return &trace.ElementDescriptor{Candidates: candidates, TagName: tag, BoundingBox: box}
}

func loginRecording() *trace.Recording {
	inputBox := trace.BoundingBox{X: 100, Y: 100, Width: 200, Height: 28}
	buttonBox := trace.BoundingBox{X: 100, Y: 200, Width: 120, Height: 36}
	return &trace.Recording{
		Name:    "login",
		PageURL: "https://example.com/login",
		Steps: []trace.Step{
			{Seq: 1, Kind: trace.Navigate, Payload: trace.NavigatePayload{URL: "https://example.com/login"}},
			{Seq: 2, Kind: trace.Input, Target: descriptorFor([]string{`input[name="user"]`}, "input", inputBox), Payload: trace.InputPayload{Value: "alice"}, CapturedAt: 300 * time.Millisecond},
			{Seq: 3, Kind: trace.Click, Target: descriptorFor([]string{"#submit"}, "button", buttonBox), Payload: trace.ClickPayload{Button: "left", OffsetX: 60, OffsetY: 18}, CapturedAt: 900 * time.Millisecond},
		},
	}
}

func await(t *testing.T, s *replay.Session) replay.Snapshot {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	return s.Snapshot()
}

func setInputBoxes(d *domtest.DOM) {
	ctx := context.Background()
	els, _ := d.QueryAll(ctx, "input")
	for i := range els {
		n := d.FindByID("login").Children[i]
		n.Box = trace.BoundingBox{X: 100, Y: float64(100 + 40*i), Width: 200, Height: 28}
	}
}

func TestSession_CompletesHappyPath(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)

	s, err := replay.Start(d, loginRecording(), fastOptions())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	snap := await(t, s)
	if snap.Status != replay.StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if len(snap.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(snap.Results))
	}
	for _, r := range snap.Results {
		if r.Status != replay.StepCompleted {
			t.Errorf("step %d: expected completed, got %s (%v)", r.Seq, r.Status, r.Error)
		}
	}
	if snap.Results[0].Warning != nil {
		t.Errorf("expected no navigation warning, got %v", snap.Results[0].Warning)
	}
	if snap.Results[2].Confidence != replay.ConfidenceExact {
		t.Errorf("expected exact match on the id candidate, got %v", snap.Results[2].Confidence)
	}

	if len(d.Values) != 1 || d.Values[0].Value != "alice" {
		t.Errorf("expected the input dispatch, got %+v", d.Values)
	}
	if len(d.Clicks) != 1 {
		t.Fatalf("expected the click dispatch, got %d", len(d.Clicks))
	}
}

func TestSession_EmitsLifecycleEvents(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)

	s, err := replay.Start(d, loginRecording(), fastOptions())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	var statuses []replay.Status
	var steps int
	for ev := range s.Events() {
		switch ev.Type {
		case replay.EventStatus:
			statuses = append(statuses, ev.Status)
		case replay.EventStep:
			steps++
		}
	}

	if len(statuses) < 2 || statuses[0] != replay.StatusRunning {
		t.Errorf("expected running first, got %v", statuses)
	}
	if statuses[len(statuses)-1] != replay.StatusCompleted {
		t.Errorf("expected completed last, got %v", statuses)
	}
	if steps != 3 {
		t.Errorf("expected 3 step events, got %d", steps)
	}
}

func TestSession_MissingElement_ContinuesByDefault(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)

	rec := loginRecording()
	rec.Steps[2].Target = descriptorFor([]string{"#gone"}, "table", trace.BoundingBox{X: 900, Y: 900})

	s, err := replay.Start(d, rec, fastOptions())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	snap := await(t, s)
	if snap.Status != replay.StatusCompleted {
		t.Fatalf("expected completed despite the failed step, got %s", snap.Status)
	}
	failed := snap.Results[2]
	if failed.Status != replay.StepFailed {
		t.Fatalf("expected failed step, got %s", failed.Status)
	}
	if failed.Error == nil || failed.Error.Kind != replay.KindNotFound {
		t.Errorf("expected not_found error, got %v", failed.Error)
	}
	if failed.ElementFound {
		t.Error("expected elementFound=false")
	}
}

func TestSession_StopOnError_FailsSession(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)

	rec := loginRecording()
	rec.Steps[1].Target = descriptorFor([]string{"#gone"}, "table", trace.BoundingBox{X: 900, Y: 900})

	opts := fastOptions()
	opts.StopOnError = true
	s, err := replay.Start(d, rec, opts)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	snap := await(t, s)
	if snap.Status != replay.StatusFailed {
		t.Fatalf("expected failed session, got %s", snap.Status)
	}
	// The failing step is recorded; the click after it never ran.
	if len(snap.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(snap.Results))
	}
	if len(d.Clicks) != 0 {
		t.Errorf("expected no click after the failure, got %d", len(d.Clicks))
	}
}

func TestSession_RetriesExhaustedOnUnreadyElement(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)
	d.FindByID("submit").Covered = true

	rec := loginRecording()
	opts := fastOptions()
	opts.MaxRetries = 2
	opts.ConditionTimeout = 40 * time.Millisecond

	s, err := replay.Start(d, rec, opts)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	snap := await(t, s)
	failed := snap.Results[2]
	if failed.Status != replay.StepFailed {
		t.Fatalf("expected failed step, got %s", failed.Status)
	}
	if failed.Error == nil || failed.Error.Kind != replay.KindNotReady {
		t.Errorf("expected element_not_ready, got %v", failed.Error)
	}
	if failed.Retries != 2 {
		t.Errorf("expected 2 retries, got %d", failed.Retries)
	}
}

func TestSession_ZeroRetryBackoffRetriesImmediately(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)
	d.FindByID("submit").Covered = true

	rec := &trace.Recording{Steps: []trace.Step{
		{Seq: 1, Kind: trace.Click, Target: descriptorFor([]string{"#submit"}, "button", trace.BoundingBox{X: 100, Y: 200, Width: 120, Height: 36}), Payload: trace.ClickPayload{}},
	}}
	opts := fastOptions()
	opts.MaxRetries = 3
	opts.RetryBackoff = 0
	opts.ConditionTimeout = 10 * time.Millisecond

	start := time.Now()
	s, err := replay.Start(d, rec, opts)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	snap := await(t, s)

	// Four attempts of a 10ms gate with no backoff between them.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("explicit zero backoff was not honored, session took %v", elapsed)
	}
	failed := snap.Results[0]
	if failed.Retries != 3 {
		t.Errorf("expected 3 retries, got %d", failed.Retries)
	}
	if failed.Error == nil || failed.Error.Kind != replay.KindNotReady {
		t.Errorf("expected element_not_ready, got %v", failed.Error)
	}
}

func TestSession_LowConfidenceRejected(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)

	rec := loginRecording()
	// Only the text fallback (0.6) can find this target.
	btn := d.FindByID("submit")
	d.Apply(func(*domtest.Node) {
		btn.Attrs["id"] = "submit-v2"
		btn.Text = "Sign in"
	})
	rec.Steps[2].Target = &trace.ElementDescriptor{
		Candidates:  []string{"#submit"},
		TagName:     "button",
		TextContent: "Sign in",
		BoundingBox: trace.BoundingBox{X: 900, Y: 900},
	}

	opts := fastOptions()
	opts.MinConfidence = 0.9
	s, err := replay.Start(d, rec, opts)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	snap := await(t, s)
	failed := snap.Results[2]
	if failed.Status != replay.StepFailed {
		t.Fatalf("expected failed step, got %s", failed.Status)
	}
	if failed.Error == nil || failed.Error.Kind != replay.KindLowConfidence {
		t.Errorf("expected low_confidence_match, got %v", failed.Error)
	}
	if !failed.ElementFound || failed.Confidence != replay.ConfidenceText {
		t.Errorf("expected a found-but-rejected text match, got found=%v confidence=%v", failed.ElementFound, failed.Confidence)
	}
	if len(d.Clicks) != 0 {
		t.Error("rejected match must not be interacted with")
	}
}

func TestSession_NavigationMismatchIsWarningOnly(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)
	d.SetLocation("https://example.com/welcome")

	s, err := replay.Start(d, loginRecording(), fastOptions())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	snap := await(t, s)
	if snap.Status != replay.StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	nav := snap.Results[0]
	if nav.Status != replay.StepCompleted {
		t.Errorf("expected navigate step completed, got %s", nav.Status)
	}
	if nav.Warning == nil || nav.Warning.Kind != replay.KindNavigationMismatch {
		t.Errorf("expected navigation_mismatch warning, got %v", nav.Warning)
	}
}

func TestSession_NavigationComparisonIgnoresFragmentAndSlash(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)
	d.SetLocation("https://example.com/login/")

	rec := loginRecording()
	rec.Steps[0].Payload = trace.NavigatePayload{URL: "https://example.com/login#form"}

	s, err := replay.Start(d, rec, fastOptions())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	snap := await(t, s)
	if snap.Results[0].Warning != nil {
		t.Errorf("expected equivalent URLs to pass, got %v", snap.Results[0].Warning)
	}
}

func TestSession_PauseSeekResume(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)

	// Enough steps to leave time for control calls.
	rec := &trace.Recording{Steps: []trace.Step{}}
	inputBox := trace.BoundingBox{X: 100, Y: 100, Width: 200, Height: 28}
	for i := 0; i < 10; i++ {
		rec.Steps = append(rec.Steps, trace.Step{
			Seq:        int64(i + 1),
			Kind:       trace.Input,
			Target:     descriptorFor([]string{`input[name="user"]`}, "input", inputBox),
			Payload:    trace.InputPayload{Value: fmt.Sprintf("v%d", i+1)},
			CapturedAt: time.Duration(i) * 100 * time.Millisecond,
		})
	}

	opts := fastOptions()
	opts.QuietWindow = 30 * time.Millisecond
	s, err := replay.Start(d, rec, opts)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := s.Pause(); err != nil {
		t.Fatalf("failed to pause: %v", err)
	}

	// Control surface rules while paused.
	if err := s.Pause(); !errors.Is(err, replay.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning on double pause, got %v", err)
	}
	if err := s.Seek(len(rec.Steps) + 1); !errors.Is(err, replay.ErrSeekOutOfRange) {
		t.Errorf("expected ErrSeekOutOfRange, got %v", err)
	}
	// An in-flight step may still finish after Pause returns. Wait for
	// the cursor to settle before counting dispatched values.
	settleDeadline := time.Now().Add(3 * time.Second)
	for {
		before := s.Snapshot().Cursor
		time.Sleep(150 * time.Millisecond)
		if s.Snapshot().Cursor == before {
			break
		}
		if time.Now().After(settleDeadline) {
			t.Fatal("session did not settle after pause")
		}
	}
	valuesAtPause := len(d.Values)

	if err := s.Seek(8); err != nil {
		t.Fatalf("failed to seek: %v", err)
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("failed to resume: %v", err)
	}
	if err := s.Resume(); !errors.Is(err, replay.ErrNotPaused) {
		t.Errorf("expected ErrNotPaused on double resume, got %v", err)
	}

	snap := await(t, s)
	if snap.Status != replay.StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if snap.Cursor != len(rec.Steps) {
		t.Errorf("expected cursor at the end, got %d", snap.Cursor)
	}

	// Only the steps from the sought index on run after resume; nothing
	// before it is re-executed.
	appended := d.Values[valuesAtPause:]
	if len(appended) != 2 {
		t.Fatalf("expected 2 dispatches after seeking to 8, got %d", len(appended))
	}
	if appended[0].Value != "v9" || appended[1].Value != "v10" {
		t.Errorf("expected v9 then v10 after resume, got %q and %q", appended[0].Value, appended[1].Value)
	}

	// Seek is rejected once terminal.
	if err := s.Seek(0); !errors.Is(err, replay.ErrNotPaused) {
		t.Errorf("expected ErrNotPaused after completion, got %v", err)
	}
}

func TestSession_SeekRequiresPause(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)

	rec := loginRecording()
	s, err := replay.Start(d, rec, fastOptions())
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := s.Seek(0); !errors.Is(err, replay.ErrNotPaused) {
		t.Errorf("expected ErrNotPaused while running, got %v", err)
	}
	await(t, s)
}

func TestSession_CancelAbortsInFlightWait(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)
	d.FindByID("submit").Hidden = true

	rec := &trace.Recording{Steps: []trace.Step{
		{Seq: 1, Kind: trace.Click, Target: descriptorFor([]string{"#submit"}, "button", trace.BoundingBox{X: 100, Y: 200, Width: 120, Height: 36}), Payload: trace.ClickPayload{}},
	}}
	opts := fastOptions()
	opts.ConditionTimeout = 10 * time.Second

	s, err := replay.Start(d, rec, opts)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if err := s.Cancel(); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	snap := await(t, s)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancel took %v; the in-flight wait was not aborted", elapsed)
	}
	if snap.Status != replay.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Status)
	}
	if len(snap.Results) != 1 || snap.Results[0].Status != replay.StepSkipped {
		t.Errorf("expected the interrupted step recorded as skipped, got %+v", snap.Results)
	}

	if err := s.Cancel(); !errors.Is(err, replay.ErrTerminal) {
		t.Errorf("expected ErrTerminal on double cancel, got %v", err)
	}
}

func TestStart_RejectsInvalidInput(t *testing.T) {
	d := formDOM()

	if _, err := replay.Start(d, &trace.Recording{}, fastOptions()); err == nil {
		t.Error("expected error for empty recording")
	}

	opts := fastOptions()
	opts.SpeedMultiplier = -2
	if _, err := replay.Start(d, loginRecording(), opts); err == nil {
		t.Error("expected error for negative speed multiplier")
	}

	opts = fastOptions()
	opts.MinConfidence = 1.5
	if _, err := replay.Start(d, loginRecording(), opts); err == nil {
		t.Error("expected error for out-of-range confidence")
	}
}

func TestSession_InterStepDelayScalesAndCaps(t *testing.T) {
	d := formDOM()
	setInputBoxes(d)

	// Two steps recorded 10 seconds apart; the cap compresses the gap.
	inputBox := trace.BoundingBox{X: 100, Y: 100, Width: 200, Height: 28}
	rec := &trace.Recording{Steps: []trace.Step{
		{Seq: 1, Kind: trace.Input, Target: descriptorFor([]string{`input[name="user"]`}, "input", inputBox), Payload: trace.InputPayload{Value: "a"}},
		{Seq: 2, Kind: trace.Input, Target: descriptorFor([]string{`input[name="user"]`}, "input", inputBox), Payload: trace.InputPayload{Value: "b"}, CapturedAt: 10 * time.Second},
	}}

	opts := fastOptions()
	opts.SpeedMultiplier = 1
	opts.MaxStepDelay = 50 * time.Millisecond

	start := time.Now()
	s, err := replay.Start(d, rec, opts)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	snap := await(t, s)

	if snap.Status != replay.StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected the 10s gap to be capped, took %v", elapsed)
	}
}
