package replay_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"retrace/internal/page/domtest"
	"retrace/internal/replay"
	"retrace/internal/trace"
)

// Property: a candidate selector that matches exactly one element always
// resolves with full confidence, whatever the id.
func TestLocator_UniqueCandidateConfidence_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("unique id candidate resolves with confidence 1.0", prop.ForAll(
		func(id string) bool {
			root := domtest.El("html", nil,
				domtest.El("body", nil,
					domtest.El("button", map[string]string{"id": id}),
					domtest.El("button", nil),
				),
			)
			d := domtest.New(root, "https://example.com/")

			match, err := replay.NewLocator(d).Locate(context.Background(), &trace.ElementDescriptor{
				Candidates: []string{"#" + id},
				TagName:    "button",
			})
			if err != nil {
				return false
			}
			return match.Confidence == replay.ConfidenceExact &&
				match.Strategy == "candidate" &&
				match.Element.Attr("id") == id
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Property: with StopOnError off, a session always reaches completed
// with one result per step and the cursor at the end, whether or not
// individual steps found their targets.
func TestSession_AlwaysCompletesWithoutStopOnError_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)

	properties.Property("session completes with a result per step", prop.ForAll(
		func(values []string, missing []bool) bool {
			d := formDOM()
			setInputBoxes(d)

			inputBox := trace.BoundingBox{X: 100, Y: 100, Width: 200, Height: 28}
			rec := &trace.Recording{}
			for i, v := range values {
				selector := `input[name="user"]`
				if i < len(missing) && missing[i] {
					selector = "#gone"
				}
				rec.Steps = append(rec.Steps, trace.Step{
					Seq:     int64(i + 1),
					Kind:    trace.Input,
					Target:  descriptorFor([]string{selector}, "input", inputBox),
					Payload: trace.InputPayload{Value: v},
				})
			}
			if len(rec.Steps) == 0 {
				return true
			}

			opts := fastOptions()
			opts.QuietWindow = time.Millisecond
			opts.PollInterval = time.Millisecond
			opts.ConditionTimeout = 20 * time.Millisecond
			opts.RetryBackoff = time.Millisecond
			opts.MaxRetries = 0

			s, err := replay.Start(d, rec, opts)
			if err != nil {
				return false
			}
			select {
			case <-s.Done():
			case <-time.After(10 * time.Second):
				return false
			}

			snap := s.Snapshot()
			return snap.Status == replay.StatusCompleted &&
				len(snap.Results) == len(rec.Steps) &&
				snap.Cursor == len(rec.Steps)
		},
		gen.SliceOfN(4, gen.AlphaString()),
		gen.SliceOfN(4, gen.Bool()),
	))

	properties.TestingRun(t)
}

// Property: a persistently unready element is retried exactly MaxRetries
// times before the step fails.
func TestSession_RetryCountMatchesBudget_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15

	properties := gopter.NewProperties(parameters)

	properties.Property("retries equal the configured budget", prop.ForAll(
		func(maxRetries int) bool {
			d := formDOM()
			d.FindByID("submit").Covered = true

			rec := &trace.Recording{Steps: []trace.Step{{
				Seq:     1,
				Kind:    trace.Click,
				Target:  descriptorFor([]string{"#submit"}, "button", trace.BoundingBox{X: 100, Y: 200, Width: 120, Height: 36}),
				Payload: trace.ClickPayload{},
			}}}

			opts := fastOptions()
			opts.MaxRetries = maxRetries
			opts.ConditionTimeout = 10 * time.Millisecond
			opts.QuietWindow = time.Millisecond
			opts.PollInterval = time.Millisecond
			opts.RetryBackoff = time.Millisecond

			s, err := replay.Start(d, rec, opts)
			if err != nil {
				return false
			}
			select {
			case <-s.Done():
			case <-time.After(10 * time.Second):
				return false
			}

			result := s.Snapshot().Results[0]
			return result.Status == replay.StepFailed &&
				result.Retries == maxRetries &&
				result.Error != nil &&
				result.Error.Kind == replay.KindNotReady
		},
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

// Property: replaying the same recording against identical documents
// produces identical step outcomes.
func TestSession_ReplayIsIdempotent_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15

	properties := gopter.NewProperties(parameters)

	properties.Property("same recording, same document, same outcomes", prop.ForAll(
		func(values []string) bool {
			inputBox := trace.BoundingBox{X: 100, Y: 100, Width: 200, Height: 28}
			rec := &trace.Recording{}
			for i, v := range values {
				rec.Steps = append(rec.Steps, trace.Step{
					Seq:     int64(i + 1),
					Kind:    trace.Input,
					Target:  descriptorFor([]string{`input[name="user"]`}, "input", inputBox),
					Payload: trace.InputPayload{Value: v},
				})
			}
			if len(rec.Steps) == 0 {
				return true
			}

			opts := fastOptions()
			opts.QuietWindow = time.Millisecond
			opts.PollInterval = time.Millisecond

			run := func() replay.Snapshot {
				d := formDOM()
				setInputBoxes(d)
				s, err := replay.Start(d, rec, opts)
				if err != nil {
					return replay.Snapshot{}
				}
				<-s.Done()
				return s.Snapshot()
			}

			first, second := run(), run()
			if first.Status != second.Status || len(first.Results) != len(second.Results) {
				return false
			}
			for i := range first.Results {
				a, b := first.Results[i], second.Results[i]
				if a.Status != b.Status || a.Confidence != b.Confidence || a.Strategy != b.Strategy {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Property: the retry policy over error kinds and near-miss scores.
func TestStepError_RetryPolicy_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("not_found retryable iff near miss scores at least 0.4", prop.ForAll(
		func(confidence float64) bool {
			err := &replay.StepError{Kind: replay.KindNotFound, Confidence: confidence}
			return err.Retryable() == (confidence >= 0.4)
		},
		gen.Float64Range(0, 1),
	))

	properties.Property("readiness and confidence failures always retryable, execution never", prop.ForAll(
		func(confidence float64) bool {
			notReady := &replay.StepError{Kind: replay.KindNotReady, Confidence: confidence}
			lowConf := &replay.StepError{Kind: replay.KindLowConfidence, Confidence: confidence}
			execErr := &replay.StepError{Kind: replay.KindExecution, Confidence: confidence}
			return notReady.Retryable() && lowConf.Retryable() && !execErr.Retryable()
		},
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
