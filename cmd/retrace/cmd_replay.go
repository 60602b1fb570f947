package main

import (
	"context"
	"flag"
	"fmt"

	"retrace/internal/page"
	"retrace/internal/replay"
	"retrace/internal/store"
	"retrace/internal/trace"
)

// StepReport is one line of replay progress output.
type StepReport struct {
	Seq        int64   `json:"seq"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence,omitempty"`
	Strategy   string  `json:"strategy,omitempty"`
	Retries    int     `json:"retries,omitempty"`
	Error      string  `json:"error,omitempty"`
	Warning    string  `json:"warning,omitempty"`
}

// ReplayReport is returned by the replay command.
type ReplayReport struct {
	RecordingID string       `json:"recordingId"`
	SessionID   string       `json:"sessionId"`
	Status      string       `json:"status"`
	Steps       []StepReport `json:"steps"`
}

func cmdReplay(cfg *Config, args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(cfg.Stderr)
	speed := fs.Float64("speed", 0, "Speed multiplier (0 = configured default)")
	stopOnError := fs.Bool("stop-on-error", false, "Fail the session on the first failed step")
	maxRetries := fs.Int("max-retries", -1, "Retry budget per step (-1 = configured default)")
	minConfidence := fs.Float64("min-confidence", -1, "Minimum location confidence (-1 = configured default)")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return ExitSuccess
		}
		return ExitError
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(cfg.Stderr, "usage: retrace replay [flags] <recording-id>")
		return ExitError
	}
	id := fs.Arg(0)

	fc, err := loadFileConfig(cfg)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	opts := fc.Options()
	if *speed > 0 {
		opts.SpeedMultiplier = *speed
	}
	if *stopOnError {
		opts.StopOnError = true
	}
	if *maxRetries >= 0 {
		opts.MaxRetries = *maxRetries
	}
	if *minConfidence >= 0 {
		opts.MinConfidence = *minConfidence
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	defer db.Close()

	rec, err := db.GetRecording(id)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	return withPage(cfg, func(ctx context.Context, p page.Page) (interface{}, error) {
		report, err := runReplay(ctx, db, p, rec, opts)
		if err != nil {
			return nil, err
		}
		if report.Status != string(replay.StatusCompleted) {
			outputResult(cfg, report)
			return nil, fmt.Errorf("replay %s", report.Status)
		}
		return report, nil
	})
}

// runReplay drives a session to a terminal state, persisting progress
// as the server does so runs show up under the runs command.
func runReplay(ctx context.Context, db *store.Store, p page.Page, rec *trace.Recording, opts replay.Options) (*ReplayReport, error) {
	session, err := replay.Start(p, rec, opts)
	if err != nil {
		return nil, err
	}

	if err := db.InsertReplay(session.ID(), rec.ID, replay.StatusRunning); err != nil {
		session.Cancel()
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			session.Cancel()
			<-session.Done()
			snap := session.Snapshot()
			db.UpdateReplay(session.ID(), snap.Status, snap.Results)
			return nil, ctx.Err()
		case _, ok := <-session.Events():
			if !ok {
				snap := session.Snapshot()
				if err := db.UpdateReplay(session.ID(), snap.Status, snap.Results); err != nil {
					return nil, err
				}
				return buildReport(rec, snap), nil
			}
		}
	}
}

func buildReport(rec *trace.Recording, snap replay.Snapshot) *ReplayReport {
	report := &ReplayReport{
		RecordingID: rec.ID,
		SessionID:   snap.ID,
		Status:      string(snap.Status),
		Steps:       make([]StepReport, 0, len(snap.Results)),
	}
	for _, res := range snap.Results {
		sr := StepReport{
			Seq:        res.Seq,
			Status:     string(res.Status),
			Confidence: res.Confidence,
			Strategy:   res.Strategy,
			Retries:    res.Retries,
		}
		for _, step := range rec.Steps {
			if step.Seq == res.Seq {
				sr.Type = string(step.Kind)
				break
			}
		}
		if res.Error != nil {
			sr.Error = res.Error.Error()
		}
		if res.Warning != nil {
			sr.Warning = res.Warning.Error()
		}
		report.Steps = append(report.Steps, sr)
	}
	return report
}
