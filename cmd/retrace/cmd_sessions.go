package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"retrace/internal/store"
)

// ListResult is returned by the sessions command.
type ListResult struct {
	Recordings []store.RecordingMeta `json:"recordings"`
}

func (r ListResult) TextValue() string {
	if len(r.Recordings) == 0 {
		return "no recordings"
	}
	var b strings.Builder
	for _, m := range r.Recordings {
		name := m.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(&b, "%s  %-20s  %3d steps  %s", m.ID, name, m.Steps, humanize.Time(m.CreatedAt))
		if m.PageURL != "" {
			fmt.Fprintf(&b, "  %s", m.PageURL)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func cmdSessions(cfg *Config) int {
	return withStore(cfg, func(db *store.Store) (interface{}, error) {
		metas, err := db.ListRecordings()
		if err != nil {
			return nil, err
		}
		return ListResult{Recordings: metas}, nil
	})
}

func cmdShow(cfg *Config, id string) int {
	return withStore(cfg, func(db *store.Store) (interface{}, error) {
		return db.GetRecording(id)
	})
}

// DeleteResult is returned by the delete command.
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func cmdDelete(cfg *Config, id string) int {
	return withStore(cfg, func(db *store.Store) (interface{}, error) {
		if err := db.DeleteRecording(id); err != nil {
			return nil, err
		}
		return DeleteResult{ID: id, Deleted: true}, nil
	})
}

// RunsResult is returned by the runs command.
type RunsResult struct {
	Runs []store.ReplayRun `json:"runs"`
}

func (r RunsResult) TextValue() string {
	if len(r.Runs) == 0 {
		return "no runs"
	}
	var b strings.Builder
	for _, run := range r.Runs {
		fmt.Fprintf(&b, "%s  %-10s  %3d steps  started %s", run.ID, run.Status, len(run.Results), humanize.Time(run.StartedAt))
		if run.FinishedAt != nil {
			fmt.Fprintf(&b, ", finished %s", humanize.Time(*run.FinishedAt))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func cmdRuns(cfg *Config, recordingID string) int {
	return withStore(cfg, func(db *store.Store) (interface{}, error) {
		// Reject unknown recordings rather than returning an empty list.
		if _, err := db.GetRecording(recordingID); err != nil {
			return nil, err
		}
		runs, err := db.ListReplays(recordingID)
		if err != nil {
			return nil, err
		}
		return RunsResult{Runs: runs}, nil
	})
}
