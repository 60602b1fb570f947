package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"retrace/internal/store"
	"retrace/internal/trace"
)

// ImportResult is returned by the import command.
type ImportResult struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Steps int    `json:"steps"`
}

func cmdImport(cfg *Config, path string) int {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cfg.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}

	rec, err := trace.ParseRecording(data)
	if err != nil {
		fmt.Fprintf(cfg.Stderr, "error: %v\n", err)
		return ExitError
	}
	rec.ID = "" // imports always get a fresh id

	return withStore(cfg, func(db *store.Store) (interface{}, error) {
		if err := db.SaveRecording(rec); err != nil {
			return nil, err
		}
		return ImportResult{ID: rec.ID, Name: rec.Name, Steps: len(rec.Steps)}, nil
	})
}

// ExportResult is returned by the export command when writing to a file.
type ExportResult struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	Steps int    `json:"steps"`
}

func cmdExport(cfg *Config, id, path string) int {
	return withStore(cfg, func(db *store.Store) (interface{}, error) {
		rec, err := db.GetRecording(id)
		if err != nil {
			return nil, err
		}

		if path == "" {
			// No file given, write the recording itself to stdout.
			return rec, nil
		}

		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		return ExportResult{ID: rec.ID, Path: path, Steps: len(rec.Steps)}, nil
	})
}
