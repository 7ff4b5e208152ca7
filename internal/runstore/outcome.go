package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status classifies a finished run for the history table.
type Status string

// Run statuses.
const (
	StatusSuccess = Status("Success")
	StatusPartial = Status("Partial Success")
	StatusFailed  = Status("Failed")
)

// StatusOf derives a status from row counts: no failures is a success, no
// successes is a failure, anything else is partial.
func StatusOf(success, failed int) Status {
	switch {
	case failed == 0:
		return StatusSuccess
	case success == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Outcome is the run result recorded in result.json. It is written once when
// the worker reports its summary and again when the worker exits, which adds
// ExitCode and FinishedAt. A worker that exits without a summary leaves an
// outcome with Reported false and status Failed.
type Outcome struct {
	Status        Status    `json:"status"`
	Reported      bool      `json:"reported"`
	Total         int       `json:"total"`
	Success       int       `json:"success"`
	Failed        int       `json:"failed"`
	BatchID       string    `json:"procurementBatchId,omitempty"`
	ResultCSVPath string    `json:"resultCsvPath,omitempty"`
	FailedCSVPath string    `json:"failedCsvPath,omitempty"`
	ExitCode      *int      `json:"exitCode,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
	FinishedAt    time.Time `json:"finishedAt,omitzero"`
}

// Finished reports whether the worker had exited when the outcome was
// written.
func (o Outcome) Finished() bool {
	return o.ExitCode != nil
}

// WriteOutcome replaces the result.json of the run in workspace.
func WriteOutcome(workspace string, o Outcome) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run outcome: %w", err)
	}
	if err := replaceFile(filepath.Join(workspace, OutcomeFileName), data); err != nil {
		return fmt.Errorf("failed to write run outcome: %w", err)
	}
	return nil
}

// ReadOutcome returns the recorded outcome of runID. It wraps os.ErrNotExist
// while the worker has reported nothing.
func (s *Store) ReadOutcome(runID string) (Outcome, error) {
	path, err := s.path(runID, OutcomeFileName)
	if err != nil {
		return Outcome{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Outcome{}, fmt.Errorf("no outcome for run %s: %w", runID, err)
		}
		return Outcome{}, fmt.Errorf("failed to read run outcome: %w", err)
	}
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return Outcome{}, fmt.Errorf("failed to parse run outcome: %w", err)
	}
	return o, nil
}
