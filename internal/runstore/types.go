package runstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// State is the control state a worker observes by polling control.json.
type State string

// Control states. Stopped is not final: an operator may resume a stopped
// run, and the store accepts any transition between these states.
const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateRunning, StatePaused, StateStopped:
		return true
	}
	return false
}

// Fixed file names inside a run workspace.
const (
	RawFileName     = "raw.csv"
	MetaFileName    = "meta.json"
	ControlFileName = "control.json"
	LogFileName     = "terminal_output.log"
	BatchIDFileName = "procurement_batch_id.txt"
	OutcomeFileName = "result.json"
)

// Control is the persisted control record.
type Control struct {
	State State `json:"state"`
}

// Client identifies the voucher client selected on the upload form.
type Client struct {
	Name    string `json:"name"`
	OfferID string `json:"offer_id"`
}

// Meta is the immutable snapshot written when a run is created.
type Meta struct {
	RunID           string    `json:"runId"`
	FileName        string    `json:"fileName"`
	User            string    `json:"user"`
	Env             string    `json:"env"`
	Client          Client    `json:"client"`
	AmountType      string    `json:"amountType"`
	CommissionInput string    `json:"rzpCommissionInput"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Run is one upload-and-process attempt.
type Run struct {
	ID        string
	Workspace string
	BatchID   string
	Meta      Meta
}

// RawPath is the uploaded file inside the workspace.
func (r *Run) RawPath() string {
	return filepath.Join(r.Workspace, RawFileName)
}

// LogPath is the audit log the worker output is appended to.
func (r *Run) LogPath() string {
	return filepath.Join(r.Workspace, LogFileName)
}

// Summary is a listing entry for the run history table. Outcome is nil
// until the worker has reported a summary or exited.
type Summary struct {
	Meta    Meta     `json:"meta"`
	State   State    `json:"state"`
	BatchID string   `json:"procurementBatchId,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

// ErrRunNotFound is returned when a run workspace or its control record is
// missing, or the run id cannot name a workspace.
var ErrRunNotFound = errors.New("run not found")

// WorkspaceError reports a failure to create or populate a run workspace.
// Partially created workspaces are left in place for inspection.
type WorkspaceError struct {
	RunID string
	Op    string
	Err   error
}

func (e *WorkspaceError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("workspace %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("workspace %s for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}
