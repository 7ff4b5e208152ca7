// Package events defines the run-scoped events produced from worker output
// and the Hub that fans them out to subscribed connections.
package events

import "strconv"

// Kind identifies what kind of event this is.
type Kind string

const (
	// KindLog is a line of worker output with no recognised prefix.
	KindLog Kind = "log"
	// KindProgress is a parsed PROGRESS line.
	KindProgress Kind = "progress"
	// KindRowResult is a parsed ROW_LOG line.
	KindRowResult Kind = "row_result"
	// KindSummary is the terminal aggregate reported by the worker.
	KindSummary Kind = "summary"
	// KindFinished carries the worker's exit code.
	KindFinished Kind = "finished"
)

// Progress is completed/total/percentage as reported by the worker.
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// RowResult is the outcome of one uploaded voucher row.
type RowResult struct {
	Client      string `json:"client"`
	VoucherCode string `json:"voucherCode"`
	Commission  string `json:"commission"`
	Validity    string `json:"validity"`
	Status      string `json:"status"`
}

// FailedRow describes a row listed in a summary's failures.
type FailedRow struct {
	RowNumber    int    `json:"RowNumber"`
	VoucherCode  string `json:"VoucherCode"`
	StatusCode   int    `json:"StatusCode"`
	ErrorMessage string `json:"ErrorMessage"`
}

// Summary is the worker's final report.
type Summary struct {
	Total              int         `json:"total"`
	Success            int         `json:"success"`
	Failed             int         `json:"failed"`
	ProcurementBatchID string      `json:"procurementBatchID"`
	FailedResults      []FailedRow `json:"failedResults,omitempty"`
	ResultCSVPath      string      `json:"resultCsvPath"`
	FailedCSVPath      string      `json:"failedCsvPath,omitempty"`
}

// Event is one immutable unit of output for a run. Exactly one payload field
// is set, matching Kind.
type Event struct {
	RunID string `json:"runId"`
	Kind  Kind   `json:"type"`

	Line     string     `json:"line,omitempty"`
	Progress *Progress  `json:"progress,omitempty"`
	Row      *RowResult `json:"row,omitempty"`
	Summary  *Summary   `json:"summary,omitempty"`
	Code     *int       `json:"code,omitempty"`
}

// Log returns a log-line event.
func Log(runID, line string) Event {
	return Event{RunID: runID, Kind: KindLog, Line: line}
}

// Finished returns a finished event carrying the exit code.
func Finished(runID string, code int) Event {
	return Event{RunID: runID, Kind: KindFinished, Code: &code}
}

// Topic is the run-scoped event name used on the client transport,
// e.g. "run_log:<runId>".
func (e Event) Topic() string {
	var prefix string
	switch e.Kind {
	case KindLog:
		prefix = "run_log"
	case KindProgress:
		prefix = "run_progress"
	case KindRowResult:
		prefix = "run_row"
	case KindSummary:
		prefix = "run_summary"
	case KindFinished:
		prefix = "run_finished"
	default:
		prefix = "run_" + string(e.Kind)
	}
	return prefix + ":" + e.RunID
}

// String is used in log output.
func (e Event) String() string {
	switch e.Kind {
	case KindProgress:
		if e.Progress != nil {
			return "progress " + strconv.Itoa(e.Progress.Completed) + "/" + strconv.Itoa(e.Progress.Total)
		}
	case KindFinished:
		if e.Code != nil {
			return "finished code=" + strconv.Itoa(*e.Code)
		}
	}
	return string(e.Kind)
}
