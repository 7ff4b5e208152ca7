// Package protocol recovers structured events from the voucher worker's
// textual output.
//
// The worker writes one record per line:
//
//	PROGRESS:<completed>:<total>:<percentage>
//	ROW_LOG:<client>,<voucherCode>,<commission>,<validity>,<status...>
//	SUMMARY:<json>
//
// Anything else is passed through as a plain log line. Output arrives in
// arbitrary chunks, so the Parser buffers a trailing partial line until the
// next chunk completes it.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gcdistribution/portal/internal/events"
	"github.com/gcdistribution/portal/internal/logging"
)

// Line prefixes understood by the parser.
const (
	PrefixProgress = "PROGRESS:"
	PrefixRowLog   = "ROW_LOG:"
	PrefixSummary  = "SUMMARY:"
)

// MaxLineBytes bounds the partial-line buffer. A line longer than this is
// emitted as a plain log line in pieces, each cut on a character boundary.
const MaxLineBytes = 1 << 20

// ErrMalformedSummary is returned by ParseLine for a SUMMARY line whose
// payload is not a JSON object.
var ErrMalformedSummary = errors.New("malformed summary payload")

// Parser turns chunks of one output stream into events for one run.
// It is not safe for concurrent use.
type Parser struct {
	runID string
	log   *logging.Logger
	buf   []byte
}

// NewParser creates a Parser for runID. Dropped lines are reported to log.
func NewParser(runID string, log *logging.Logger) *Parser {
	if log == nil {
		log = logging.Discard()
	}
	return &Parser{runID: runID, log: log}
}

// Feed consumes a chunk and returns the events for every line it completes,
// in order.
func (p *Parser) Feed(chunk []byte) []events.Event {
	p.buf = append(p.buf, chunk...)

	var out []events.Event
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		out = p.appendLine(out, string(p.buf[:i]))
		p.buf = p.buf[i+1:]
	}

	if len(p.buf) > MaxLineBytes {
		cut := runeBoundary(p.buf)
		out = append(out, events.Log(p.runID, string(p.buf[:cut])))
		p.buf = append([]byte(nil), p.buf[cut:]...)
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}
	return out
}

// Flush parses whatever partial line remains. Call it once the stream has
// ended.
func (p *Parser) Flush() []events.Event {
	if len(p.buf) == 0 {
		return nil
	}
	line := string(p.buf)
	p.buf = nil
	return p.appendLine(nil, line)
}

// runeBoundary returns the length of b without a trailing incomplete UTF-8
// sequence, so a split never lands inside a multi-byte character.
func runeBoundary(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

func (p *Parser) appendLine(out []events.Event, line string) []events.Event {
	ev, err := ParseLine(p.runID, strings.TrimSuffix(line, "\r"))
	if err != nil {
		p.log.Warn("dropping worker line", "error", err, "bytes", len(line))
		return out
	}
	return append(out, ev)
}

// ParseLine converts one complete line (without its newline) into an event.
// Lines with a known prefix but an unusable body fall back to plain log
// lines, except SUMMARY, which returns ErrMalformedSummary.
func ParseLine(runID, line string) (events.Event, error) {
	switch {
	case strings.HasPrefix(line, PrefixProgress):
		if progress, ok := parseProgress(line[len(PrefixProgress):]); ok {
			return events.Event{RunID: runID, Kind: events.KindProgress, Progress: progress}, nil
		}

	case strings.HasPrefix(line, PrefixRowLog):
		if row, ok := parseRow(line[len(PrefixRowLog):]); ok {
			return events.Event{RunID: runID, Kind: events.KindRowResult, Row: row}, nil
		}

	case strings.HasPrefix(line, PrefixSummary):
		summary, err := parseSummary(line[len(PrefixSummary):])
		if err != nil {
			return events.Event{}, err
		}
		return events.Event{RunID: runID, Kind: events.KindSummary, Summary: summary}, nil
	}

	return events.Log(runID, line), nil
}

func parseProgress(body string) (*events.Progress, bool) {
	parts := strings.Split(strings.TrimSpace(body), ":")
	if len(parts) != 3 {
		return nil, false
	}
	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, false
		}
		nums[i] = n
	}
	return &events.Progress{Completed: nums[0], Total: nums[1], Percentage: nums[2]}, true
}

// parseRow splits on the first four commas; the status keeps any further
// commas.
func parseRow(body string) (*events.RowResult, bool) {
	parts := strings.SplitN(body, ",", 5)
	if len(parts) != 5 {
		return nil, false
	}
	return &events.RowResult{
		Client:      parts[0],
		VoucherCode: parts[1],
		Commission:  parts[2],
		Validity:    parts[3],
		Status:      parts[4],
	}, true
}

func parseSummary(body string) (*events.Summary, error) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedSummary)
	}
	var summary events.Summary
	if err := json.Unmarshal([]byte(trimmed), &summary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSummary, err)
	}
	return &summary, nil
}
