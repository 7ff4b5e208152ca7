// Package worker owns the external voucher-processing program: one process
// per run, its output captured to the run's audit log and turned into events.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gcdistribution/portal/internal/events"
	"github.com/gcdistribution/portal/internal/logging"
	"github.com/gcdistribution/portal/internal/protocol"
	"github.com/gcdistribution/portal/internal/runstore"
)

// Environment variables set for every worker in addition to the server's own.
const (
	EnvRunID       = "PORTAL_RUN_ID"
	EnvControlFile = "PORTAL_CONTROL_FILE"
)

const readBufferSize = 32 * 1024

// ErrAlreadyAttached is returned by Start when the run already has a live
// worker. Callers treat it as a bug: a run never gets a second worker.
var ErrAlreadyAttached = errors.New("run already has a worker attached")

// LaunchError reports that the worker program could not be started.
type LaunchError struct {
	RunID string
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch worker for run %s: %v", e.RunID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Publisher receives the events of every supervised run.
type Publisher interface {
	Publish(runID string, ev events.Event) int
}

// Credentials are passed to the worker as its first two arguments.
type Credentials struct {
	Username string
	Password string
}

// Config describes how to invoke the worker program.
type Config struct {
	// Command is the interpreter or binary, e.g. "python3".
	Command string
	// Args are interpreter flags placed before Script.
	Args []string
	// Script is the program Command runs. Empty when Command is the
	// worker itself.
	Script string
}

// Check verifies that the worker can be launched: Command resolves to an
// executable and Script, when set, is a regular file.
func (c Config) Check() error {
	if _, err := exec.LookPath(c.Command); err != nil {
		return err
	}
	if c.Script == "" {
		return nil
	}
	info, err := os.Stat(c.Script)
	if err != nil {
		return fmt.Errorf("worker script: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("worker script %s is a directory", c.Script)
	}
	return nil
}

func (c Config) commandArgs(run []string) []string {
	args := append([]string{}, c.Args...)
	if c.Script != "" {
		args = append(args, c.Script)
	}
	return append(args, run...)
}

// Manager spawns and supervises workers.
type Manager struct {
	cfg       Config
	publisher Publisher
	log       *logging.Logger

	mu     sync.Mutex
	active map[string]*Handle
	wg     sync.WaitGroup
}

// NewManager creates a Manager publishing to publisher.
func NewManager(cfg Config, publisher Publisher, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	return &Manager{
		cfg:       cfg,
		publisher: publisher,
		log:       log,
		active:    make(map[string]*Handle),
	}
}

// Handle is a live or finished worker process bound to one run.
type Handle struct {
	RunID     string
	PID       int
	StartedAt time.Time

	cmd       *exec.Cmd
	workspace string
	batchID   string
	done      chan struct{}
	exitCode  int
}

// Done is closed once the process has exited, its output is drained and the
// finished event has been published.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode is the process exit code, or -1 if it was killed by a signal.
// Only meaningful after Done is closed.
func (h *Handle) ExitCode() int {
	<-h.done
	return h.exitCode
}

// Running reports whether the process has not yet exited.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Kill forcibly terminates the process.
func (h *Handle) Kill() error {
	if !h.Running() {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker: %w", err)
	}
	return nil
}

// Args builds the worker's positional arguments:
// username, password, raw file path, workspace path, commission x100.
func Args(run *runstore.Run, creds Credentials, commission int) []string {
	return []string{
		creds.Username,
		creds.Password,
		run.RawPath(),
		run.Workspace,
		strconv.Itoa(commission),
	}
}

// Start spawns the worker for run. commission is the commission rate scaled
// by 100. The process keeps running after Start returns; its output is
// appended to the run log and published until it exits, when a finished
// event is published.
func (m *Manager) Start(run *runstore.Run, creds Credentials, commission int) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[run.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, run.ID)
	}

	if err := m.cfg.Check(); err != nil {
		return nil, &LaunchError{RunID: run.ID, Err: err}
	}

	logFile, err := os.OpenFile(run.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &LaunchError{RunID: run.ID, Err: err}
	}

	cmd := exec.Command(m.cfg.Command, m.cfg.commandArgs(Args(run, creds, commission))...)
	cmd.Env = append(os.Environ(),
		EnvRunID+"="+run.ID,
		EnvControlFile+"="+filepath.Join(run.Workspace, runstore.ControlFileName),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return nil, &LaunchError{RunID: run.ID, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return nil, &LaunchError{RunID: run.ID, Err: err}
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &LaunchError{RunID: run.ID, Err: err}
	}

	h := &Handle{
		RunID:     run.ID,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		workspace: run.Workspace,
		batchID:   run.BatchID,
		done:      make(chan struct{}),
	}
	m.active[run.ID] = h
	m.wg.Add(1)

	log := m.log.With("run", run.ID).With("pid", h.PID)
	log.Info("worker started", "command", m.cfg.Command)

	go m.supervise(h, stdout, stderr, logFile, log)
	return h, nil
}

type chunk struct {
	stream string
	data   []byte
}

// supervise drains both output streams through a single loop, so events for
// the run are published in the order the chunks were read. The run's
// result.json is written when the summary arrives and again at exit, before
// the finished event.
func (m *Manager) supervise(h *Handle, stdout, stderr io.Reader, logFile *os.File, log *logging.Logger) {
	defer m.wg.Done()

	chunks := make(chan chunk, 64)
	var g errgroup.Group
	g.Go(func() error { return readStream("stdout", stdout, chunks) })
	g.Go(func() error { return readStream("stderr", stderr, chunks) })

	var readErr error
	go func() {
		readErr = g.Wait()
		close(chunks)
	}()

	parsers := map[string]*protocol.Parser{
		"stdout": protocol.NewParser(h.RunID, log.With("stream", "stdout")),
		"stderr": protocol.NewParser(h.RunID, log.With("stream", "stderr")),
	}

	outcome := runstore.Outcome{Status: runstore.StatusFailed, BatchID: h.batchID}
	publish := func(ev events.Event) {
		if ev.Kind == events.KindSummary && ev.Summary != nil {
			outcome = summaryOutcome(ev.Summary, h.batchID)
			outcome.UpdatedAt = time.Now()
			writeOutcome(h.workspace, outcome, log)
		}
		m.publisher.Publish(h.RunID, ev)
	}

	for c := range chunks {
		if _, err := logFile.Write(c.data); err != nil {
			log.Warn("failed to append to run log", "error", err)
		}
		for _, ev := range parsers[c.stream].Feed(c.data) {
			publish(ev)
		}
	}
	if readErr != nil {
		log.Warn("worker output read failed", "error", readErr)
	}
	for _, stream := range []string{"stdout", "stderr"} {
		for _, ev := range parsers[stream].Flush() {
			publish(ev)
		}
	}

	h.exitCode = exitCode(h.cmd.Wait())

	if _, err := fmt.Fprintf(logFile, "\nProcess exited with code %d\n", h.exitCode); err != nil {
		log.Warn("failed to write exit marker", "error", err)
	}
	if err := logFile.Close(); err != nil {
		log.Warn("failed to close run log", "error", err)
	}

	code := h.exitCode
	outcome.ExitCode = &code
	outcome.UpdatedAt = time.Now()
	outcome.FinishedAt = outcome.UpdatedAt
	writeOutcome(h.workspace, outcome, log)

	m.mu.Lock()
	delete(m.active, h.RunID)
	m.mu.Unlock()

	m.publisher.Publish(h.RunID, events.Finished(h.RunID, h.exitCode))
	log.Info("worker exited", "code", h.exitCode)
	close(h.done)
}

func summaryOutcome(sum *events.Summary, batchID string) runstore.Outcome {
	if sum.ProcurementBatchID != "" {
		batchID = sum.ProcurementBatchID
	}
	return runstore.Outcome{
		Status:        runstore.StatusOf(sum.Success, sum.Failed),
		Reported:      true,
		Total:         sum.Total,
		Success:       sum.Success,
		Failed:        sum.Failed,
		BatchID:       batchID,
		ResultCSVPath: sum.ResultCSVPath,
		FailedCSVPath: sum.FailedCSVPath,
	}
}

func writeOutcome(workspace string, o runstore.Outcome, log *logging.Logger) {
	if err := runstore.WriteOutcome(workspace, o); err != nil {
		log.Warn("failed to record run outcome", "error", err)
	}
}

func readStream(name string, r io.Reader, out chan<- chunk) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- chunk{stream: name, data: data}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Active returns the live worker of runID, if any.
func (m *Manager) Active(runID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.active[runID]
	return h, ok
}

// ActiveCount returns the number of live workers.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// TerminateAfter kills the worker of runID if it is still running after
// grace. It reports whether a worker was attached when called.
func (m *Manager) TerminateAfter(runID string, grace time.Duration) bool {
	h, ok := m.Active(runID)
	if !ok {
		return false
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-h.Done():
		case <-timer.C:
			m.log.Warn("worker ignored stop, terminating", "run", runID, "grace", grace)
			if err := h.Kill(); err != nil {
				m.log.Error("terminate worker", "run", runID, "error", err)
			}
		}
	}()
	return true
}

// Shutdown waits for every worker to exit. When ctx ends first, the remaining
// workers are killed and Shutdown returns ctx.Err() once they are reaped.
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if err := h.Kill(); err != nil {
			m.log.Error("kill worker on shutdown", "run", h.RunID, "error", err)
		}
	}
	<-done
	return ctx.Err()
}
