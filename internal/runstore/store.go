// Package runstore persists runs on disk: one workspace directory per run
// holding the raw upload, a metadata snapshot, the control record, the
// worker's audit log and its result files, plus a ledger of batch ids shared
// by every run.
package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gcdistribution/portal/internal/batchid"
)

const (
	stampLayout     = "2006-01-02T15-04-05"
	maxIDCollisions = 100
)

// Store handles run workspace storage operations.
type Store struct {
	uploadsDir string
	ledgerPath string
	ids        *batchid.Generator
	now        func() time.Time

	ledgerMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for run ids and metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithGenerator overrides the batch id generator.
func WithGenerator(g *batchid.Generator) Option {
	return func(s *Store) { s.ids = g }
}

// NewStore creates a Store keeping workspaces under uploadsDir and appending
// minted batch ids to ledgerPath.
func NewStore(uploadsDir, ledgerPath string, opts ...Option) *Store {
	s := &Store{
		uploadsDir: uploadsDir,
		ledgerPath: ledgerPath,
		ids:        batchid.New(nil),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UploadsDir returns the directory holding all run workspaces.
func (s *Store) UploadsDir() string {
	return s.uploadsDir
}

// CreateRun allocates a run id, creates its workspace and writes the raw
// upload, the metadata snapshot, the batch id and an initial running control
// record. Errors are *WorkspaceError; nothing is rolled back.
func (s *Store) CreateRun(upload io.Reader, fileName string, meta Meta) (*Run, error) {
	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		return nil, &WorkspaceError{Op: "create uploads dir", Err: err}
	}

	created := s.now()
	runID, dir, err := s.allocate(fileName, created)
	if err != nil {
		return nil, err
	}

	run := &Run{ID: runID, Workspace: dir}

	if err := writeRaw(run.RawPath(), upload); err != nil {
		return nil, &WorkspaceError{RunID: runID, Op: "write raw file", Err: err}
	}

	meta.RunID = runID
	meta.FileName = fileName
	meta.CreatedAt = created.UTC()
	if err := writeJSON(filepath.Join(dir, MetaFileName), meta); err != nil {
		return nil, &WorkspaceError{RunID: runID, Op: "write metadata", Err: err}
	}
	run.Meta = meta

	id, err := s.ids.Generate()
	if err != nil {
		return nil, &WorkspaceError{RunID: runID, Op: "mint batch id", Err: err}
	}
	if err := os.WriteFile(filepath.Join(dir, BatchIDFileName), []byte(id), 0o644); err != nil {
		return nil, &WorkspaceError{RunID: runID, Op: "write batch id", Err: err}
	}
	if err := s.AppendBatchLedger(id, fileName); err != nil {
		return nil, &WorkspaceError{RunID: runID, Op: "append ledger", Err: err}
	}
	run.BatchID = id

	if err := writeJSON(filepath.Join(dir, ControlFileName), Control{State: StateRunning}); err != nil {
		return nil, &WorkspaceError{RunID: runID, Op: "write control record", Err: err}
	}

	return run, nil
}

// allocate picks the first free "<slug>_<stamp>[-n]" directory. os.Mkdir
// fails on an existing directory, so two uploads of the same file in the
// same second never share a workspace.
func (s *Store) allocate(fileName string, created time.Time) (string, string, error) {
	base := slugify(strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName)))
	stem := base + "_" + created.Format(stampLayout)

	for n := 1; n <= maxIDCollisions; n++ {
		runID := stem
		if n > 1 {
			runID = fmt.Sprintf("%s-%d", stem, n)
		}
		dir := filepath.Join(s.uploadsDir, runID)
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return runID, dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", "", &WorkspaceError{RunID: runID, Op: "create directory", Err: err}
		}
	}
	return "", "", &WorkspaceError{RunID: stem, Op: "create directory", Err: errors.New("too many runs with the same name")}
}

// ReadControl returns the run's current control record.
func (s *Store) ReadControl(runID string) (Control, error) {
	path, err := s.path(runID, ControlFileName)
	if err != nil {
		return Control{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Control{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return Control{}, fmt.Errorf("failed to read control record: %w", err)
	}

	var control Control
	if err := json.Unmarshal(data, &control); err != nil {
		return Control{}, fmt.Errorf("failed to parse control record: %w", err)
	}
	return control, nil
}

// WriteControl overwrites the control record of an existing run. The record
// is replaced by rename so a polling worker never reads a torn file, but two
// concurrent writers still race: whichever rename lands last wins.
func (s *Store) WriteControl(runID string, state State) error {
	path, err := s.path(runID, ControlFileName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("failed to stat control record: %w", err)
	}

	data, err := json.MarshalIndent(Control{State: state}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal control record: %w", err)
	}

	if err := replaceFile(path, data); err != nil {
		return fmt.Errorf("failed to replace control record: %w", err)
	}
	return nil
}

// AppendBatchLedger appends "<batchID> <fileName>\n" to the shared ledger.
// Each entry is a single write on an O_APPEND descriptor, and appends from
// this process are serialized, so lines never interleave.
func (s *Store) AppendBatchLedger(batchID, fileName string) error {
	line := batchID + " " + strings.NewReplacer("\n", " ", "\r", " ").Replace(fileName) + "\n"

	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.ledgerPath), 0o755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	f, err := os.OpenFile(s.ledgerPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append ledger: %w", err)
	}
	return f.Close()
}

// GetRun loads a run from its workspace.
func (s *Store) GetRun(runID string) (*Run, error) {
	dir, err := s.Workspace(runID)
	if err != nil {
		return nil, err
	}
	meta, err := s.ReadMeta(runID)
	if err != nil {
		return nil, err
	}
	batch, _ := os.ReadFile(filepath.Join(dir, BatchIDFileName))
	return &Run{
		ID:        runID,
		Workspace: dir,
		BatchID:   strings.TrimSpace(string(batch)),
		Meta:      meta,
	}, nil
}

// ReadMeta returns the metadata snapshot of a run.
func (s *Store) ReadMeta(runID string) (Meta, error) {
	path, err := s.path(runID, MetaFileName)
	if err != nil {
		return Meta{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return Meta{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, nil
}

// Workspace returns the directory of an existing run.
func (s *Store) Workspace(runID string) (string, error) {
	if !validRunID(runID) {
		return "", fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	dir := filepath.Join(s.uploadsDir, runID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return dir, nil
}

// ResolveFile returns the path of a file directly inside a run workspace,
// refusing names that would escape it.
func (s *Store) ResolveFile(runID, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid file name %q", os.ErrNotExist, name)
	}
	dir, err := s.Workspace(runID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", os.ErrNotExist, name)
	}
	return path, nil
}

// ListRuns returns every run with readable metadata, newest first.
// Workspaces without metadata are skipped.
func (s *Store) ListRuns() ([]Summary, error) {
	entries, err := os.ReadDir(s.uploadsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("failed to read uploads directory: %w", err)
	}

	runs := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.ReadMeta(entry.Name())
		if err != nil {
			continue
		}
		summary := Summary{Meta: meta}
		if control, err := s.ReadControl(entry.Name()); err == nil {
			summary.State = control.State
		}
		if batch, err := os.ReadFile(filepath.Join(s.uploadsDir, entry.Name(), BatchIDFileName)); err == nil {
			summary.BatchID = strings.TrimSpace(string(batch))
		}
		if outcome, err := s.ReadOutcome(entry.Name()); err == nil {
			summary.Outcome = &outcome
		}
		runs = append(runs, summary)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].Meta.CreatedAt.After(runs[j].Meta.CreatedAt)
	})
	return runs, nil
}

func (s *Store) path(runID, name string) (string, error) {
	if !validRunID(runID) {
		return "", fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	return filepath.Join(s.uploadsDir, runID, name), nil
}

func validRunID(runID string) bool {
	if runID == "" || runID == "." || runID == ".." {
		return false
	}
	return !strings.ContainsAny(runID, `/\`) && filepath.Base(runID) == runID
}

// slugify reduces a file base name to [A-Za-z0-9._-], collapsing everything
// else to single dashes.
func slugify(name string) string {
	var sb strings.Builder
	dash := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			sb.WriteRune(r)
			dash = false
		default:
			if !dash && sb.Len() > 0 {
				sb.WriteByte('-')
				dash = true
			}
		}
	}
	slug := strings.Trim(sb.String(), "-.")
	if slug == "" {
		return "upload"
	}
	return slug
}

func writeRaw(path string, upload io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, upload); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// replaceFile swaps data in at path by writing a sibling temp file and
// renaming it over the target.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
