package runstore

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcdistribution/portal/internal/batchid"
)

var fixedNow = time.Date(2026, time.October, 19, 9, 30, 15, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	store := NewStore(
		filepath.Join(root, "stock_uploads"),
		filepath.Join(root, "procurement_batch_id.txt"),
		WithClock(func() time.Time { return fixedNow }),
	)
	return store, root
}

func testMeta() Meta {
	return Meta{
		User:            "ops@example.com",
		Env:             "PROD",
		Client:          Client{Name: "Acme", OfferID: "ACME1"},
		AmountType:      "rupee",
		CommissionInput: "5%",
	}
}

func TestCreateRun(t *testing.T) {
	store, root := newTestStore(t)

	run, err := store.CreateRun(strings.NewReader("code,amount\nV1,100\n"), "March Stock.csv", testMeta())
	require.NoError(t, err)

	assert.Equal(t, "March-Stock_2026-10-19T09-30-15", run.ID)
	assert.Equal(t, filepath.Join(root, "stock_uploads", run.ID), run.Workspace)
	assert.True(t, batchid.Valid(run.BatchID))

	raw, err := os.ReadFile(run.RawPath())
	require.NoError(t, err)
	assert.Equal(t, "code,amount\nV1,100\n", string(raw))

	meta, err := store.ReadMeta(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, meta.RunID)
	assert.Equal(t, "March Stock.csv", meta.FileName)
	assert.Equal(t, Client{Name: "Acme", OfferID: "ACME1"}, meta.Client)
	assert.True(t, fixedNow.Equal(meta.CreatedAt))

	batch, err := os.ReadFile(filepath.Join(run.Workspace, BatchIDFileName))
	require.NoError(t, err)
	assert.Equal(t, run.BatchID, string(batch))

	ledger, err := os.ReadFile(filepath.Join(root, "procurement_batch_id.txt"))
	require.NoError(t, err)
	assert.Equal(t, run.BatchID+" March Stock.csv\n", string(ledger))
}

func TestCreateRunThenReadControlIsRunning(t *testing.T) {
	store, _ := newTestStore(t)

	run, err := store.CreateRun(strings.NewReader("x"), "a.csv", testMeta())
	require.NoError(t, err)

	control, err := store.ReadControl(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, control.State)
}

func TestCreateRunSameNameSameSecond(t *testing.T) {
	store, _ := newTestStore(t)

	first, err := store.CreateRun(strings.NewReader("1"), "batch.csv", testMeta())
	require.NoError(t, err)
	second, err := store.CreateRun(strings.NewReader("2"), "batch.csv", testMeta())
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ID+"-2", second.ID)
	assert.NotEqual(t, first.Workspace, second.Workspace)
}

func TestCreateRunWorkspaceFailure(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("file"), 0o644))

	store := NewStore(filepath.Join(blocker, "uploads"), filepath.Join(root, "ledger.txt"))
	_, err := store.CreateRun(strings.NewReader("x"), "a.csv", testMeta())

	var wsErr *WorkspaceError
	require.ErrorAs(t, err, &wsErr)
}

func TestWriteControlLastWriteWins(t *testing.T) {
	store, _ := newTestStore(t)
	run, err := store.CreateRun(strings.NewReader("x"), "a.csv", testMeta())
	require.NoError(t, err)

	for _, state := range []State{StatePaused, StateRunning, StatePaused, StateStopped} {
		require.NoError(t, store.WriteControl(run.ID, state))
	}

	control, err := store.ReadControl(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, control.State)

	entries, err := os.ReadDir(run.Workspace)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ControlFileName+"."), "leftover temp file %s", e.Name())
	}
}

func TestControlUnknownRun(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.ReadControl("missing_2026-01-01T00-00-00")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = store.WriteControl("missing_2026-01-01T00-00-00", StatePaused)
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, statErr := os.Stat(filepath.Join(store.UploadsDir(), "missing_2026-01-01T00-00-00"))
	assert.True(t, os.IsNotExist(statErr), "write must not create a workspace")
}

func TestControlRejectsTraversal(t *testing.T) {
	store, _ := newTestStore(t)

	for _, id := range []string{"", ".", "..", "../etc", "a/b"} {
		_, err := store.ReadControl(id)
		assert.ErrorIs(t, err, ErrRunNotFound, "id %q", id)
	}
}

func TestAppendBatchLedgerConcurrent(t *testing.T) {
	store, root := newTestStore(t)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := batchid.Generate()
			assert.NoError(t, err)
			assert.NoError(t, store.AppendBatchLedger(id, "file with spaces.csv"))
		}()
	}
	wg.Wait()

	f, err := os.Open(filepath.Join(root, "procurement_batch_id.txt"))
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), " ", 2)
		require.Len(t, fields, 2)
		assert.True(t, batchid.Valid(fields[0]), "bad ledger line %q", scanner.Text())
		assert.Equal(t, "file with spaces.csv", fields[1])
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, writers, lines)
}

func TestResolveFile(t *testing.T) {
	store, _ := newTestStore(t)
	run, err := store.CreateRun(strings.NewReader("x"), "a.csv", testMeta())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(run.Workspace, "result.csv"), []byte("ok"), 0o644))

	path, err := store.ResolveFile(run.ID, "result.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(run.Workspace, "result.csv"), path)

	_, err = store.ResolveFile(run.ID, "../a_2026-10-19T09-30-15/raw.csv")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = store.ResolveFile(run.ID, "missing.csv")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestListRunsNewestFirst(t *testing.T) {
	root := t.TempDir()
	now := fixedNow
	store := NewStore(filepath.Join(root, "uploads"), filepath.Join(root, "ledger.txt"),
		WithClock(func() time.Time { return now }))

	older, err := store.CreateRun(strings.NewReader("x"), "older.csv", testMeta())
	require.NoError(t, err)
	now = now.Add(time.Minute)
	newer, err := store.CreateRun(strings.NewReader("x"), "newer.csv", testMeta())
	require.NoError(t, err)
	require.NoError(t, store.WriteControl(older.ID, StateStopped))

	runs, err := store.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].Meta.RunID)
	assert.Equal(t, StateRunning, runs[0].State)
	assert.Equal(t, older.ID, runs[1].Meta.RunID)
	assert.Equal(t, StateStopped, runs[1].State)
	assert.Equal(t, older.BatchID, runs[1].BatchID)
}

func TestGetRun(t *testing.T) {
	store, _ := newTestStore(t)
	run, err := store.CreateRun(strings.NewReader("x"), "a.csv", testMeta())
	require.NoError(t, err)

	loaded, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.BatchID, loaded.BatchID)
	assert.Equal(t, run.Workspace, loaded.Workspace)
	assert.Equal(t, "ops@example.com", loaded.Meta.User)

	_, err = store.GetRun("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"March Stock", "March-Stock"},
		{"gift_cards.v2", "gift_cards.v2"},
		{"  ##  ", "upload"},
		{"Amazon (1)", "Amazon-1"},
		{"..hidden", "hidden"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, slugify(tt.in))
		})
	}
}
