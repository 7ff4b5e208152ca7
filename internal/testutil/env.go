package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gcdistribution/portal/internal/auth"
	"github.com/gcdistribution/portal/internal/config"
	"github.com/gcdistribution/portal/internal/runstore"
)

// SetupConfigDir writes the collaborator files for the sample user, clients
// and environments into dir, creating it if needed. Returns dir.
func SetupConfigDir(t *testing.T, dir string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))

	hash, err := auth.HashPassword(TestPassword)
	require.NoError(t, err)

	WriteJSON(t, filepath.Join(dir, config.UsersFileName), config.UsersFile{Users: []config.User{{
		Username:    TestUsername,
		Email:       TestEmail,
		Password:    hash,
		Role:        TestRole,
		Permissions: []string{"stock_upload"},
	}}})
	WriteJSON(t, filepath.Join(dir, config.ClientsFileName), SampleClients())
	WriteJSON(t, filepath.Join(dir, config.EnvironmentsFileName), SampleEnvironments())
	return dir
}

// NewStore creates a run store whose uploads directory and batch ledger live
// in a temp directory.
func NewStore(t *testing.T, opts ...runstore.Option) *runstore.Store {
	t.Helper()
	storage := config.StorageConfig{Dir: t.TempDir()}
	return runstore.NewStore(storage.UploadsDir(), storage.LedgerPath(), opts...)
}

// CreateRun creates a run holding SampleCSV.
func CreateRun(t *testing.T, store *runstore.Store, fileName string) *runstore.Run {
	t.Helper()
	run, err := store.CreateRun(strings.NewReader(SampleCSV), fileName, runstore.Meta{Env: "UAT"})
	require.NoError(t, err)
	return run
}

// WriteScript writes an executable shell script to dir and returns its path.
func WriteScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

// MustMarshalJSON marshals v to JSON or fails the test.
func MustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// WriteJSON marshals v to path or fails the test.
func WriteJSON(t *testing.T, path string, v any) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, MustMarshalJSON(t, v), 0o644))
}
