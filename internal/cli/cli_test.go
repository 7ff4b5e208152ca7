package cli

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcdistribution/portal/internal/auth"
	"github.com/gcdistribution/portal/internal/config"
	"github.com/gcdistribution/portal/internal/events"
	"github.com/gcdistribution/portal/internal/logging"
	"github.com/gcdistribution/portal/internal/testutil"
)

func TestRootCommand(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["hash-password"])
	assert.Equal(t, Version, rootCmd.Version)
}

func TestServeFlags(t *testing.T) {
	tests := []struct {
		name     string
		defValue string
	}{
		{"config", "portal.yaml"},
		{"env-file", ".env"},
		{"port", "0"},
		{"log-level", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := serveCmd.Flags().Lookup(tt.name)
			require.NotNil(t, flag)
			assert.Equal(t, tt.defValue, flag.DefValue)
		})
	}
}

func TestHashPassword(t *testing.T) {
	var out bytes.Buffer
	hashPasswordCmd.SetIn(strings.NewReader("s3cret-value\n"))
	hashPasswordCmd.SetOut(&out)
	t.Cleanup(func() {
		hashPasswordCmd.SetIn(nil)
		hashPasswordCmd.SetOut(nil)
	})

	require.NoError(t, runHashPassword(hashPasswordCmd, nil))

	hash := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"), hash)
	ok, err := auth.VerifyPassword("s3cret-value", hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReadPassword(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"line", "hunter2\n", "hunter2", nil},
		{"crlf", "hunter2\r\n", "hunter2", nil},
		{"no newline", "hunter2", "hunter2", nil},
		{"keeps inner spaces", "correct horse\n", "correct horse", nil},
		{"empty", "\n", "", auth.ErrEmptyPassword},
		{"no input", "", "", auth.ErrEmptyPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPassword(strings.NewReader(tt.input), &bytes.Buffer{})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRunServe_InvalidConfig(t *testing.T) {
	t.Setenv(config.EnvPort, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "portal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o644))

	serveConfig, serveEnvFile, servePort, serveLogLevel = path, filepath.Join(dir, "missing.env"), 0, ""
	t.Cleanup(func() {
		serveConfig, serveEnvFile, servePort, serveLogLevel = "portal.yaml", ".env", 0, ""
	})

	err := runServe(serveCmd, nil)
	require.Error(t, err)
	assert.True(t, config.IsValidationError(err), err.Error())
}

func TestRunServe_BadLogLevel(t *testing.T) {
	t.Setenv(config.EnvPort, "")
	dir := t.TempDir()

	serveConfig, serveEnvFile, servePort, serveLogLevel = filepath.Join(dir, "missing.yaml"), filepath.Join(dir, "missing.env"), 0, "loud"
	t.Cleanup(func() {
		serveConfig, serveEnvFile, servePort, serveLogLevel = "portal.yaml", ".env", 0, ""
	})

	err := runServe(serveCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}

func TestApp_RunUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Storage.Dir = filepath.Join(dir, "storage")
	cfg.ConfigDir = testutil.SetupConfigDir(t, filepath.Join(dir, "config"))

	a, err := newApp(&cfg, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- a.run(ctx) }()

	require.Eventually(t, func() bool { return a.server.ListenAddr() != "" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.server.ListenAddr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + a.server.ListenAddr() + "/stock/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	login := `{"email":"` + testutil.TestEmail + `","password":"` + testutil.TestPassword + `"}`
	resp, err = http.Post("http://"+a.server.ListenAddr()+"/auth/login", "application/json", strings.NewReader(login))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.False(t, a.hub.Subscribe(idleSubscriber{}, "run-1"), "event hub is closed on shutdown")
}

type idleSubscriber struct{}

func (idleSubscriber) ID() string           { return "idle" }
func (idleSubscriber) Deliver(events.Event) {}
