package testutil

import (
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcdistribution/portal/internal/events"
	"github.com/gcdistribution/portal/internal/runstore"
)

// AssertEventKinds asserts that evs have exactly the expected kinds, in order.
func AssertEventKinds(t *testing.T, expected []events.Kind, evs []events.Event) {
	t.Helper()

	actual := make([]events.Kind, len(evs))
	for i, ev := range evs {
		actual[i] = ev.Kind
	}
	assert.Equal(t, expected, actual, "event kinds mismatch")
}

// AssertExitTrailer asserts that the run's audit log ends with the exit
// line for code.
func AssertExitTrailer(t *testing.T, run *runstore.Run, code int) {
	t.Helper()

	data, err := os.ReadFile(run.LogPath())
	require.NoError(t, err, "reading audit log")
	trailer := "\nProcess exited with code " + strconv.Itoa(code) + "\n"
	assert.True(t, strings.HasSuffix(string(data), trailer),
		"audit log should end with %q, got %q", trailer, string(data))
}

// AssertControlState asserts the persisted control state of a run.
func AssertControlState(t *testing.T, store *runstore.Store, runID string, expected runstore.State) {
	t.Helper()

	ctl, err := store.ReadControl(runID)
	require.NoError(t, err, "reading control record")
	assert.Equal(t, expected, ctl.State, "control state mismatch")
}
