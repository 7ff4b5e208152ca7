// Package testutil provides shared test helpers for the portal packages.
//
// # Fixtures
//
// The fixtures.go file provides sample data for testing:
//
//   - SampleCSV - a small voucher upload
//   - UploaderScript - a /bin/sh stand-in for the voucher uploader that
//     records its arguments and reports progress and a summary
//   - SampleClients(), SampleEnvironments() - collaborator file contents
//
// # Environment Helpers
//
// The env.go file provides test environment setup:
//
//   - SetupConfigDir(t, dir) - writes users.json, clients.json and
//     environments.json with the sample user and credentials
//   - NewStore(t) - a run store rooted in a temp directory
//   - CreateRun(t, store, fileName) - a run holding SampleCSV
//   - WriteScript(t, dir, body) - writes an executable worker script
//   - MustMarshalJSON(t, v), WriteJSON(t, path, v) - JSON helpers
//
// # Assertions
//
// The assertions.go file provides custom test assertions:
//
//   - AssertEventKinds(t, expected, events) - event kinds in order
//   - AssertExitTrailer(t, run, code) - the audit log ends with the exit line
//   - AssertControlState(t, store, runID, state) - persisted control state
//
// # Usage
//
//	func TestSomething(t *testing.T) {
//	    store := testutil.NewStore(t)
//	    run := testutil.CreateRun(t, store, "stock.csv")
//	    // ... run test ...
//	    testutil.AssertControlState(t, store, run.ID, runstore.StateRunning)
//	}
package testutil
