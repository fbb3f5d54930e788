package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fanout/internal/ir"
	"github.com/roach88/fanout/internal/store"
	"github.com/roach88/fanout/internal/testutil"
)

func executeReport(format string, args ...string) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	cmd := NewReportCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

// seedLedger records one complete and one lossy run.
func seedLedger(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	opts := newRunOptions(t, "json")
	opts.Database = dbPath
	opts.RunIDGenerator = testutil.NewFixedRunIDGenerator("run-complete")
	_, _, err := executeRun(opts)
	require.NoError(t, err)

	opts = newRunOptions(t, "json")
	opts.Database = dbPath
	opts.RunIDGenerator = testutil.NewFixedRunIDGenerator("run-lossy")
	opts.Drop = []string{"DoWork:0-1"}
	_, _, err = executeRun(opts)
	require.Error(t, err)

	return dbPath
}

func TestReportList(t *testing.T) {
	dbPath := seedLedger(t)

	buf, err := executeReport("text", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "run-complete")
	assert.Contains(t, buf.String(), "run-lossy")
	assert.Contains(t, buf.String(), "2 missing")
}

func TestReportListJSON(t *testing.T) {
	dbPath := seedLedger(t)

	buf, err := executeReport("json", "--db", dbPath, "--limit", "1")
	require.NoError(t, err)

	var resp struct {
		Status string             `json:"status"`
		Data   []store.RunSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Data, 1)
}

func TestReportShowRun(t *testing.T) {
	dbPath := seedLedger(t)

	buf, err := executeReport("text", "--db", dbPath, "--run", "run-lossy")
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "Run run-lossy (topology small, counts [2 3 1])")
	assert.Contains(t, output, "missing: 0-1")
	assert.Contains(t, output, "✗ 2 keys missing")
}

func TestReportShowRunJSON(t *testing.T) {
	dbPath := seedLedger(t)

	buf, err := executeReport("json", "--db", dbPath, "--run", "run-complete")
	require.NoError(t, err)

	var resp struct {
		Data ir.Report `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "run-complete", resp.Data.RunID)
	assert.True(t, resp.Data.Complete)
	assert.Equal(t, 0, resp.Data.MissingCount())
}

func TestReportRunNotFound(t *testing.T) {
	dbPath := seedLedger(t)

	buf, err := executeReport("text", "--db", dbPath, "--run", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "run not found: nope")
}

func TestReportEmptyLedger(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	buf, err := executeReport("text", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No runs recorded.")
}

func TestReportDatabaseNotFound(t *testing.T) {
	buf, err := executeReport("text", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "database not found")
}

func TestReportRequiresDatabase(t *testing.T) {
	_, err := executeReport("text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "db" not set`)
}
