package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: %s
processes: 2
work: 2
extra: 1
batch:
  message_limit: 4
  time_limit: 5ms
assertions:
  - type: complete
  - type: observed_count
    stage: DoWork
    count: 4
`

const lossyScenario = `name: lossy
processes: 2
work: 2
extra: 1
batch:
  message_limit: 4
  time_limit: 5ms
faults:
  drop_keys:
    DoWork: ["1-1"]
assertions:
  - type: complete
`

func writeScenario(t *testing.T, dir, file, content string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func scenarioText(name string) string {
	return fmt.Sprintf(passingScenario, name)
}

func executeTest(format string, args ...string) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest("text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentDirectory(t *testing.T) {
	_, err := executeTest("text", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyDirectory(t *testing.T) {
	buf, err := executeTest("text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No scenarios found.")
}

func TestTestCommandEmptyDirectoryJSON(t *testing.T) {
	buf, err := executeTest("json", t.TempDir())
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Empty(t, resp.Data.Scenarios)
}

func TestTestCommandPassingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "ok.yaml", scenarioText("ok"))

	buf, err := executeTest("text", dir)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ ok")
	assert.Contains(t, buf.String(), "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, buf.String(), "✓ All scenarios passed")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "lossy.yaml", lossyScenario)

	buf, err := executeTest("text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "✗ lossy")
	assert.Contains(t, buf.String(), "Assertion failed: complete")
	assert.Contains(t, buf.String(), "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "ok.yaml", scenarioText("ok"))
	writeScenario(t, dir, "lossy.yaml", lossyScenario)

	buf, err := executeTest("json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
}

func TestTestCommandInvalidScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", "name: broken\n")

	buf, err := executeTest("text", dir)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "✗ broken.yaml")
	assert.Contains(t, buf.String(), "failed to load scenario")
}

func TestTestCommandUpdateGolden(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "ok.yaml", scenarioText("ok"))

	buf, err := executeTest("text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ ok (golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "ok.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario":"ok"`)
	assert.Contains(t, string(golden), `"complete":true`)

	// The golden directory is not scanned and the snapshot reproduces.
	buf, err = executeTest("text", dir)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "ok.yaml", scenarioText("ok"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "ok.golden"), []byte(`{"stale":true}`), 0644))

	buf, err := executeTest("text", dir)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "report does not match golden file")
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "ok_one.yaml", scenarioText("ok_one"))
	writeScenario(t, dir, "lossy.yaml", lossyScenario)

	buf, err := executeTest("text", dir, "--filter", "ok_*")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ ok_one")
	assert.NotContains(t, buf.String(), "lossy")
	assert.Contains(t, buf.String(), "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommandInvalidFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "ok.yaml", scenarioText("ok"))

	_, err := executeTest("text", dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandRepositoryScenarios(t *testing.T) {
	dir := filepath.Join("..", "..", "testdata", "scenarios")

	buf, err := executeTest("text", dir)
	require.NoError(t, err, buf.String())
	assert.Contains(t, buf.String(), "✓ All scenarios passed")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("a", "b", "golden", "lost_work.golden"),
		goldenFilePath(filepath.Join("a", "b", "lost_work.yaml")))
}
