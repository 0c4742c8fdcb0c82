package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/marketsync/internal/job"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestJobsCommands(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	db := filepath.Join(dir, "test.db")

	out, err := run(t, "--db", db, "jobs", "list")
	require.NoError(t, err)
	assert.Equal(t, "null\n", out)

	_, err = run(t, "--db", db, "jobs", "get", "abc")
	assert.Error(t, err)

	_, err = run(t, "--db", db, "jobs", "get", "42")
	assert.Error(t, err)

	out, err = run(t, "--db", db, "jobs", "stuck")
	require.NoError(t, err)
	var stuck []job.Job
	require.NoError(t, json.Unmarshal([]byte(out), &stuck))
	assert.Empty(t, stuck)
}

func TestIngest_RejectsInvalidRequest(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := run(t, "--db", filepath.Join(dir, "test.db"), "ingest", "--dataset", "nope")
	assert.Error(t, err)

	_, err = run(t, "--db", filepath.Join(dir, "test.db"), "ingest", "--start", "2024-02-01", "--end", "2024-01-01")
	assert.Error(t, err)
}

func TestExport_RequiresRange(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	_, err := run(t, "--db", filepath.Join(dir, "test.db"), "export")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b "))
}
