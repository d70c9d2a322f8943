package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueuePushesFolders(t *testing.T) {
	srv := miniredis.RunT(t)

	out, err := runCmd(t, "--redis-addr", srv.Addr(), "--queue", "jobs", "enqueue", "proj1", "proj2")
	require.NoError(t, err)
	assert.Contains(t, out, "queued proj1 on jobs")

	list, err := srv.List("jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"proj2", "proj1"}, list)
}

func TestEnqueueRequiresFolder(t *testing.T) {
	srv := miniredis.RunT(t)
	_, err := runCmd(t, "--redis-addr", srv.Addr(), "enqueue")
	assert.Error(t, err)
}

func TestStatusReportsStoredValue(t *testing.T) {
	srv := miniredis.RunT(t)
	require.NoError(t, srv.Set("status:proj1", "deployed"))

	out, err := runCmd(t, "--redis-addr", srv.Addr(), "--status-prefix", "status:", "status", "proj1")
	require.NoError(t, err)
	assert.Equal(t, "proj1: deployed\n", out)
}

func TestStatusPendingWhenUnset(t *testing.T) {
	srv := miniredis.RunT(t)

	out, err := runCmd(t, "--redis-addr", srv.Addr(), "status", "proj9")
	require.NoError(t, err)
	assert.Equal(t, "proj9: pending\n", out)
}
