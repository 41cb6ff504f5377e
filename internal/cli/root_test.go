package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqtx"
)

type result struct {
	stdout string
	stderr string
	err    error
}

func execute(args ...string) result {
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

type response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decode(t *testing.T, r result, into any) response {
	t.Helper()
	var resp response
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &resp), "stdout: %s", r.stdout)
	if into != nil {
		require.NoError(t, json.Unmarshal(resp.Data, into))
	}
	return resp
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "seqtx", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{
		"start", "finish", "abort", "renew", "reclaim", "is-successful",
		"list", "list-recent", "compact", "series", "clear", "clear-all", "sweep", "serve",
	}

	for _, name := range commands {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err, "Command %s should exist", name)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	for _, name := range []string{"backend", "dsn", "redis-addr", "verbose"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestFinishRequiresProcessor(t *testing.T) {
	r := execute("finish", "S1", "t1")
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "processor")
}

func TestInvalidFormat(t *testing.T) {
	r := execute("series", "--format", "xml")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.False(t, IsReported(r.err))
}

func TestUnknownBackend(t *testing.T) {
	r := execute("series", "--backend", "etcd", "--format", "json")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
	assert.True(t, IsReported(r.err))

	resp := decode(t, r, nil)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "INVALID", resp.Error.Code)
}

func TestClearAllNeedsConfirmation(t *testing.T) {
	r := execute("clear-all", "--backend", "memory")
	require.Error(t, r.err)
	assert.Equal(t, ExitCommandError, GetExitCode(r.err))
}

func TestMemoryBackendStart(t *testing.T) {
	r := execute("start", "S1", "t1", "--backend", "memory", "--start-pos", "0", "--format", "json")
	require.NoError(t, r.err)

	var rec seqtx.Record
	resp := decode(t, r, &rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "t1", rec.TransactionID)
	assert.Equal(t, seqtx.StateInProgress, rec.State)
	assert.NotEmpty(t, rec.ProcessorID, "a processor id is generated")
	assert.True(t, rec.First && rec.Last)
}

func TestRedisBackendLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	run := func(args ...string) result {
		return execute(append(args, "--backend", "redis", "--redis-addr", mr.Addr())...)
	}

	r := run("start", "S1", "t1", "-p", "owner", "--start-pos", "0")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "IN_PROGRESS")

	r = run("finish", "S1", "t1", "-p", "owner", "--end-pos", "10")
	require.NoError(t, r.err, r.stderr)

	r = run("is-successful", "S1", "t1")
	require.NoError(t, r.err, r.stderr)
	assert.Equal(t, "true\n", r.stdout)

	r = run("start", "S1", "t2", "--previous", "t1", "-p", "owner")
	require.NoError(t, r.err, r.stderr)
	r = run("abort", "S1", "t2", "-p", "owner")
	require.NoError(t, r.err, r.stderr)

	var records []seqtx.Record
	r = run("list-recent", "S1", "--format", "json")
	require.NoError(t, r.err, r.stderr)
	decode(t, r, &records)
	require.Len(t, records, 1)
	assert.Equal(t, "t1", records[0].TransactionID)
	assert.Equal(t, seqtx.StateSucceeded, records[0].State)
	assert.Equal(t, "10", records[0].EndPosition)

	r = run("abort", "S1", "missing", "-p", "owner", "--format", "json")
	require.Error(t, r.err)
	assert.Equal(t, ExitFailure, GetExitCode(r.err))
	resp := decode(t, r, nil)
	assert.Equal(t, "NO_SUCH_TRANSACTION", resp.Error.Code)

	var series []string
	r = run("series", "--format", "json")
	require.NoError(t, r.err, r.stderr)
	decode(t, r, &series)
	assert.Equal(t, []string{"S1"}, series)

	r = run("sweep", "--once")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "scanned=1 processed=1 failed=0 skipped=0")

	r = run("clear-all", "--yes")
	require.NoError(t, r.err, r.stderr)
	r = run("series", "--format", "json")
	require.NoError(t, r.err, r.stderr)
	series = nil
	decode(t, r, &series)
	assert.Empty(t, series)
}

func TestRedisBackendDecline(t *testing.T) {
	mr := miniredis.RunT(t)
	run := func(args ...string) result {
		return execute(append(args, "--backend", "redis", "--redis-addr", mr.Addr())...)
	}

	r := run("start", "S2", "t1", "-p", "a")
	require.NoError(t, r.err, r.stderr)

	r = run("start", "S2", "t2", "--previous", "t1", "-p", "b", "--max-in-progress", "1")
	require.Error(t, r.err)
	assert.Equal(t, ExitDeclined, GetExitCode(r.err))
	assert.True(t, IsReported(r.err))
	assert.Equal(t, "declined\n", r.stdout)

	r = run("start", "S2", "t2", "--previous", "nope", "-p", "b", "--format", "json")
	require.Error(t, r.err)
	resp := decode(t, r, nil)
	assert.Equal(t, "NO_SUCH_TRANSACTION", resp.Error.Code)
}

func TestCompactCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	run := func(args ...string) result {
		return execute(append(args, "--backend", "redis", "--redis-addr", mr.Addr())...)
	}

	for _, s := range []string{"a", "b"} {
		r := run("start", s, "t1", "-p", "owner")
		require.NoError(t, r.err, r.stderr)
	}

	r := run("compact", "a", "b", "--format", "json")
	require.NoError(t, r.err, r.stderr)
	remaining := map[string]int{}
	decode(t, r, &remaining)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, remaining)

	r = run("list", "a")
	require.NoError(t, r.err, r.stderr)
	assert.Contains(t, r.stdout, "TX")
	assert.Contains(t, r.stdout, "first,last")
}

func TestServeCommand_StopsWithContext(t *testing.T) {
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"serve", "--backend", "memory", "--addr", "127.0.0.1:0", "--no-sweep", "--format", "json"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, cmd.ExecuteContext(ctx), "stderr: %s", errOut.String())

	var summary SweepSummary
	decode(t, result{stdout: out.String()}, &summary)
	assert.Zero(t, summary.Scanned)
}
