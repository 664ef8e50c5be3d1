package controller

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-runner/internal/executors"
	"github.com/ChuLiYu/beaver-runner/internal/lifecycle"
	"github.com/ChuLiYu/beaver-runner/internal/metrics"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// testConfig returns a config running a plain bash in a temp directory
func testConfig(t *testing.T) Config {
	t.Helper()

	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}

	return Config{
		WorkDir:         t.TempDir(),
		Shell:           bash,
		ShellArgs:       []string{"--noprofile", "--norc"},
		LogDir:          t.TempDir(),
		CallbackRetries: 1,
		CallbackBackoff: time.Millisecond,
	}
}

func cmds(directives ...string) []types.Command {
	out := make([]types.Command, 0, len(directives))
	for _, d := range directives {
		out = append(out, types.Command{Directive: d})
	}
	return out
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func runJob(t *testing.T, job *types.JobRequest, cfg Config) *Report {
	t.Helper()

	c, err := New(job, cfg)
	require.NoError(t, err)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFinished, c.State())

	return report
}

// readEvents parses the job's JSON lines log
func readEvents(t *testing.T, path string) []map[string]any {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e), scanner.Text())
		events = append(events, e)
	}
	require.NoError(t, scanner.Err())

	return events
}

// outputOf concatenates the cmd_output events of the first directive named d
func outputOf(events []map[string]any, d string) (string, []string) {
	var out strings.Builder
	var chunks []string
	inside := false

	for _, e := range events {
		switch e["event"] {
		case "cmd_started":
			inside = e["directive"] == d
		case "cmd_output":
			if inside {
				chunk := e["output"].(string)
				out.WriteString(chunk)
				chunks = append(chunks, chunk)
			}
		case "cmd_finished":
			if inside {
				return out.String(), chunks
			}
		}
	}
	return out.String(), chunks
}

func directives(report *Report) []string {
	return types.Directives(report.Commands)
}

// callbackRecorder collects callback requests in arrival order
type callbackRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callbackRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.calls = append(r.calls, req.URL.Path+" "+string(body))
		r.mu.Unlock()
	})
}

func (r *callbackRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// ============================================================================
// Job Lifecycle Tests
// ============================================================================

func TestRun_PassingJob(t *testing.T) {
	cfg := testConfig(t)
	rec := &callbackRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	job := &types.JobRequest{
		ID:       "passing-job",
		Executor: types.ExecutorShell,
		EnvVars:  []types.EnvVar{{Name: "GREETING", Value: b64("hello world")}},
		Files:    []types.File{{Path: "/tmp/beaver-passing-job-a", Content: b64("hello\n"), Mode: "0600"}},
		Commands: cmds("echo $GREETING", "cat /tmp/beaver-passing-job-a"),

		EpilogueAlwaysCommands: cmds("echo always $SEMAPHORE_JOB_RESULT"),
		EpilogueOnPassCommands: cmds("echo on pass"),
		EpilogueOnFailCommands: cmds("echo on fail"),

		Callbacks: types.Callbacks{
			Finished:         srv.URL + "/finished",
			TeardownFinished: srv.URL + "/teardown",
		},
	}
	t.Cleanup(func() { os.Remove("/tmp/beaver-passing-job-a") })

	report := runJob(t, job, cfg)

	assert.Equal(t, types.ResultPassed, report.Result)
	assert.Empty(t, report.Failures)
	assert.Equal(t, []string{
		executors.DirectiveExportEnvVars,
		executors.DirectiveInjectFiles,
		"echo $GREETING",
		"cat /tmp/beaver-passing-job-a",
		executors.DirectiveExportEnvVars,
		"echo always $SEMAPHORE_JOB_RESULT",
		"echo on pass",
	}, directives(report))

	assert.Equal(t, []lifecycle.State{
		lifecycle.StateInit,
		lifecycle.StatePreparing,
		lifecycle.StateInjectingEnvVars,
		lifecycle.StateInjectingFiles,
		lifecycle.StateRunningCommands,
		lifecycle.StateExportingResult,
		lifecycle.StateEpilogue,
		lifecycle.StateTornDown,
		lifecycle.StateFinished,
	}, report.States)

	events := readEvents(t, report.LogPath)
	assert.Equal(t, "job_started", events[0]["event"])
	last := events[len(events)-1]
	assert.Equal(t, "job_finished", last["event"])
	assert.Equal(t, "passed", last["result"])

	out, _ := outputOf(events, executors.DirectiveExportEnvVars)
	assert.Equal(t, "Exporting GREETING\n", out)
	out, _ = outputOf(events, executors.DirectiveInjectFiles)
	assert.Equal(t, "Injecting /tmp/beaver-passing-job-a with file mode 0600\n", out)
	out, _ = outputOf(events, "echo $GREETING")
	assert.Equal(t, "hello world\n", out)
	out, _ = outputOf(events, "cat /tmp/beaver-passing-job-a")
	assert.Equal(t, "hello\n", out)
	out, _ = outputOf(events, "echo always $SEMAPHORE_JOB_RESULT")
	assert.Equal(t, "always passed\n", out)

	info, err := os.Stat("/tmp/beaver-passing-job-a")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	assert.Equal(t, []string{
		`/finished {"result":"passed"}`,
		`/teardown {}`,
	}, rec.all())
}

func TestRun_FailingCommandDoesNotStopJob(t *testing.T) {
	cfg := testConfig(t)

	job := &types.JobRequest{
		ID:       "failing-job",
		Commands: cmds("echo first", "this-command-does-not-exist", "echo still running"),

		EpilogueAlwaysCommands: cmds("echo always"),
		EpilogueOnPassCommands: cmds("echo on pass"),
		EpilogueOnFailCommands: cmds("echo on fail $SEMAPHORE_JOB_RESULT"),
	}

	report := runJob(t, job, cfg)

	assert.Equal(t, types.ResultFailed, report.Result)
	assert.Equal(t, []lifecycle.Failure{
		{Kind: lifecycle.FailureCommand, Directive: "this-command-does-not-exist", ExitCode: 127},
	}, report.Failures)

	assert.Contains(t, directives(report), "echo still running")
	assert.Contains(t, directives(report), "echo on fail $SEMAPHORE_JOB_RESULT")
	assert.NotContains(t, directives(report), "echo on pass")

	events := readEvents(t, report.LogPath)
	out, _ := outputOf(events, "this-command-does-not-exist")
	assert.Contains(t, out, "command not found")
	out, _ = outputOf(events, "echo on fail $SEMAPHORE_JOB_RESULT")
	assert.Equal(t, "on fail failed\n", out)

	for _, cmd := range report.Commands {
		if cmd.Directive == "this-command-does-not-exist" {
			assert.Equal(t, 127, cmd.ExitCode)
		}
		assert.LessOrEqual(t, cmd.StartedAt, cmd.FinishedAt)
	}
}

func TestRun_NoEpilogueListsEmitNoEpilogueEvents(t *testing.T) {
	cfg := testConfig(t)

	report := runJob(t, &types.JobRequest{ID: "bare", Commands: cmds("true")}, cfg)

	assert.Equal(t, []string{
		executors.DirectiveExportEnvVars,
		executors.DirectiveInjectFiles,
		"true",
		executors.DirectiveExportEnvVars,
	}, directives(report))
}

func TestRun_UnknownExecutorIsSetupFailure(t *testing.T) {
	cfg := testConfig(t)
	rec := &callbackRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	job := &types.JobRequest{
		ID:                     "bad-executor",
		Executor:               "vm",
		Commands:               cmds("echo never"),
		EpilogueAlwaysCommands: cmds("echo always"),
		EpilogueOnPassCommands: cmds("echo on pass"),
		EpilogueOnFailCommands: cmds("echo on fail"),
		Callbacks:              types.Callbacks{Finished: srv.URL + "/finished", TeardownFinished: srv.URL + "/teardown"},
	}

	report := runJob(t, job, cfg)

	assert.Equal(t, types.ResultFailed, report.Result)
	require.NotEmpty(t, report.Failures)
	assert.Equal(t, lifecycle.Failure{Kind: lifecycle.FailureSetup, Directive: "executor", ExitCode: 1}, report.Failures[0])
	assert.Equal(t, []lifecycle.State{
		lifecycle.StateInit,
		lifecycle.StatePreparing,
		lifecycle.StateExportingResult,
		lifecycle.StateEpilogue,
		lifecycle.StateTornDown,
		lifecycle.StateFinished,
	}, report.States)

	// main commands never run; result export and the epilogue still do
	assert.Equal(t, []string{
		executors.DirectiveExportEnvVars,
		"echo always",
		"echo on fail",
	}, directives(report))

	for _, cmd := range report.Commands {
		assert.Equal(t, 1, cmd.ExitCode, cmd.Directive)
	}

	events := readEvents(t, report.LogPath)
	out, _ := outputOf(events, "echo always")
	assert.Equal(t, "Shell session is not running\n", out)
	assert.Equal(t, "failed", events[len(events)-1]["result"])

	assert.Equal(t, []string{`/finished {"result":"failed"}`, `/teardown {}`}, rec.all())
}

func TestRun_ShellStartFailureStillRunsEpilogue(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shell = filepath.Join(t.TempDir(), "no-such-shell")

	job := &types.JobRequest{
		ID:                     "no-shell",
		Commands:               cmds("echo never"),
		EpilogueAlwaysCommands: cmds("echo cleanup"),
		EpilogueOnFailCommands: cmds("echo failed"),
	}

	report := runJob(t, job, cfg)

	assert.Equal(t, types.ResultFailed, report.Result)
	assert.Equal(t, lifecycle.FailureSetup, report.Failures[0].Kind)
	assert.Equal(t, []string{
		executors.DirectiveExportEnvVars,
		"echo cleanup",
		"echo failed",
	}, directives(report))

	events := readEvents(t, report.LogPath)
	out, _ := outputOf(events, "echo cleanup")
	assert.Equal(t, "Shell session is not running\n", out)
}

func TestRun_JobTimeoutStopsMainCommands(t *testing.T) {
	cfg := testConfig(t)
	cfg.JobTimeout = 300 * time.Millisecond

	job := &types.JobRequest{
		ID:                     "slow-job",
		Commands:               cmds("sleep 10", "echo never"),
		EpilogueAlwaysCommands: cmds("echo epilogue"),
	}

	start := time.Now()
	report := runJob(t, job, cfg)
	assert.Less(t, time.Since(start), 8*time.Second)

	assert.Equal(t, types.ResultFailed, report.Result)
	require.NotEmpty(t, report.Failures)
	assert.Equal(t, lifecycle.FailureTimeout, report.Failures[0].Kind)
	assert.NotContains(t, directives(report), "echo never")
	assert.Contains(t, directives(report), "echo epilogue")

	events := readEvents(t, report.LogPath)
	out, _ := outputOf(events, "sleep 10")
	assert.Equal(t, "Job timed out\n", out)
	out, _ = outputOf(events, "echo epilogue")
	assert.Equal(t, "Shell session is no longer running\n", out)
}

func TestRun_CommandTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.CommandTimeout = 200 * time.Millisecond

	report := runJob(t, &types.JobRequest{ID: "cmd-timeout", Commands: cmds("sleep 10")}, cfg)

	assert.Equal(t, types.ResultFailed, report.Result)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, lifecycle.Failure{Kind: lifecycle.FailureTimeout, Directive: "sleep 10", ExitCode: executors.ExitCodeTimeout}, report.Failures[0])
}

func TestRun_InjectionFailureFailsJob(t *testing.T) {
	cfg := testConfig(t)

	job := &types.JobRequest{
		ID:       "bad-env",
		EnvVars:  []types.EnvVar{{Name: "BROKEN", Value: "not base64!"}},
		Commands: cmds("echo runs anyway"),
	}

	report := runJob(t, job, cfg)

	assert.Equal(t, types.ResultFailed, report.Result)
	assert.Equal(t, lifecycle.FailureInjection, report.Failures[0].Kind)
	assert.Contains(t, directives(report), "echo runs anyway")
}

func TestRun_MultiByteOutputIsNeverSplit(t *testing.T) {
	cfg := testConfig(t)

	// 3-byte characters so chunk boundaries at 100 bytes fall inside one
	directive := `for i in $(seq 1 200); do printf '€'; done; echo`
	report := runJob(t, &types.JobRequest{ID: "unicode", Commands: cmds(directive)}, cfg)

	events := readEvents(t, report.LogPath)
	out, chunks := outputOf(events, directive)

	assert.Equal(t, strings.Repeat("€", 200)+"\n", out)
	assert.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk))
		assert.LessOrEqual(t, len(chunk), 100)
	}
}

func TestRun_ExportedVariablesReachEpilogue(t *testing.T) {
	cfg := testConfig(t)

	job := &types.JobRequest{
		ID:                     "env-epilogue",
		EnvVars:                []types.EnvVar{{Name: "B", Value: b64("2")}, {Name: "A", Value: b64("1")}},
		Commands:               cmds("export C=3"),
		EpilogueAlwaysCommands: cmds("echo $A$B$C"),
	}

	report := runJob(t, job, cfg)
	events := readEvents(t, report.LogPath)

	out, _ := outputOf(events, executors.DirectiveExportEnvVars)
	assert.Equal(t, "Exporting A\nExporting B\n", out)
	out, _ = outputOf(events, "echo $A$B$C")
	assert.Equal(t, "123\n", out)
}

func TestRun_RedisLogger(t *testing.T) {
	cfg := testConfig(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg.Redis = client
	cfg.RedisTTL = time.Hour

	job := &types.JobRequest{
		ID:       "redis-job",
		Commands: cmds("echo via redis"),
		Logger:   types.LoggerConfig{Method: types.LoggerMethodRedis, KeyPrefix: "test:logs"},
	}

	report := runJob(t, job, cfg)

	lines, err := mr.List("test:logs:redis-job")
	require.NoError(t, err)

	events := readEvents(t, report.LogPath)
	assert.Len(t, lines, len(events))
	assert.Contains(t, lines[len(lines)-1], `"job_finished"`)
	assert.True(t, mr.TTL("test:logs:redis-job") > 0)
}

func TestRun_RecordsMetrics(t *testing.T) {
	cfg := testConfig(t)
	reg := prometheus.NewRegistry()
	cfg.Metrics = metrics.NewCollector(reg)

	runJob(t, &types.JobRequest{ID: "metrics-1", Commands: cmds("true")}, cfg)
	runJob(t, &types.JobRequest{ID: "metrics-2", Commands: cmds("false")}, cfg)

	assert.Equal(t, 2, testutil.CollectAndCount(reg, "beaver_jobs_finished_total"))
}

func TestRun_CancelledContext(t *testing.T) {
	cfg := testConfig(t)

	c, err := New(&types.JobRequest{
		ID:                     "cancelled",
		Commands:               cmds("sleep 10", "echo never"),
		EpilogueAlwaysCommands: cmds("echo epilogue"),
	}, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	report, err := c.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, types.ResultFailed, report.Result)
	assert.NotContains(t, directives(report), "echo never")

	events := readEvents(t, report.LogPath)
	out, _ := outputOf(events, "sleep 10")
	assert.Equal(t, "Job was stopped\n", out)
}

// ============================================================================
// Job Loading Tests
// ============================================================================

func TestLoadJobFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"id": "from-file",
		"commands": [{"directive": "echo hi"}],
		"callbacks": {"finished": "http://localhost/f"}
	}`), 0644))

	job, err := LoadJobFile(path)
	require.NoError(t, err)

	assert.Equal(t, types.JobID("from-file"), job.ID)
	assert.Equal(t, types.ExecutorShell, job.Executor)
	assert.Equal(t, types.LoggerMethodPull, job.Logger.Method)
	assert.Equal(t, []string{"echo hi"}, types.Directives(job.Commands))

	_, err = LoadJobFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadJob(strings.NewReader(`{"commands": []}`))
	assert.Error(t, err, "id is required")
}

func TestNew_RejectsUnknownLoggerMethod(t *testing.T) {
	_, err := New(&types.JobRequest{ID: "x", Logger: types.LoggerConfig{Method: "carrier-pigeon"}}, Config{LogDir: t.TempDir()})
	assert.Error(t, err)
}
