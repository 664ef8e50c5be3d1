package executors

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-runner/internal/eventlogger"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

type testLog struct {
	logger *eventlogger.Logger
	path   string
}

func newTestLog(t *testing.T) *testLog {
	t.Helper()

	path := filepath.Join(t.TempDir(), "events.json")
	logger := eventlogger.NewLogger(eventlogger.NewFileBackend(path))
	require.NoError(t, logger.Open())

	return &testLog{logger: logger, path: path}
}

// step is one directive as seen in the event log
type step struct {
	Directive string
	Output    string
	ExitCode  int
}

// steps closes the logger and folds the event log into one step per directive
func (l *testLog) steps(t *testing.T) []step {
	t.Helper()

	require.NoError(t, l.logger.Close())

	file, err := os.Open(l.path)
	require.NoError(t, err)
	defer file.Close()

	var out []step
	var current *step

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))

		switch e["event"] {
		case eventlogger.EventCmdStarted:
			current = &step{Directive: e["directive"].(string)}
		case eventlogger.EventCmdOutput:
			require.NotNil(t, current, "output outside of a command")
			current.Output += e["output"].(string)
		case eventlogger.EventCmdFinished:
			require.NotNil(t, current)
			assert.Equal(t, current.Directive, e["directive"])
			current.ExitCode = int(e["exit_code"].(float64))
			out = append(out, *current)
			current = nil
		}
	}
	require.NoError(t, scanner.Err())

	return out
}

// outputs returns every cmd_output payload, one entry per event
func (l *testLog) outputs(t *testing.T) []string {
	t.Helper()

	require.NoError(t, l.logger.Close())

	data, err := os.ReadFile(l.path)
	require.NoError(t, err)

	var out []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		if e["event"] == eventlogger.EventCmdOutput {
			out = append(out, e["output"].(string))
		}
	}

	return out
}

func requireBash(t *testing.T) string {
	t.Helper()

	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	return bash
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func startShellExecutor(t *testing.T, l *testLog, mutate func(*Options)) *ShellExecutor {
	t.Helper()

	opts := Options{
		Logger:    l.logger,
		WorkDir:   t.TempDir(),
		Shell:     requireBash(t),
		ShellArgs: []string{"--noprofile", "--norc"},
	}
	if mutate != nil {
		mutate(&opts)
	}

	e := NewShellExecutor(opts)
	ctx := context.Background()
	require.Equal(t, 0, e.Prepare(ctx))
	require.Equal(t, 0, e.Start(ctx))

	t.Cleanup(func() {
		e.Stop(context.Background())
		e.Cleanup(context.Background())
	})

	return e
}

func TestNew_SelectsBackend(t *testing.T) {
	l := newTestLog(t)

	e, err := New(&types.JobRequest{ID: "a", Executor: types.ExecutorShell}, Options{Logger: l.logger})
	require.NoError(t, err)
	assert.IsType(t, &ShellExecutor{}, e)

	e, err = New(&types.JobRequest{ID: "a", Executor: types.ExecutorDockerCompose}, Options{Logger: l.logger, Docker: newFakeDocker(t)})
	require.NoError(t, err)
	assert.IsType(t, &DockerComposeExecutor{}, e)

	_, err = New(&types.JobRequest{ID: "a", Executor: "vm"}, Options{Logger: l.logger})
	assert.ErrorIs(t, err, ErrUnknownExecutor)

	_, err = New(&types.JobRequest{ID: "a"}, Options{})
	assert.Error(t, err)
}

func TestShellExecutor_RunCommandLogsEvents(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)
	ctx := context.Background()

	assert.Equal(t, 0, e.RunCommand(ctx, "echo hello", false))
	assert.Equal(t, 127, e.RunCommand(ctx, "this-command-does-not-exist", false))
	assert.Equal(t, 3, e.RunCommand(ctx, "(exit 3)", false))

	steps := l.steps(t)
	require.Len(t, steps, 3)

	assert.Equal(t, step{Directive: "echo hello", Output: "hello\n", ExitCode: 0}, steps[0])
	assert.Equal(t, step{
		Directive: "this-command-does-not-exist",
		Output:    "bash: this-command-does-not-exist: command not found\n",
		ExitCode:  127,
	}, steps[1])
	assert.Equal(t, 3, steps[2].ExitCode)
}

func TestShellExecutor_StartLogsNoEvent(t *testing.T) {
	l := newTestLog(t)
	startShellExecutor(t, l, nil)

	assert.Empty(t, l.steps(t))
}

func TestShellExecutor_SilentCommandIsNotLogged(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)

	assert.Equal(t, 0, e.RunCommand(context.Background(), "echo quiet", true))
	assert.Empty(t, l.steps(t))
}

func TestShellExecutor_ExportEnvVars(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)
	ctx := context.Background()

	code := e.ExportEnvVars(ctx, []types.EnvVar{
		{Name: "B", Value: b64("it's two")},
		{Name: "A", Value: b64("one")},
	})
	require.Equal(t, 0, code)
	require.Equal(t, 0, e.RunCommand(ctx, `echo "$A|$B"`, false))

	steps := l.steps(t)
	require.Len(t, steps, 2)

	assert.Equal(t, step{
		Directive: DirectiveExportEnvVars,
		Output:    "Exporting A\nExporting B\n",
	}, steps[0])
	assert.Equal(t, "one|it's two\n", steps[1].Output)
}

func TestShellExecutor_EachExportedNameIsItsOwnOutputEvent(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)

	code := e.ExportEnvVars(context.Background(), []types.EnvVar{
		{Name: "AAA", Value: b64("1")},
		{Name: "BBB", Value: b64("2")},
		{Name: "CCC", Value: b64("3")},
	})
	require.Equal(t, 0, code)

	assert.Equal(t, []string{"Exporting AAA\n", "Exporting BBB\n", "Exporting CCC\n"}, l.outputs(t))
}

func TestShellExecutor_EachInjectedFileIsItsOwnOutputEvent(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)

	code := e.InjectFiles(context.Background(), []types.File{
		{Path: "a.txt", Content: b64("a")},
		{Path: "b.txt", Content: b64("b"), Mode: "0600"},
		{Path: "c.txt", Content: b64("c"), Mode: "0755"},
	})
	require.Equal(t, 0, code)

	assert.Equal(t, []string{
		"Injecting a.txt with file mode 0644\n",
		"Injecting b.txt with file mode 0600\n",
		"Injecting c.txt with file mode 0755\n",
	}, l.outputs(t))
}

func TestShellExecutor_HostEnvVarsAreExportedWithJobVars(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, func(o *Options) {
		o.HostEnvVars = []types.EnvVar{
			{Name: "AGENT_REGION", Value: "eu-west"},
			{Name: "SHARED", Value: "from host"},
		}
	})
	ctx := context.Background()

	require.Equal(t, 0, e.ExportEnvVars(ctx, []types.EnvVar{{Name: "SHARED", Value: b64("from job")}}))
	require.Equal(t, 0, e.RunCommand(ctx, `echo "$AGENT_REGION|$SHARED"`, false))

	steps := l.steps(t)
	require.Len(t, steps, 2)
	assert.Equal(t, "Exporting AGENT_REGION\nExporting SHARED\n", steps[0].Output)
	assert.Equal(t, "eu-west|from job\n", steps[1].Output)
}

func TestShellExecutor_HostEnvVarsWithoutJobVars(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, func(o *Options) {
		o.HostEnvVars = []types.EnvVar{{Name: "AGENT_NAME", Value: "it's plain"}}
	})
	ctx := context.Background()

	require.Equal(t, 0, e.ExportEnvVars(ctx, nil))
	require.Equal(t, 0, e.RunCommand(ctx, `echo "$AGENT_NAME"`, false))

	steps := l.steps(t)
	require.Len(t, steps, 2)
	assert.Equal(t, "it's plain\n", steps[1].Output)
}

func TestShellExecutor_EmptyListsStillLogSteps(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)
	ctx := context.Background()

	assert.Equal(t, 0, e.ExportEnvVars(ctx, nil))
	assert.Equal(t, 0, e.InjectFiles(ctx, nil))

	steps := l.steps(t)
	require.Len(t, steps, 2)
	assert.Equal(t, step{Directive: DirectiveExportEnvVars}, steps[0])
	assert.Equal(t, step{Directive: DirectiveInjectFiles}, steps[1])
}

func TestShellExecutor_InvalidEnvVarFails(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)

	code := e.ExportEnvVars(context.Background(), []types.EnvVar{{Name: "A", Value: "%%%"}})
	assert.Equal(t, 1, code)

	steps := l.steps(t)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].ExitCode)
	assert.Contains(t, steps[0].Output, "Failed to decode environment variables")
}

func TestShellExecutor_InjectFiles(t *testing.T) {
	l := newTestLog(t)
	workDir := t.TempDir()
	e := startShellExecutor(t, l, func(o *Options) { o.WorkDir = workDir })

	abs := filepath.Join(t.TempDir(), "nested", "abs.txt")
	code := e.InjectFiles(context.Background(), []types.File{
		{Path: "relative/a.txt", Content: b64("alpha\n"), Mode: "0600"},
		{Path: abs, Content: b64("beta")},
	})
	require.Equal(t, 0, code)

	data, err := os.ReadFile(filepath.Join(workDir, "relative", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha\n", string(data))

	info, err := os.Stat(filepath.Join(workDir, "relative", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err = os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "beta", string(data))

	steps := l.steps(t)
	require.Len(t, steps, 1)
	assert.Equal(t, DirectiveInjectFiles, steps[0].Directive)
	assert.Equal(t,
		"Injecting relative/a.txt with file mode 0600\nInjecting "+abs+" with file mode 0644\n",
		steps[0].Output)
}

func TestShellExecutor_InjectFilesStopsAtFirstFailure(t *testing.T) {
	l := newTestLog(t)
	workDir := t.TempDir()
	e := startShellExecutor(t, l, func(o *Options) { o.WorkDir = workDir })

	code := e.InjectFiles(context.Background(), []types.File{
		{Path: "bad.txt", Content: b64("x"), Mode: "abc"},
		{Path: "never.txt", Content: b64("y")},
	})
	assert.Equal(t, 1, code)

	_, err := os.Stat(filepath.Join(workDir, "never.txt"))
	assert.True(t, os.IsNotExist(err))

	steps := l.steps(t)
	require.Len(t, steps, 1)
	assert.Equal(t, 1, steps[0].ExitCode)
	assert.Contains(t, steps[0].Output, "Failed to decode bad.txt")
}

func TestShellExecutor_ExportResult(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)
	ctx := context.Background()

	require.Equal(t, 0, e.ExportResult(ctx, "SEMAPHORE_JOB_RESULT", types.ResultFailed))
	require.Equal(t, 0, e.RunCommand(ctx, "echo $SEMAPHORE_JOB_RESULT", false))

	steps := l.steps(t)
	require.Len(t, steps, 2)
	assert.Equal(t, step{Directive: DirectiveExportEnvVars, Output: "Exporting SEMAPHORE_JOB_RESULT\n"}, steps[0])
	assert.Equal(t, "failed\n", steps[1].Output)
}

func TestShellExecutor_CommandTimeout(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, func(o *Options) { o.CommandTimeout = 200 * time.Millisecond })
	ctx := context.Background()

	start := time.Now()
	assert.Equal(t, ExitCodeTimeout, e.RunCommand(ctx, "echo before; sleep 10", false))
	assert.Less(t, time.Since(start), 5*time.Second)

	// the session is gone after a timeout
	assert.Equal(t, 1, e.RunCommand(ctx, "echo after", false))

	steps := l.steps(t)
	require.Len(t, steps, 2)
	assert.Equal(t, "before\nCommand timed out after 200ms\n", steps[0].Output)
	assert.Equal(t, "Shell session is no longer running\n", steps[1].Output)
}

func TestShellExecutor_JobDeadline(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	assert.Equal(t, ExitCodeTimeout, e.RunCommand(ctx, "sleep 10", false))

	steps := l.steps(t)
	require.Len(t, steps, 1)
	assert.Equal(t, "Job timed out\n", steps[0].Output)
}

func TestShellExecutor_ExitClosesSession(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)
	ctx := context.Background()

	assert.Equal(t, 7, e.RunCommand(ctx, "exit 7", false))
	assert.Equal(t, 1, e.RunCommand(ctx, "echo unreachable", false))

	steps := l.steps(t)
	require.Len(t, steps, 2)
	assert.Equal(t, "Shell session is no longer running\n", steps[1].Output)
}

func TestShellExecutor_RunWithoutSession(t *testing.T) {
	l := newTestLog(t)
	e := NewShellExecutor(Options{Logger: l.logger})

	assert.Equal(t, 1, e.RunCommand(context.Background(), "echo hi", false))
	assert.Equal(t, 0, e.Stop(context.Background()))

	steps := l.steps(t)
	require.Len(t, steps, 1)
	assert.Equal(t, step{Directive: "echo hi", Output: "Shell session is not running\n", ExitCode: 1}, steps[0])
}

func TestShellExecutor_StateSurvivesBetweenCommands(t *testing.T) {
	l := newTestLog(t)
	e := startShellExecutor(t, l, nil)
	ctx := context.Background()

	dir := t.TempDir()
	require.Equal(t, 0, e.RunCommand(ctx, "cd "+dir, false))
	require.Equal(t, 0, e.RunCommand(ctx, "pwd", false))

	steps := l.steps(t)
	require.Len(t, steps, 2)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got := strings.TrimSpace(steps[1].Output)
	assert.True(t, got == dir || got == resolved, got)
}

func TestUnavailableExecutor_StepsFailWithoutSession(t *testing.T) {
	l := newTestLog(t)
	e := NewUnavailableExecutor(Options{Logger: l.logger})
	ctx := context.Background()

	assert.Equal(t, 1, e.Prepare(ctx))
	assert.Equal(t, 1, e.Start(ctx))
	assert.Equal(t, 1, e.ExportResult(ctx, "SEMAPHORE_JOB_RESULT", types.ResultFailed))
	assert.Equal(t, 1, e.InjectFiles(ctx, []types.File{{Path: "a.txt", Content: b64("a")}}))
	assert.Equal(t, 1, e.RunCommand(ctx, "echo always", false))
	assert.Equal(t, 0, e.Stop(ctx))
	assert.Equal(t, 0, e.Cleanup(ctx))

	steps := l.steps(t)
	require.Len(t, steps, 3)
	assert.Equal(t, step{
		Directive: DirectiveExportEnvVars,
		Output:    "Exporting SEMAPHORE_JOB_RESULT\nShell session is not running\nFailed to export environment variables\n",
		ExitCode:  1,
	}, steps[0])
	assert.Equal(t, "Injecting a.txt with file mode 0644\nFailed to write a.txt: no executor backend is available\n", steps[1].Output)
	assert.Equal(t, step{Directive: "echo always", Output: "Shell session is not running\n", ExitCode: 1}, steps[2])
}
