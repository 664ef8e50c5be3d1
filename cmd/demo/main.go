package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-runner/internal/controller"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func sampleJob(fail bool) *types.JobRequest {
	last := "echo \"all good, greeting is $GREETING\""
	if fail {
		last = "echo 'about to fail' && exit 3"
	}

	return &types.JobRequest{
		ID:       types.JobID(fmt.Sprintf("demo-%d", time.Now().Unix())),
		Executor: types.ExecutorShell,
		EnvVars: []types.EnvVar{
			{Name: "GREETING", Value: b64("hello from beaver")},
		},
		Files: []types.File{
			{Path: "demo/notes.txt", Content: b64("line one\nline two\n"), Mode: "0600"},
		},
		Commands: []types.Command{
			{Directive: "echo $GREETING"},
			{Directive: "cat demo/notes.txt"},
			{Directive: "for i in 1 2 3; do echo tick $i; sleep 0.2; done"},
			{Directive: last},
		},
		EpilogueAlwaysCommands: []types.Command{{Directive: "echo result=$SEMAPHORE_JOB_RESULT"}},
		EpilogueOnPassCommands: []types.Command{{Directive: "echo 'epilogue: passed'"}},
		EpilogueOnFailCommands: []types.Command{{Directive: "echo 'epilogue: failed'"}},
	}
}

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "pass" && os.Args[1] != "fail") {
		fmt.Println("Usage: go run cmd/demo/main.go <pass|fail>")
		os.Exit(1)
	}

	workDir, err := os.MkdirTemp("", "beaver-demo-")
	if err != nil {
		log.Fatalf("Failed to create work dir: %v", err)
	}
	defer os.RemoveAll(workDir)

	job := sampleJob(os.Args[1] == "fail")

	ctrl, err := controller.New(job, controller.Config{
		WorkDir:        workDir,
		ShellArgs:      []string{"--noprofile", "--norc"},
		CommandTimeout: 10 * time.Second,
		JobTimeout:     time.Minute,
		LogDir:         workDir,
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("✓ Running job %s in %s\n\n", job.ID, workDir)

	report, err := ctrl.Run(ctx)
	if err != nil {
		log.Fatalf("Job could not run: %v", err)
	}

	data, err := os.ReadFile(report.LogPath)
	if err != nil {
		log.Fatalf("Failed to read event log: %v", err)
	}

	fmt.Println("📜 Event log:")
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			fmt.Printf("  %s\n", line)
			continue
		}

		switch event["event"] {
		case "cmd_started":
			fmt.Printf("  ▶ %v\n", event["directive"])
		case "cmd_output":
			for _, out := range strings.Split(strings.TrimSuffix(fmt.Sprint(event["output"]), "\n"), "\n") {
				fmt.Printf("      %s\n", out)
			}
		case "cmd_finished":
			fmt.Printf("  ■ exit %v\n", event["exit_code"])
		case "job_finished":
			fmt.Printf("  • job_finished %v\n", event["result"])
		default:
			fmt.Printf("  • %v\n", event["event"])
		}
	}

	fmt.Printf("\n📊 Result: %s (%d commands, %s)\n", report.Result, len(report.Commands), report.Duration.Round(time.Millisecond))
	fmt.Printf("   States: %v\n", report.States)
}
