package eventlogger

// Event kinds as they appear in the "event" field.
const (
	EventJobStarted  = "job_started"
	EventCmdStarted  = "cmd_started"
	EventCmdOutput   = "cmd_output"
	EventCmdFinished = "cmd_finished"
	EventJobFinished = "job_finished"
)

type JobStartedEvent struct {
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
}

type JobFinishedEvent struct {
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Result    string `json:"result"`
}

type CommandStartedEvent struct {
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Directive string `json:"directive"`
}

type CommandOutputEvent struct {
	Timestamp int64  `json:"timestamp"`
	Event     string `json:"event"`
	Output    string `json:"output"`
}

type CommandFinishedEvent struct {
	Timestamp  int64  `json:"timestamp"`
	Event      string `json:"event"`
	Directive  string `json:"directive"`
	ExitCode   int    `json:"exit_code"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
}
