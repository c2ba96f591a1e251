package events

import "time"

// Stream identifies which output pipe a line was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Classification is the severity bucket assigned to one line of output.
type Classification string

const (
	Info     Classification = "info"
	Success  Classification = "success"
	Warning  Classification = "warning"
	Error    Classification = "error"
	Progress Classification = "progress"
)

// Well-known event sources. Worker sources are built with WorkerSource.
const (
	SourceService = "service"
	SourcePool    = "pool"
	SourceRuntime = "runtime"
	SourceDaemon  = "daemon"
)

// WorkerSource returns the source tag used for a worker's output.
func WorkerSource(id string) string {
	return "worker:" + id
}

// Kind distinguishes output lines from lifecycle notifications.
type Kind string

const (
	KindLog    Kind = "log"
	KindStatus Kind = "status"
)

// LogEvent is one observed line of process output. It is immutable once
// published.
type LogEvent struct {
	Timestamp      time.Time      `json:"timestamp"`
	Source         string         `json:"source"`
	Stream         Stream         `json:"stream"`
	Classification Classification `json:"classification"`
	Text           string         `json:"text"`
}

// StatusChange reports a lifecycle transition of the service or the pool.
type StatusChange struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	State     string    `json:"state"`
	Health    string    `json:"health,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Workers   []string  `json:"workers,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Event is the envelope delivered to subscribers. Seq increases by one for
// every published event, so a subscriber can detect dropped events.
type Event struct {
	Seq    uint64        `json:"seq"`
	Kind   Kind          `json:"kind"`
	Log    *LogEvent     `json:"log,omitempty"`
	Status *StatusChange `json:"status,omitempty"`
}
