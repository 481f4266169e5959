package schema

import "time"

// ServiceName identifies a supervised process inside the sandbox. The
// gateway keys all service lifecycle operations by name; issuing a
// start for an existing name replaces that process.
type ServiceName string

// ServiceStatus is the supervisor-reported state of a service.
type ServiceStatus string

const (
	// ServiceRunning means the process is alive.
	ServiceRunning ServiceStatus = "running"
	// ServiceStopped means the process exited or was stopped.
	ServiceStopped ServiceStatus = "stopped"
	// ServiceError means the process failed to start or crashed.
	ServiceError ServiceStatus = "error"
)

// ServiceDescriptor describes one supervised process in the sandbox.
type ServiceDescriptor struct {
	Name      ServiceName   `json:"name"`
	Command   string        `json:"command"`
	Cwd       string        `json:"cwd"`
	PID       int           `json:"pid,omitempty"`
	Status    ServiceStatus `json:"status"`
	StartedAt time.Time     `json:"startedAt,omitempty"`
	LogFile   string        `json:"logFile,omitempty"`
}

// ServiceList is the gateway's full service inventory. ExposedPort is
// nil when no port is globally routed; there is never more than one.
type ServiceList struct {
	Services    []ServiceDescriptor `json:"services"`
	ExposedPort *uint16             `json:"exposedPort"`
}

// LogEventType distinguishes the first log payload from follow-ups.
type LogEventType string

const (
	// LogInitial replaces any buffered log content.
	LogInitial LogEventType = "initial"
	// LogAppend concatenates onto the buffered log content.
	LogAppend LogEventType = "append"
)

// LogEvent is one event on a service log tail stream.
type LogEvent struct {
	Type    LogEventType `json:"type"`
	Content string       `json:"content"`
}
