package pulse

import (
	"fmt"
	"os"
)

// EmitterStatus is a snapshot of metadata about the status of an Emitter.
//
// It can be serialized to JSON and is what gets reported to the admin API
// endpoint.
type EmitterStatus struct {
	Node        string       `json:"node"`
	Status      string       `json:"status"`
	Reported    int64        `json:"reported_at"`
	StartupTime int64        `json:"startup_time"`
	Connections []ConnStatus `json:"connections"`
}

// ConnStatus is a snapshot of metadata describing one active connection.
type ConnStatus struct {
	ID         string `json:"id"`
	Path       string `json:"request_path"`
	Created    int64  `json:"created_at"`
	ClientIP   string `json:"client_ip"`
	UserAgent  string `json:"user_agent"`
	FramesSent uint64 `json:"frames_sent"`
}

// Status returns the EmitterStatus for a given emitter.
//
// Primarily intended for logging and reporting.
func (e *Emitter) Status() EmitterStatus {
	return EmitterStatus{
		Node:        fmt.Sprintf("%s-%s", env(), nodeName()),
		Status:      "OK",
		Reported:    e.clk.Now().Unix(),
		StartupTime: e.startupTime.Unix(),
		Connections: e.registry.snapshot(),
	}
}

// Attempts to get the name of the node we are running on, defaulting to the
// local hostname.
func nodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown.X"
}

// A string representing the environment (dev/staging/prod), for reporting.
func env() string {
	if env := os.Getenv("GO_ENV"); env != "" {
		return env
	}
	return "development"
}
