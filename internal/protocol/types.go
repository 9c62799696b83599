package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only protocol version spoken to exec plugins.
const Version = 1

// Commands understood by exec plugins.
const (
	CommandExtract   = "extract"
	CommandTransform = "transform"
	CommandAuthorize = "authorize"
)

// Request is the envelope sent to an exec plugin on stdin. The token travels
// only here, never in argv or the environment.
type Request struct {
	Protocol   int             `json:"protocol"`
	JobID      string          `json:"job_id,omitempty"`
	Command    string          `json:"command"` // extract | transform | authorize
	Server     string          `json:"server,omitempty"`
	Token      string          `json:"token,omitempty"`
	Descriptor json.RawMessage `json:"descriptor,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"` // transform only
	DeadlineAt time.Time       `json:"deadline_at"`
}

// Response is the envelope an exec plugin writes to stdout.
type Response struct {
	Status string          `json:"status"` // ok | error
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`  // extract
	Table  *Table          `json:"table,omitempty"` // transform
	Logs   []LogEntry      `json:"logs,omitempty"`
}

// Table is the wire form of a transformed dataset.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
