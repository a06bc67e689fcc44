// Package info carries progress and diagnostic events from the watchers, the
// manager and the snapshot manager to interested observers.
package info

import (
	"time"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

// Kind identifies the type of an event.
type Kind int

const (
	KindBatchProgress Kind = iota
	KindFaultReport
	KindSnapshotOpened
	KindFileOpened
	KindFileClosed
	KindTaskFailed
	KindLogMessage
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindBatchProgress:
		return "batch_progress"
	case KindFaultReport:
		return "fault_report"
	case KindSnapshotOpened:
		return "snapshot_opened"
	case KindFileOpened:
		return "file_opened"
	case KindFileClosed:
		return "file_closed"
	case KindTaskFailed:
		return "task_failed"
	case KindLogMessage:
		return "log_message"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := KindBatchProgress; k <= KindLogMessage; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Event is one of the event structs of this package.
type Event interface {
	Kind() Kind
}

// BatchProgress reports the drain state of one area.
type BatchProgress struct {
	Area       string `json:"area"`
	Count      int    `json:"count"`
	Generation int64  `json:"generation"`
	Latest     int64  `json:"latest"`
	Done       bool   `json:"done"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Deleted    int    `json:"deleted"`
	Faulty     int    `json:"faulty"`
	Deferred   int    `json:"deferred"`
}

// FaultReport describes a change whose document could not be resolved.
type FaultReport struct {
	Area       string               `json:"area"`
	Generation int64                `json:"generation"`
	ID         string               `json:"id"`
	Type       changelog.ChangeType `json:"type"`
	Reason     string               `json:"reason"`
}

// Snapshot modes.
const (
	ModeWrite = "write"
	ModeRead  = "read"
)

// SnapshotOpened is published when a snapshot is opened for writing or reading.
type SnapshotOpened struct {
	Name        string           `json:"name"`
	Strategy    string           `json:"strategy"`
	Mode        string           `json:"mode"`
	Generations map[string]int64 `json:"generations,omitempty"`
}

// FileOpened is published when a snapshot file is opened.
type FileOpened struct {
	Snapshot string `json:"snapshot"`
	File     string `json:"file"`
}

// FileClosed is published when a snapshot file is fully written or read.
type FileClosed struct {
	Snapshot string `json:"snapshot"`
	File     string `json:"file"`
	Bytes    int64  `json:"bytes"`
}

// TaskFailed is published when a scheduled task returns an error or panics.
type TaskFailed struct {
	Task  string    `json:"task"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// LogMessage carries a daemon warning or error to watchers.
type LogMessage struct {
	Component string            `json:"component"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	At        time.Time         `json:"at"`
}

func (BatchProgress) Kind() Kind  { return KindBatchProgress }
func (FaultReport) Kind() Kind    { return KindFaultReport }
func (SnapshotOpened) Kind() Kind { return KindSnapshotOpened }
func (FileOpened) Kind() Kind     { return KindFileOpened }
func (FileClosed) Kind() Kind     { return KindFileClosed }
func (TaskFailed) Kind() Kind     { return KindTaskFailed }
func (LogMessage) Kind() Kind     { return KindLogMessage }

// Faults converts batch faults into reports.
func Faults(faults []changelog.Fault) []FaultReport {
	out := make([]FaultReport, 0, len(faults))
	for _, f := range faults {
		out = append(out, FaultReport{
			Area:       f.Area,
			Generation: f.Generation,
			ID:         f.ID,
			Type:       f.Type,
			Reason:     f.Reason,
		})
	}
	return out
}
