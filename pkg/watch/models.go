package watch

import (
	"fmt"
	"time"
)

// Cursor is an opaque position in a log's record sequence. Only the LogReader
// that produced it knows how to interpret it.
type Cursor any

type EventRecord struct {
	RecordID  uint64
	EventID   int
	Timestamp time.Time
	Machine   string
	Log       string
	Source    string
	Fields    map[string]any
}

type Kind string

const (
	KindEvent       Kind = "event"
	KindWatchFailed Kind = "watch_failed"
)

// NoDescription is used when a matched event has no configured description.
const NoDescription = "no description provided"

type Notification struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Machine     string         `json:"machine"`
	Log         string         `json:"log"`
	EventID     int            `json:"eventId,omitempty"`
	Description string         `json:"description"`
	Source      string         `json:"source,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Fields      map[string]any `json:"fields,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

type Status int

const (
	StatusStarting Status = iota
	StatusPolling
	StatusBackoff
	StatusFailed
)

var statusNames = []string{"starting", "polling", "backoff", "failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}

	return statusNames[s]
}

// WatchState belongs to a single Loop and is never shared while the loop runs.
type WatchState struct {
	Cursor    Cursor
	Failures  int
	Status    Status
	LastError error
}
