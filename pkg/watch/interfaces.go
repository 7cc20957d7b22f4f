package watch

import "context"

//go:generate mockgen -source=interfaces.go -package=mock -destination=./mock/mock_watch.go

// LogReader gives access to the records of a named log on a named machine.
type LogReader interface {
	// OpenCursor returns a cursor positioned at the current end of the log.
	OpenCursor(ctx context.Context, machine, log string) (Cursor, error)

	// Poll returns the records written after cursor, oldest first, and the
	// cursor positioned after the last returned record.
	Poll(ctx context.Context, cursor Cursor) ([]EventRecord, Cursor, error)
}

type Sink interface {
	Deliver(ctx context.Context, notification Notification) error
}

// Publisher accepts notifications produced by watch loops.
type Publisher interface {
	Publish(notification Notification)
}
