// Package wmi reads Windows event logs of local or remote machines through
// the Win32_NTLogEvent WMI class.
package wmi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/eventwatch/eventwatch/pkg/watch"
)

const DefaultNamespace = `root\cimv2`

var ErrUnsupported = errors.New("wmi is only available on windows")

type Config struct {
	Namespace string
	User      string
	Password  string
}

// Cursor remembers the newest record seen. Record numbers are assigned by the
// remote machine and only grow within a log, until the log is cleared; the
// generation time of that record tells a cleared log from an intact one.
type Cursor struct {
	Machine       string
	Log           string
	LastRecord    uint32
	LastGenerated time.Time
}

// Field names must match the WMI class properties.
type ntLogEvent struct {
	RecordNumber  uint32
	EventCode     uint16
	SourceName    string
	TimeGenerated time.Time
	ComputerName  string
	Message       string
	Type          string
	User          string
}

type ntEventlogFile struct {
	LogfileName     string
	NumberOfRecords uint32
}

// queryFunc runs query on machine and loads the result into dst.
type queryFunc func(query string, dst any, machine string) error

type Reader struct {
	config Config
	query  queryFunc

	logger *logr.Logger
}

func NewReader(config Config) Reader {
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}

	ret := Reader{
		config: config,
	}

	ret.query = ret.wmiQuery

	return ret
}

func (r Reader) WithLogger(logger logr.Logger) Reader {
	r.logger = &logger

	return r
}

func (r Reader) OpenCursor(_ context.Context, machine, log string) (watch.Cursor, error) {
	files := []ntEventlogFile{}

	err := r.query(logFileQuery(log), &files, machine)
	if err != nil {
		return nil, watch.NewConnectionError(fmt.Errorf("failed to query log files of %v: %w", machine, err))
	}

	if len(files) == 0 {
		return nil, watch.NewConnectionError(fmt.Errorf("log %v does not exist on %v", log, machine))
	}

	ret := Cursor{
		Machine: machine,
		Log:     log,
	}

	newest, found, err := r.newestRecord(machine, log, files[0].NumberOfRecords)
	if err != nil {
		return nil, watch.NewConnectionError(fmt.Errorf("failed to find the newest record of %v on %v: %w", log, machine, err))
	}

	if found {
		ret.LastRecord = newest.RecordNumber
		ret.LastGenerated = newest.TimeGenerated.UTC()
	}

	r.logInfo(1, "Cursor opened", "machine", machine, "log", log, "records", files[0].NumberOfRecords, "lastRecord", ret.LastRecord)

	return ret, nil
}

func (r Reader) Poll(_ context.Context, cursor watch.Cursor) ([]watch.EventRecord, watch.Cursor, error) {
	c, ok := cursor.(Cursor)
	if !ok {
		return nil, cursor, watch.NewCursorInvalidError(fmt.Errorf("unexpected cursor type %T", cursor))
	}

	if c.LastRecord > 0 {
		anchor, found, err := r.record(c.Machine, c.Log, "=", c.LastRecord)
		if err != nil {
			return nil, cursor, watch.NewConnectionError(fmt.Errorf("failed to query %v on %v: %w", c.Log, c.Machine, err))
		}

		if !found || !anchor.TimeGenerated.Equal(c.LastGenerated) {
			return nil, cursor, watch.NewCursorInvalidError(fmt.Errorf("%v on %v cleared: record %d generated at %v is gone",
				c.Log, c.Machine, c.LastRecord, c.LastGenerated))
		}
	}

	events := []ntLogEvent{}

	err := r.query(eventQuery(c.Log, c.LastRecord), &events, c.Machine)
	if err != nil {
		return nil, cursor, watch.NewConnectionError(fmt.Errorf("failed to query %v on %v: %w", c.Log, c.Machine, err))
	}

	// WMI returns the newest records first.
	sort.Slice(events, func(i, j int) bool {
		return events[i].RecordNumber < events[j].RecordNumber
	})

	ret := make([]watch.EventRecord, 0, len(events))

	for _, e := range events {
		if e.RecordNumber <= c.LastRecord {
			continue
		}

		ret = append(ret, toEventRecord(c, e))

		c.LastRecord = e.RecordNumber
		c.LastGenerated = e.TimeGenerated.UTC()
	}

	return ret, c, nil
}

// newestRecord looks the newest record up without reading the whole log.
// Record numbers are contiguous from the oldest to the newest record and the
// newest is at least the number of records: when that record exists, the
// newest is found with single-record queries, otherwise the log wrapped and
// every record it still holds is numbered above count.
func (r Reader) newestRecord(machine, log string, count uint32) (ntLogEvent, bool, error) {
	if count == 0 {
		return ntLogEvent{}, false, nil
	}

	newest, found, err := r.record(machine, log, "=", count)
	if err != nil {
		return ntLogEvent{}, false, err
	}

	if !found {
		events := []ntLogEvent{}

		err = r.query(recordQuery(log, ">", count), &events, machine)
		if err != nil {
			return ntLogEvent{}, false, err
		}

		for _, e := range events {
			if e.RecordNumber > newest.RecordNumber {
				newest = e
			}
		}

		return newest, len(events) > 0, nil
	}

	// Gallop past the newest record, then narrow down.
	known := uint64(count)
	missing := uint64(math.MaxUint32) + 1

	for step := uint64(1); known+step <= math.MaxUint32; step *= 2 {
		e, ok, err := r.record(machine, log, "=", uint32(known+step))
		if err != nil {
			return ntLogEvent{}, false, err
		}

		if !ok {
			missing = known + step

			break
		}

		known, newest = known+step, e
	}

	for missing-known > 1 {
		mid := known + (missing-known)/2

		e, ok, err := r.record(machine, log, "=", uint32(mid))
		if err != nil {
			return ntLogEvent{}, false, err
		}

		if ok {
			known, newest = mid, e
		} else {
			missing = mid
		}
	}

	return newest, true, nil
}

func (r Reader) record(machine, log, operator string, number uint32) (ntLogEvent, bool, error) {
	events := []ntLogEvent{}

	err := r.query(recordQuery(log, operator, number), &events, machine)
	if err != nil {
		return ntLogEvent{}, false, err
	}

	if len(events) == 0 {
		return ntLogEvent{}, false, nil
	}

	return events[0], true, nil
}

func toEventRecord(c Cursor, e ntLogEvent) watch.EventRecord {
	return watch.EventRecord{
		RecordID:  uint64(e.RecordNumber),
		EventID:   int(e.EventCode),
		Timestamp: e.TimeGenerated.UTC(),
		Machine:   c.Machine,
		Log:       c.Log,
		Source:    e.SourceName,
		Fields: map[string]any{
			"computer": e.ComputerName,
			"message":  e.Message,
			"type":     e.Type,
			"user":     e.User,
		},
	}
}

var wqlEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func logFileQuery(log string) string {
	return fmt.Sprintf("SELECT LogfileName, NumberOfRecords FROM Win32_NTEventlogFile WHERE LogfileName = '%s'", wqlEscaper.Replace(log))
}

func eventQuery(log string, after uint32) string {
	return fmt.Sprintf(
		"SELECT RecordNumber, EventCode, SourceName, TimeGenerated, ComputerName, Message, Type, User FROM Win32_NTLogEvent WHERE Logfile = '%s' AND RecordNumber > %d",
		wqlEscaper.Replace(log), after,
	)
}

func recordQuery(log, operator string, number uint32) string {
	return fmt.Sprintf(
		"SELECT RecordNumber, TimeGenerated FROM Win32_NTLogEvent WHERE Logfile = '%s' AND RecordNumber %s %d",
		wqlEscaper.Replace(log), operator, number,
	)
}

func (r Reader) logInfo(level int, msg string, keysAndValues ...any) {
	if r.logger == nil {
		return
	}

	r.logger.V(level).Info(msg, keysAndValues...)
}
