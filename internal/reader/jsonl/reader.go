// Package jsonl reads event logs exported as JSON lines, one file per
// (machine, log): <directory>/<machine>/<log>.jsonl, names lowercased.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/eventwatch/eventwatch/pkg/watch"
)

const maxLineSize = 1024 * 1024

// Record is the on-disk representation of one event.
type Record struct {
	RecordID      uint64         `json:"recordId"`
	EventID       int            `json:"eventId"`
	TimeGenerated time.Time      `json:"timeGenerated"`
	Source        string         `json:"source,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Cursor is the position right after the last complete line consumed.
type Cursor struct {
	Machine string
	Log     string
	Path    string
	Offset  int64

	info os.FileInfo
}

type Reader struct {
	directory string

	logger *logr.Logger
}

func NewReader(directory string) Reader {
	return Reader{
		directory: directory,
	}
}

func (r Reader) WithLogger(logger logr.Logger) Reader {
	r.logger = &logger

	return r
}

// Path returns the file holding the records of log on machine.
func Path(directory, machine, log string) string {
	return filepath.Join(directory, strings.ToLower(machine), strings.ToLower(log)+".jsonl")
}

func (r Reader) OpenCursor(_ context.Context, machine, log string) (watch.Cursor, error) {
	path := Path(r.directory, machine, log)

	info, err := os.Stat(path)
	if err != nil {
		return nil, watch.NewConnectionError(fmt.Errorf("failed to stat %v: %w", path, err))
	}

	// Skip a trailing partial line: it is reported once complete.
	offset, err := lastLineEnd(path, info.Size())
	if err != nil {
		return nil, watch.NewConnectionError(err)
	}

	ret := Cursor{
		Machine: machine,
		Log:     log,
		Path:    path,
		Offset:  offset,
		info:    info,
	}

	return ret, nil
}

func (r Reader) Poll(_ context.Context, cursor watch.Cursor) ([]watch.EventRecord, watch.Cursor, error) {
	c, ok := cursor.(Cursor)
	if !ok {
		return nil, cursor, watch.NewCursorInvalidError(fmt.Errorf("unexpected cursor type %T", cursor))
	}

	f, err := os.Open(c.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cursor, watch.NewCursorInvalidError(fmt.Errorf("%v removed", c.Path))
		}

		return nil, cursor, watch.NewConnectionError(fmt.Errorf("failed to open %v: %w", c.Path, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, cursor, watch.NewConnectionError(fmt.Errorf("failed to stat %v: %w", c.Path, err))
	}

	reason := rotation(c, info)
	if reason != "" {
		return nil, cursor, watch.NewCursorInvalidError(fmt.Errorf("%v rotated: %s", c.Path, reason))
	}

	records, consumed, err := r.read(c, io.NewSectionReader(f, c.Offset, info.Size()-c.Offset))
	if err != nil {
		return nil, cursor, watch.NewConnectionError(fmt.Errorf("failed to read %v: %w", c.Path, err))
	}

	c.Offset += consumed
	c.info = info

	return records, c, nil
}

// rotation returns why the file behind the cursor is no longer the one it
// points into, or "" if the cursor is still valid.
func rotation(c Cursor, info os.FileInfo) string {
	switch {
	case info.Size() < c.Offset:
		return "size decrease"
	case c.info == nil:
		return ""
	case !os.SameFile(c.info, info) && info.Size() == 0:
		return "replaced by an empty file"
	case info.ModTime().Before(c.info.ModTime()) && info.Size() <= c.info.Size():
		return "modification time reset"
	}

	return ""
}

// read parses complete lines and returns the number of bytes consumed.
func (r Reader) read(c Cursor, src io.Reader) ([]watch.EventRecord, int64, error) {
	var ret []watch.EventRecord

	consumed := int64(0)
	buf := bufio.NewReaderSize(src, maxLineSize)

	for {
		line, err := buf.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			skipped, complete := skipLine(buf, int64(len(line)))
			if !complete {
				return ret, consumed, nil
			}

			r.logInfo(0, "Skipping oversized record", "path", c.Path, "offset", c.Offset+consumed, "size", skipped)
			consumed += skipped

			continue
		}

		if errors.Is(err, io.EOF) {
			return ret, consumed, nil
		}

		if err != nil {
			return nil, 0, err
		}

		consumed += int64(len(line))

		trimmed := strings.TrimSpace(string(line))
		if trimmed == "" {
			continue
		}

		record := Record{}

		err = json.Unmarshal([]byte(trimmed), &record)
		if err != nil {
			r.logError(err, "Skipping malformed record", "path", c.Path, "offset", c.Offset+consumed-int64(len(line)))

			continue
		}

		ret = append(ret, watch.EventRecord{
			RecordID:  record.RecordID,
			EventID:   record.EventID,
			Timestamp: record.TimeGenerated,
			Machine:   c.Machine,
			Log:       c.Log,
			Source:    record.Source,
			Fields:    record.Fields,
		})
	}
}

// skipLine discards the rest of an oversized line. It reports false if the
// line is not terminated yet.
func skipLine(buf *bufio.Reader, read int64) (int64, bool) {
	for {
		line, err := buf.ReadSlice('\n')
		read += int64(len(line))

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err != nil:
			return read, false
		default:
			return read, true
		}
	}
}

func lastLineEnd(path string, size int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %v: %w", path, err)
	}
	defer f.Close()

	const chunk = 4096

	buf := make([]byte, chunk)

	for end := size; end > 0; {
		start := max(end-chunk, 0)

		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("failed to read %v: %w", path, err)
		}

		for i := n - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				return start + int64(i) + 1, nil
			}
		}

		end = start
	}

	return 0, nil
}

func (r Reader) logInfo(level int, msg string, keysAndValues ...any) {
	if r.logger == nil {
		return
	}

	r.logger.V(level).Info(msg, keysAndValues...)
}

func (r Reader) logError(err error, msg string, keysAndValues ...any) {
	if r.logger == nil {
		return
	}

	r.logger.Error(err, msg, keysAndValues...)
}
