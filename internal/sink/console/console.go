// Package console prints notifications for an operator watching the terminal.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eventwatch/eventwatch/internal/config"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

const separator = "---------"

type Sink struct {
	mu     *sync.Mutex
	output io.Writer
	format config.ConsoleFormat
}

func NewSink(output io.Writer, format config.ConsoleFormat) (Sink, error) {
	switch format {
	case config.ConsoleFormatText, config.ConsoleFormatJSON:
	default:
		return Sink{}, fmt.Errorf("unexpected console format %v", format)
	}

	ret := Sink{
		mu:     &sync.Mutex{},
		output: output,
		format: format,
	}

	return ret, nil
}

func (s Sink) Deliver(_ context.Context, notification watch.Notification) error {
	var out []byte

	switch s.format {
	case config.ConsoleFormatJSON:
		b, err := json.Marshal(notification)
		if err != nil {
			return fmt.Errorf("failed to marshal notification %v: %w", notification.ID, err)
		}

		out = append(b, '\n')
	default:
		out = []byte(text(notification))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.output.Write(out)
	if err != nil {
		return fmt.Errorf("failed to write notification %v: %w", notification.ID, err)
	}

	return nil
}

func text(n watch.Notification) string {
	b := strings.Builder{}

	b.WriteString(separator + "\n")

	switch n.Kind {
	case watch.KindWatchFailed:
		fmt.Fprintf(&b, "WATCH FAILED\n")
		fmt.Fprintf(&b, "Server: %s\n", n.Machine)
		fmt.Fprintf(&b, "Log: %s\n", n.Log)
		fmt.Fprintf(&b, "Reason: %s\n", n.Reason)
		fmt.Fprintf(&b, "Description: %s\n", n.Description)
	default:
		fmt.Fprintf(&b, "Event ID: %d\n", n.EventID)
		fmt.Fprintf(&b, "Server: %s\n", n.Machine)
		fmt.Fprintf(&b, "Log: %s\n", n.Log)

		if n.Source != "" {
			fmt.Fprintf(&b, "Source: %s\n", n.Source)
		}

		fmt.Fprintf(&b, "Description: %s\n", n.Description)

		if len(n.Fields) > 0 {
			fmt.Fprintf(&b, "Fields: %s\n", fields(n.Fields))
		}
	}

	fmt.Fprintf(&b, "Time: %s\n", n.Timestamp.Format(time.DateTime))
	b.WriteString(separator + "\n")

	return b.String()
}

// fields renders f on one line as key=value pairs sorted by key.
func fields(f map[string]any) string {
	pairs := make([]string, 0, len(f))

	for _, key := range slices.Sorted(maps.Keys(f)) {
		value := fmt.Sprint(f[key])
		if value == "" || strings.ContainsAny(value, " \t\r\n\"=") {
			value = strconv.Quote(value)
		}

		pairs = append(pairs, key+"="+value)
	}

	return strings.Join(pairs, " ")
}
