package stats

import (
	"fmt"
	"strings"
	"time"
)

// Report holds what one target matched between StartTimestamp and
// EndTimestamp.
type Report struct {
	Machine              string             `json:"machine"`
	Log                  string             `json:"log"`
	StartTimestamp       time.Time          `json:"startTimestamp"`
	EndTimestamp         time.Time          `json:"endTimestamp"`
	TotalProcessedEvents int                `json:"totalProcessedEvents"`
	WatchFailures        int                `json:"watchFailures"`
	EventIDs             map[int]EventStats `json:"eventIds"`
}

type EventStats struct {
	Total       int         `json:"total"`
	Description string      `json:"description,omitempty"`
	Timestamps  []time.Time `json:"timestamps"`
}

var nameReplacer = strings.NewReplacer("/", "-", `\`, "-", " ", "-", "_", "-")

// Name returns <machine>_<log>_<unix end timestamp>.json.
func (r Report) Name() string {
	return fmt.Sprintf("%s_%s_%d.json",
		strings.ToLower(nameReplacer.Replace(r.Machine)),
		strings.ToLower(nameReplacer.Replace(r.Log)),
		r.EndTimestamp.Unix(),
	)
}
