package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eventwatch/eventwatch/pkg/watch"
)

// Watchlist is the document listing what to watch. JSON documents are valid
// YAML, so the same parser reads both.
type Watchlist struct {
	Servers           map[string]map[string][]EventID `yaml:"Servers"`
	EventDescriptions map[string]map[string]string    `yaml:"Event Descriptions"`
}

// EventID accepts both 4740 and "4740".
type EventID int

func (e *EventID) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: event id must be a scalar", value.Line)
	}

	id, err := strconv.Atoi(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid event id %q", value.Line, value.Value)
	}

	*e = EventID(id)

	return nil
}

func LoadWatchlist(path string) (Watchlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return Watchlist{}, fmt.Errorf("failed to open watch list %v: %w", path, err)
	}
	defer f.Close()

	ret, err := ParseWatchlist(f)
	if err != nil {
		return Watchlist{}, fmt.Errorf("failed to parse watch list %v: %w", path, err)
	}

	return ret, nil
}

func ParseWatchlist(r io.Reader) (Watchlist, error) {
	ret := Watchlist{}

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	err := decoder.Decode(&ret)
	if err != nil {
		return Watchlist{}, watch.NewConfigurationError("", "", "malformed document: %v", err)
	}

	return ret, nil
}

// Targets returns one target per (machine, log), sorted. Any inconsistency is
// reported as a watch.ConfigurationError.
func (w Watchlist) Targets() ([]watch.Target, error) {
	servers := make(map[string]map[string][]int, len(w.Servers))

	for machine, logs := range w.Servers {
		if len(logs) == 0 {
			return nil, watch.NewConfigurationError(machine, "", "no log configured")
		}

		servers[machine] = make(map[string][]int, len(logs))

		for log, ids := range logs {
			converted := make([]int, 0, len(ids))
			for _, id := range ids {
				converted = append(converted, int(id))
			}

			servers[machine][log] = converted
		}
	}

	return watch.NewTargets(servers)
}

func (w Watchlist) Descriptions() (watch.Descriptions, error) {
	byLog := make(map[string]map[int]string, len(w.EventDescriptions))

	for log, byID := range w.EventDescriptions {
		byLog[log] = make(map[int]string, len(byID))

		for rawID, description := range byID {
			id, err := strconv.Atoi(strings.TrimSpace(rawID))
			if err != nil {
				return watch.Descriptions{}, watch.NewConfigurationError("", log, "invalid event id %q in descriptions", rawID)
			}

			byLog[log][id] = description
		}
	}

	return watch.NewDescriptions(byLog), nil
}
