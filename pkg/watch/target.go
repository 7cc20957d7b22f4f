package watch

import (
	"fmt"
	"sort"
	"strings"
)

type EventIDSet map[int]struct{}

func NewEventIDSet(ids ...int) EventIDSet {
	ret := make(EventIDSet, len(ids))

	for _, id := range ids {
		ret[id] = struct{}{}
	}

	return ret
}

func (s EventIDSet) Contains(id int) bool {
	_, ok := s[id]

	return ok
}

// Sorted returns the IDs in ascending order.
func (s EventIDSet) Sorted() []int {
	ret := make([]int, 0, len(s))
	for id := range s {
		ret = append(ret, id)
	}

	sort.Ints(ret)

	return ret
}

// Target is one (machine, log, event IDs) unit of work. EventIDs must not be
// modified once the target is handed to a Supervisor.
type Target struct {
	Machine  string
	Log      string
	EventIDs EventIDSet
}

func NewTarget(machine, log string, eventIDs ...int) Target {
	return Target{
		Machine:  machine,
		Log:      log,
		EventIDs: NewEventIDSet(eventIDs...),
	}
}

func (t Target) Matches(eventID int) bool {
	return t.EventIDs.Contains(eventID)
}

// Key identifies the target. Machine and log names are case insensitive.
func (t Target) Key() string {
	return strings.ToLower(t.Machine) + "/" + strings.ToLower(t.Log)
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.Machine, t.Log)
}

// NewTargets builds one target per (machine, log) pair, sorted by key.
func NewTargets(servers map[string]map[string][]int) ([]Target, error) {
	ret := make([]Target, 0, len(servers))

	for machine, logs := range servers {
		for log, ids := range logs {
			ret = append(ret, NewTarget(machine, log, ids...))
		}
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Key() < ret[j].Key()
	})

	err := ValidateTargets(ret)
	if err != nil {
		return nil, err
	}

	return ret, nil
}

// ValidateTargets returns a ConfigurationError for the first malformed or
// duplicated target.
func ValidateTargets(targets []Target) error {
	if len(targets) == 0 {
		return NewConfigurationError("", "", "no target configured")
	}

	seen := make(map[string]struct{}, len(targets))

	for _, t := range targets {
		if strings.TrimSpace(t.Machine) == "" {
			return NewConfigurationError(t.Machine, t.Log, "empty machine name")
		}

		if strings.TrimSpace(t.Log) == "" {
			return NewConfigurationError(t.Machine, t.Log, "empty log name")
		}

		if len(t.EventIDs) == 0 {
			return NewConfigurationError(t.Machine, t.Log, "no event id configured")
		}

		for id := range t.EventIDs {
			if id < 0 {
				return NewConfigurationError(t.Machine, t.Log, "invalid event id %d", id)
			}
		}

		_, duplicated := seen[t.Key()]
		if duplicated {
			return NewConfigurationError(t.Machine, t.Log, "target configured more than once")
		}

		seen[t.Key()] = struct{}{}
	}

	return nil
}
