package watch

import "strings"

type descriptionKey struct {
	log     string
	eventID int
}

// Descriptions maps (log, event ID) to a human readable description. It is
// read-only once built and safe for concurrent use.
type Descriptions struct {
	entries map[descriptionKey]string
}

func NewDescriptions(byLog map[string]map[int]string) Descriptions {
	entries := make(map[descriptionKey]string)

	for log, byID := range byLog {
		for id, description := range byID {
			entries[descriptionKey{log: strings.ToLower(log), eventID: id}] = description
		}
	}

	return Descriptions{entries: entries}
}

func (d Descriptions) Lookup(log string, eventID int) (string, bool) {
	ret, ok := d.entries[descriptionKey{log: strings.ToLower(log), eventID: eventID}]

	return ret, ok
}

// Describe returns the description or NoDescription.
func (d Descriptions) Describe(log string, eventID int) string {
	ret, ok := d.Lookup(log, eventID)
	if !ok {
		return NoDescription
	}

	return ret
}

func (d Descriptions) Len() int {
	return len(d.entries)
}
