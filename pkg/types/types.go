package types

import (
	"sort"
	"time"
)

// EventType classifies a machine-readable record by its type tag.
// Tags outside the known vocabulary are kept verbatim; see Known.
type EventType string

const (
	Action           EventType = "action"
	BoxName          EventType = "box-name"
	BoxProvider      EventType = "box-provider"
	CLICommand       EventType = "cli-command"
	ErrorExit        EventType = "error-exit"
	Metadata         EventType = "metadata"
	PluginName       EventType = "plugin-name"
	PluginVersion    EventType = "plugin-version"
	ProviderName     EventType = "provider-name"
	SSHConfig        EventType = "ssh-config"
	State            EventType = "state"
	StateHumanLong   EventType = "state-human-long"
	StateHumanShort  EventType = "state-human-short"
	UI               EventType = "ui"
	VersionInstalled EventType = "version-installed"
	VersionLatest    EventType = "version-latest"
)

var knownTypes = map[EventType]struct{}{
	Action:           {},
	BoxName:          {},
	BoxProvider:      {},
	CLICommand:       {},
	ErrorExit:        {},
	Metadata:         {},
	PluginName:       {},
	PluginVersion:    {},
	ProviderName:     {},
	SSHConfig:        {},
	State:            {},
	StateHumanLong:   {},
	StateHumanShort:  {},
	UI:               {},
	VersionInstalled: {},
	VersionLatest:    {},
}

// Classify maps a raw type tag to its EventType. It never fails: an
// unrecognized tag yields an unknown EventType holding the tag text.
func Classify(raw string) EventType {
	return EventType(raw)
}

// Known reports whether t belongs to the known vocabulary.
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// String returns the wire tag
func (t EventType) String() string {
	return string(t)
}

// KnownTypes returns the known vocabulary in lexical order
func KnownTypes() []EventType {
	out := make([]EventType, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Record is one decoded machine-readable line
type Record struct {
	Timestamp int64     `json:"timestamp"`
	Target    string    `json:"target"`
	Type      EventType `json:"type"`
	Data      []string  `json:"data"`
}

// Time returns the record timestamp as UTC time
func (r Record) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// Field returns the data element at index i, if present
func (r Record) Field(i int) (string, bool) {
	if i < 0 || i >= len(r.Data) {
		return "", false
	}
	return r.Data[i], true
}

// Scoped reports whether the record targets a specific machine
func (r Record) Scoped() bool {
	return r.Target != ""
}
