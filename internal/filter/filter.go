package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
)

// Important is the quiet-mode allow-list: the record types worth showing
// when verbose output is off.
var Important = []types.EventType{
	types.Action,
	types.BoxName,
	types.BoxProvider,
	types.ErrorExit,
	types.StateHumanLong,
}

// AllowList admits records whose type is one of a fixed set
type AllowList struct {
	allowed map[types.EventType]struct{}
}

// NewAllowList creates an allow-list. An empty list admits nothing.
func NewAllowList(allowed ...types.EventType) *AllowList {
	a := &AllowList{allowed: make(map[types.EventType]struct{}, len(allowed))}
	for _, t := range allowed {
		a.allowed[t] = struct{}{}
	}
	return a
}

// ParseAllowList builds an allow-list from comma-separated tags
func ParseAllowList(list string) *AllowList {
	var allowed []types.EventType
	for _, tag := range strings.Split(list, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			allowed = append(allowed, types.Classify(tag))
		}
	}
	return NewAllowList(allowed...)
}

// ForMode returns the allow-list for a decode mode. Explicit tags win;
// otherwise verbose admits everything (nil) and quiet admits Important.
func ForMode(verbose bool, tags []string) *AllowList {
	if len(tags) > 0 {
		return ParseAllowList(strings.Join(tags, ","))
	}
	if verbose {
		return nil
	}
	return NewAllowList(Important...)
}

// ErrConflictingSelection is returned when important-only and explicit types
// are both requested
var ErrConflictingSelection = errors.New("important and types cannot be combined")

// Override applies a per-invocation selection on top of def. important
// selects Important and a non-empty tag list selects those tags; either one
// replaces def, including tags that came from configuration.
func Override(def *AllowList, important bool, tags string) (*AllowList, error) {
	switch {
	case important && tags != "":
		return nil, ErrConflictingSelection
	case important:
		return NewAllowList(Important...), nil
	case tags != "":
		return ParseAllowList(tags), nil
	}
	return def, nil
}

// Allows reports whether t is on the list. A nil list admits every type.
func (a *AllowList) Allows(t types.EventType) bool {
	if a == nil {
		return true
	}
	_, ok := a.allowed[t]
	return ok
}

// Apply returns the admitted records in their original order
func (a *AllowList) Apply(records []types.Record) []types.Record {
	out := make([]types.Record, 0, len(records))
	for _, r := range records {
		if a.Allows(r.Type) {
			out = append(out, r)
		}
	}
	return out
}

// ByType returns records of the given types, order preserved
func ByType(records []types.Record, allowed ...types.EventType) []types.Record {
	return NewAllowList(allowed...).Apply(records)
}

// ForTarget returns records scoped to target, order preserved. An empty
// target selects process-wide records.
func ForTarget(records []types.Record, target string) []types.Record {
	out := make([]types.Record, 0)
	for _, r := range records {
		if r.Target == target {
			out = append(out, r)
		}
	}
	return out
}

// Fold walks records of type t in order, threading acc through fn
func Fold[T any](records []types.Record, t types.EventType, acc T, fn func(T, types.Record) T) T {
	for _, r := range records {
		if r.Type == t {
			acc = fn(acc, r)
		}
	}
	return acc
}

// ExitError is a decoded error-exit record: vagrant itself reported a failure
type ExitError struct {
	Record types.Record
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("vagrant error-exit: %s", e.Message())
}

// Kind returns the error class vagrant reported, e.g. "Vagrant::Errors::VMNotFound"
func (e *ExitError) Kind() string {
	kind, _ := e.Record.Field(0)
	return kind
}

// Message returns the record data joined the way it is surfaced to users
func (e *ExitError) Message() string {
	return strings.Join(e.Record.Data, ", ")
}

// ErrorExit returns an *ExitError for the first error-exit record, or nil
func ErrorExit(records []types.Record) error {
	for _, r := range records {
		if r.Type == types.ErrorExit {
			return &ExitError{Record: r}
		}
	}
	return nil
}
