package filter

import (
	"errors"
	"reflect"
	"testing"

	"github.com/therealutkarshpriyadarshi/vagrantlog/internal/parser"
	"github.com/therealutkarshpriyadarshi/vagrantlog/pkg/types"
)

func decode(t *testing.T, lines ...string) []types.Record {
	t.Helper()
	records, err := parser.DecodeAll(lines)
	if err != nil {
		t.Fatalf("DecodeAll() error = %v", err)
	}
	return records
}

func upOutput(t *testing.T) []types.Record {
	return decode(t,
		"1622000000,,ui,info,Bringing machine 'web' up with 'virtualbox' provider...",
		"1622000001,web,action,up,start",
		"1622000002,web,metadata,provider,virtualbox",
		"1622000003,web,state-human-long,The VM is running.",
		"1622000004,db,action,up,start",
		"1622000005,,error-exit,Vagrant::Errors::VMBootBadState,The guest machine entered an invalid state\\, aborting",
		"1622000006,,error-exit,Second,ignored",
	)
}

func TestAllowListApply(t *testing.T) {
	records := upOutput(t)

	got := NewAllowList(Important...).Apply(records)
	wantTypes := []types.EventType{types.Action, types.StateHumanLong, types.Action, types.ErrorExit, types.ErrorExit}
	if len(got) != len(wantTypes) {
		t.Fatalf("expected %d records, got %d", len(wantTypes), len(got))
	}
	for i, r := range got {
		if r.Type != wantTypes[i] {
			t.Errorf("record %d type = %q, want %q", i, r.Type, wantTypes[i])
		}
	}

	// stable sub-sequence: web action must precede db action
	if got[0].Target != "web" || got[2].Target != "db" {
		t.Errorf("order not preserved: %s, %s", got[0].Target, got[2].Target)
	}
}

func TestAllowListEmpty(t *testing.T) {
	got := NewAllowList().Apply(upOutput(t))
	if len(got) != 0 {
		t.Errorf("empty allow-list admitted %d records", len(got))
	}
}

func TestForMode(t *testing.T) {
	records := upOutput(t)

	tests := []struct {
		name    string
		verbose bool
		tags    []string
		want    int
	}{
		{"verbose admits everything", true, nil, len(records)},
		{"quiet admits important", false, nil, 5},
		{"tags win over verbose", true, []string{"action"}, 2},
		{"tags win over quiet", false, []string{"ui", "metadata"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ForMode(tt.verbose, tt.tags).Apply(records); len(got) != tt.want {
				t.Errorf("Apply() returned %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestOverride(t *testing.T) {
	records := upOutput(t)
	configured := ForMode(false, []string{"ui", "metadata"})

	tests := []struct {
		name      string
		important bool
		tags      string
		want      int
		wantErr   error
	}{
		{"keeps configured selection", false, "", 2, nil},
		{"important replaces configured tags", true, "", 5, nil},
		{"tags replace configured tags", false, "action", 2, nil},
		{"important with tags", true, "action", 0, ErrConflictingSelection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allow, err := Override(configured, tt.important, tt.tags)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Override() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := allow.Apply(records); len(got) != tt.want {
				t.Errorf("Apply() returned %d records, want %d", len(got), tt.want)
			}
		})
	}
}

func TestParseAllowList(t *testing.T) {
	a := ParseAllowList(" state, error-exit ,,future-tag")

	tests := []struct {
		t    types.EventType
		want bool
	}{
		{types.State, true},
		{types.ErrorExit, true},
		{types.EventType("future-tag"), true},
		{types.UI, false},
	}
	for _, tt := range tests {
		if got := a.Allows(tt.t); got != tt.want {
			t.Errorf("Allows(%q) = %v, want %v", tt.t, got, tt.want)
		}
	}
}

func TestByTypeIdempotent(t *testing.T) {
	records := upOutput(t)

	first := ByType(records, types.Action)
	second := ByType(records, types.Action)
	if !reflect.DeepEqual(first, second) {
		t.Error("repeated filtering produced different results")
	}
	if len(first) != 2 {
		t.Errorf("expected 2 action records, got %d", len(first))
	}
}

func TestForTarget(t *testing.T) {
	records := upOutput(t)

	web := ForTarget(records, "web")
	if len(web) != 3 {
		t.Fatalf("expected 3 web records, got %d", len(web))
	}
	global := ForTarget(records, "")
	if len(global) != 3 {
		t.Errorf("expected 3 process-wide records, got %d", len(global))
	}
}

func TestFold(t *testing.T) {
	records := decode(t,
		"1622000000,web,state,running",
		"1622000000,db,state,poweroff",
		"1622000000,web,provider-name,virtualbox",
	)

	states := func() map[string]string {
		return Fold(records, types.State, map[string]string{}, func(acc map[string]string, r types.Record) map[string]string {
			acc[r.Target] = r.Data[0]
			return acc
		})
	}

	first, second := states(), states()
	want := map[string]string{"web": "running", "db": "poweroff"}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("Fold() = %v, want %v", first, want)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("Fold is not idempotent over a retained slice")
	}

	count := Fold(records, types.UI, 0, func(n int, _ types.Record) int { return n + 1 })
	if count != 0 {
		t.Errorf("expected 0 ui records, got %d", count)
	}
}

func TestErrorExit(t *testing.T) {
	err := ErrorExit(upOutput(t))
	if err == nil {
		t.Fatal("expected error-exit to be surfaced")
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T", err)
	}
	if exitErr.Kind() != "Vagrant::Errors::VMBootBadState" {
		t.Errorf("Kind() = %q", exitErr.Kind())
	}
	wantMsg := "Vagrant::Errors::VMBootBadState, The guest machine entered an invalid state, aborting"
	if exitErr.Message() != wantMsg {
		t.Errorf("Message() = %q, want %q", exitErr.Message(), wantMsg)
	}
	if err.Error() != "vagrant error-exit: "+wantMsg {
		t.Errorf("Error() = %q", err.Error())
	}

	if ErrorExit(decode(t, "1622000000,default,state,running")) != nil {
		t.Error("expected nil without error-exit records")
	}
	if ErrorExit(nil) != nil {
		t.Error("expected nil for empty input")
	}
}
