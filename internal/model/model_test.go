package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRequestStateHasFinished(t *testing.T) {
	cases := []struct {
		state    RequestState
		finished bool
		isErr    bool
	}{
		{RequestStateCreated, false, false},
		{RequestStateDelayed, false, false},
		{RequestStateSuccess, true, false},
		{RequestStateFailed, true, true},
		{RequestStateTimeouted, true, true},
		{RequestStateAborted, true, true},
	}
	for _, tc := range cases {
		if got := tc.state.HasFinished(); got != tc.finished {
			t.Errorf("%s: HasFinished() = %v, want %v", tc.state, got, tc.finished)
		}
		if got := tc.state.IsError(); got != tc.isErr {
			t.Errorf("%s: IsError() = %v, want %v", tc.state, got, tc.isErr)
		}
	}
}

func TestMachineStateCanBeChanged(t *testing.T) {
	frozen := map[MachineState]bool{
		MachineStateUndeployed: true,
		MachineStateFailed:     true,
	}
	all := []MachineState{
		MachineStateCreated, MachineStateDeployed, MachineStateRunning,
		MachineStateStopped, MachineStateUndeployed, MachineStateFailed,
	}
	for _, s := range all {
		if got := s.CanBeChanged(); got == frozen[s] {
			t.Errorf("%s: CanBeChanged() = %v", s, got)
		}
	}
}

func TestRequestTypeCanChangeMachineState(t *testing.T) {
	changing := map[RequestType]bool{
		RequestStart: true, RequestStop: true,
		RequestDeploy: true, RequestUndeploy: true,
	}
	all := []RequestType{
		RequestDeploy, RequestUndeploy, RequestStart, RequestStop,
		RequestRestart, RequestGetInfo, RequestTakeScreenshot,
		RequestTakeSnapshot, RequestRestoreSnapshot, RequestDeleteSnapshot,
	}
	for _, rt := range all {
		if got := rt.CanChangeMachineState(); got != changing[rt] {
			t.Errorf("%s: CanChangeMachineState() = %v, want %v", rt, got, changing[rt])
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := At(time.Date(2026, time.March, 4, 15, 6, 7, 999, time.Local))
	b, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"2026-03-04 15:06:07"` {
		t.Fatalf("marshal = %s", b)
	}
	var back Timestamp
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(ts.Time) {
		t.Fatalf("round trip: got %v, want %v", back, ts)
	}
}

func TestTimestampUnparsableCollapsesToZero(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"not a time"`), &ts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !ts.IsZero() {
		t.Fatalf("got %v, want zero", ts)
	}
}

func TestFarFutureSentinel(t *testing.T) {
	if !FarFuture().IsFarFuture() {
		t.Fatal("sentinel not recognized")
	}
	if Now().IsFarFuture() {
		t.Fatal("now must not be far future")
	}
	a := NewAction(ActionOther, "7")
	if !a.NextTry.IsFarFuture() {
		t.Fatal("new action must not be scheduled")
	}
}

func TestLockFieldLookup(t *testing.T) {
	name, err := LockField("action")
	if err != nil {
		t.Fatalf("LockField(action): %v", err)
	}
	if name != "lock" {
		t.Fatalf("LockField(action) = %q", name)
	}
	if _, err := LockField("machine"); err == nil {
		t.Fatal("machine must not have a lock field")
	}
	if _, err := Attributes("nonsense"); err == nil {
		t.Fatal("unknown type must error")
	}
}

func TestViewHidesOwner(t *testing.T) {
	m := &Machine{
		State:  MachineStateRunning,
		Owner:  "alice",
		Labels: []string{"template:win10"},
	}
	m.SetID(42)

	v, err := View(m, true, false)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if _, ok := v["owner"]; ok {
		t.Error("owner must be hidden from redacted view")
	}
	if v["id"] != "42" {
		t.Errorf("id = %v", v["id"])
	}

	admin, err := View(m, false, true)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if admin["owner"] != "alice" {
		t.Errorf("admin owner = %v", admin["owner"])
	}
}

func TestViewRedactsLongStrings(t *testing.T) {
	m := &Machine{MachineSearchLink: strings.Repeat("x", 300)}
	v, err := View(m, true, false)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	link := v["machine_search_link"].(string)
	if !strings.HasSuffix(link, "... redacted") {
		t.Fatalf("link not redacted: %q", link)
	}
	if len(link) > 120 {
		t.Fatalf("redacted link too long: %d", len(link))
	}
}

func TestSeparatorTicket(t *testing.T) {
	sep := &DeployTicket{HostMoRef: SeparatorHostMoRef}
	if !sep.IsSeparator() {
		t.Fatal("separator not recognized")
	}
	if (&DeployTicket{HostMoRef: "host-12"}).IsSeparator() {
		t.Fatal("regular ticket treated as separator")
	}
}
