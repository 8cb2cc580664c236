package edgeserve

import (
	"strings"
	"testing"
)

func TestRequestStateLifecycle(t *testing.T) {
	env := &Env{}
	id := newRequestState(env, &RequestMetadata{ClientIP: "192.0.2.1"}, 10)

	state := getRequestState(id)
	if state == nil {
		t.Fatal("state not registered")
	}
	if state.env != env {
		t.Error("env not carried")
	}

	addLog(id, "info", "hello")
	addLog(id, "error", "boom")
	cleared := clearRequestState(id)
	if cleared == nil || len(cleared.logs) != 2 {
		t.Fatalf("cleared state = %+v", cleared)
	}
	if cleared.logs[0].Level != "info" || cleared.logs[0].Message != "hello" {
		t.Errorf("first log = %+v", cleared.logs[0])
	}

	if getRequestState(id) != nil {
		t.Fatal("state still registered after clear")
	}
	// Logging to a cleared request is a no-op.
	addLog(id, "info", "late")
}

func TestAddLogTruncatesLongMessages(t *testing.T) {
	id := newRequestState(&Env{}, nil, 0)
	defer clearRequestState(id)

	addLog(id, "info", strings.Repeat("x", maxLogMessageSize+100))
	state := getRequestState(id)
	if len(state.logs) != 1 {
		t.Fatal("log entry missing")
	}
	if !strings.HasSuffix(state.logs[0].Message, "...(truncated)") {
		t.Error("long message not truncated")
	}
	if len(state.logs[0].Message) > maxLogMessageSize+20 {
		t.Errorf("truncated message still %d bytes", len(state.logs[0].Message))
	}
}

func TestAddLogCapsEntryCount(t *testing.T) {
	id := newRequestState(&Env{}, nil, 0)
	defer clearRequestState(id)

	for i := 0; i < maxLogEntries+50; i++ {
		addLog(id, "info", "spam")
	}
	if got := len(getRequestState(id).logs); got != maxLogEntries {
		t.Fatalf("kept %d entries, want %d", got, maxLogEntries)
	}
}

func TestUnpackArgs(t *testing.T) {
	args := unpackArgs(`["a","b",""]`)
	if len(args) != 3 || args[0] != "a" || args[1] != "b" || args[2] != "" {
		t.Fatalf("unpackArgs = %v", args)
	}
	if unpackArgs("") != nil {
		t.Error("empty pack should be nil")
	}
	if unpackArgs("not json") != nil {
		t.Error("garbage pack should be nil")
	}
	if got := argAt(args, 5); got != "" {
		t.Errorf("argAt out of range = %q", got)
	}
	if got := argAt(args, 1); got != "b" {
		t.Errorf("argAt(1) = %q", got)
	}
}
