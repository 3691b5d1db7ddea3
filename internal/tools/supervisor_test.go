package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/xonecas/coda/internal/config"
)

func testSupervisor(t *testing.T) (*Supervisor, chan Event) {
	t.Helper()
	events := make(chan Event, 64)
	policy := SandboxPolicy{Mode: config.SandboxWorkspaceWrite}
	return NewSupervisor(policy, t.TempDir(), events, nil, nil), events
}

func drain(events chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestRunExecEmitsBeginAndEnd(t *testing.T) {
	s, events := testSupervisor(t)
	out := s.RunExec(context.Background(), ExecRequest{
		CallID:  "call-1",
		Command: []string{"echo", "hello"},
	})

	evts := drain(events)
	if len(evts) != 2 {
		t.Fatalf("events = %d, want 2", len(evts))
	}
	if evts[0].Kind != EventExecBegin || evts[1].Kind != EventExecEnd {
		t.Errorf("event kinds = %v, %v", evts[0].Kind, evts[1].Kind)
	}
	if evts[1].ExitCode != 0 || !strings.Contains(evts[1].Stdout, "hello") {
		t.Errorf("end event = %+v", evts[1])
	}
	if out.CallID != "call-1" || out.Output == nil || *out.Output.Success != true {
		t.Errorf("output item = %+v", out)
	}
}

func TestRunExecFailureMarksUnsuccessful(t *testing.T) {
	s, _ := testSupervisor(t)
	out := s.RunExec(context.Background(), ExecRequest{
		CallID:  "call-2",
		Command: []string{"sh", "-c", "echo boom >&2; exit 3"},
	})
	if *out.Output.Success {
		t.Error("failed exec must report success=false")
	}
	text := out.Output.Text()
	if !strings.Contains(text, "boom") || !strings.Contains(text, "[exit code: 3]") {
		t.Errorf("output text = %q", text)
	}
}

func TestRunExecCancellation(t *testing.T) {
	s, events := testSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	out := s.RunExec(ctx, ExecRequest{
		CallID:  "call-3",
		Command: []string{"sleep", "30"},
	})

	if text := out.Output.Text(); text != CancelledStderr {
		t.Errorf("output = %q, want %q", text, CancelledStderr)
	}
	evts := drain(events)
	end := evts[len(evts)-1]
	if end.Kind != EventExecEnd || end.ExitCode != 130 || !end.Cancelled {
		t.Errorf("end event = %+v", end)
	}

	// A late completion for the same call id must be dropped.
	s.FinishExec("call-3", ExecResult{ExitCode: 0})
	if late := drain(events); len(late) != 0 {
		t.Errorf("late ExecEnd leaked: %+v", late)
	}
}

func TestRunApplyPatch(t *testing.T) {
	s, events := testSupervisor(t)
	patch := "*** Begin Patch\n*** Add File: note.txt\n+content\n*** End Patch"
	out := s.RunApplyPatch(context.Background(), "call-4", patch)
	if !*out.Output.Success {
		t.Fatalf("patch output = %+v", out.Output)
	}
	evts := drain(events)
	if len(evts) != 2 || evts[1].Kind != EventPatchApplyEnd {
		t.Fatalf("events = %+v", evts)
	}
	if len(evts[1].Changes) != 1 || evts[1].Changes[0].Kind != "add" {
		t.Errorf("changes = %+v", evts[1].Changes)
	}
}

func TestRunApplyPatchRejectsBadEnvelope(t *testing.T) {
	s, _ := testSupervisor(t)
	out := s.RunApplyPatch(context.Background(), "call-5", "not a patch")
	if *out.Output.Success {
		t.Error("malformed patch must fail")
	}
	if !strings.Contains(out.Output.Text(), "patch rejected") {
		t.Errorf("output = %q", out.Output.Text())
	}
}
