package history

import (
	"testing"
	"time"

	"github.com/xonecas/coda/internal/protocol"
)

func keyed(seq uint64) (protocol.OrderKey, bool) {
	return protocol.NewOrderKey(1, 0, seq), true
}

func TestOrderingStableAcrossPermutations(t *testing.T) {
	perms := [][]uint64{
		{1, 2, 3}, {1, 3, 2}, {2, 1, 3}, {2, 3, 1}, {3, 1, 2}, {3, 2, 1},
	}
	for _, perm := range perms {
		r := NewReducer()
		for _, seq := range perm {
			key, has := keyed(seq)
			r.Insert(Record{Kind: KindBackgroundEvent, Text: textFor(seq), Key: key, HasKey: has})
		}
		records := r.Records()
		if len(records) != 3 {
			t.Fatalf("perm %v: len = %d", perm, len(records))
		}
		for i, want := range []string{"a", "b", "c"} {
			if records[i].Text != want {
				t.Errorf("perm %v: records[%d] = %q, want %q", perm, i, records[i].Text, want)
			}
		}
	}
}

func textFor(seq uint64) string {
	return string(rune('a' + seq - 1))
}

func TestKeylessAttachesToStreamNeighbor(t *testing.T) {
	r := NewReducer()
	k1, h := keyed(1)
	r.Insert(Record{Kind: KindBackgroundEvent, Text: "first", Key: k1, HasKey: h})
	k3, _ := keyed(3)
	r.Insert(Record{Kind: KindBackgroundEvent, Text: "third", Key: k3, HasKey: h})

	// Keyless record in the same (request, output) stream attaches after the
	// latest keyed sibling.
	output := uint32(0)
	r.Insert(Record{
		Kind: KindBackgroundEvent, Text: "attached",
		Key: protocol.PartialOrderKey(1, &output, nil),
	})
	// A later keyed record still lands in key order, after attached keyless.
	k2, _ := keyed(2)
	r.Insert(Record{Kind: KindBackgroundEvent, Text: "second", Key: k2, HasKey: h})

	var texts []string
	for _, rec := range r.Records() {
		texts = append(texts, rec.Text)
	}
	want := []string{"first", "second", "third", "attached"}
	if len(texts) != len(want) {
		t.Fatalf("texts = %v", texts)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("texts = %v, want %v", texts, want)
		}
	}
}

func TestExploreCoalescesReads(t *testing.T) {
	r := NewReducer()
	r.BeginExec("c1", []string{"bash", "-lc", "cat README.md"}, protocol.OrderKey{}, false)
	r.EndExec("c1", ExecOutput{ExitCode: 0}, time.Second)
	r.BeginExec("c2", []string{"bash", "-lc", "head -n 20 go.mod"}, protocol.OrderKey{}, false)

	records := r.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 explore block", len(records))
	}
	explore := records[0].Explore
	if explore == nil || len(explore.Entries) != 2 {
		t.Fatalf("explore = %+v", explore)
	}
	if explore.Header() != "Exploring..." {
		t.Errorf("header = %q while entry running", explore.Header())
	}

	r.EndExec("c2", ExecOutput{ExitCode: 0}, time.Second)
	r.FinalizeExplore()
	if explore.Header() != "Explored" {
		t.Errorf("header = %q after finalize", explore.Header())
	}
}

func TestExploreReadRangeWidening(t *testing.T) {
	r := NewReducer()
	r.BeginExec("c1", []string{"bash", "-lc", "sed -n 10,20p main.go"}, protocol.OrderKey{}, false)
	r.EndExec("c1", ExecOutput{ExitCode: 0}, 0)
	r.BeginExec("c2", []string{"bash", "-lc", "sed -n 15,40p main.go"}, protocol.OrderKey{}, false)
	r.EndExec("c2", ExecOutput{ExitCode: 0}, 0)

	explore := r.Records()[0].Explore
	if len(explore.Entries) != 1 {
		t.Fatalf("entries = %d, want merged single read", len(explore.Entries))
	}
	e := explore.Entries[0]
	if e.RangeStart != 10 || e.RangeEnd != 40 {
		t.Errorf("range = %d-%d, want 10-40", e.RangeStart, e.RangeEnd)
	}
	if e.Summary != "main.go (lines 10 to 40)" {
		t.Errorf("summary = %q", e.Summary)
	}
}

func TestMutatingExecBreaksCoalescing(t *testing.T) {
	r := NewReducer()
	r.BeginExec("c1", []string{"bash", "-lc", "cat a.txt"}, protocol.OrderKey{}, false)
	r.EndExec("c1", ExecOutput{ExitCode: 0}, 0)
	r.BeginExec("c2", []string{"go", "test", "./..."}, protocol.OrderKey{}, false)
	r.EndExec("c2", ExecOutput{ExitCode: 0}, 0)
	r.BeginExec("c3", []string{"bash", "-lc", "cat b.txt"}, protocol.OrderKey{}, false)

	records := r.Records()
	if len(records) != 3 {
		t.Fatalf("records = %d, want explore + exec + explore", len(records))
	}
	if records[0].Kind != KindExplore || records[1].Kind != KindExec || records[2].Kind != KindExplore {
		t.Errorf("kinds = %v %v %v", records[0].Kind, records[1].Kind, records[2].Kind)
	}
	if records[0].Explore.Trailing {
		t.Error("first explore should be finalized by the mutating exec")
	}
}

func TestAdjacentRunExecCellsDoNotMerge(t *testing.T) {
	r := NewReducer()
	// Two adjacent completed non-explore (Run-kind) exec cells stay
	// separate records.
	r.BeginExec("c1", []string{"go", "vet", "./..."}, protocol.OrderKey{}, false)
	r.EndExec("c1", ExecOutput{ExitCode: 0}, 0)
	r.BeginExec("c2", []string{"go", "build", "./..."}, protocol.OrderKey{}, false)
	r.EndExec("c2", ExecOutput{ExitCode: 0}, 0)

	// Run-kind cells never merge.
	if len(r.Records()) != 2 {
		t.Fatalf("run cells must not merge: %d records", len(r.Records()))
	}
}

func TestCancelIdempotence(t *testing.T) {
	r := NewReducer()
	r.BeginExec("c1", []string{"sleep", "100"}, protocol.OrderKey{}, false)
	r.CancelExec("c1")

	rec := r.Records()[0]
	if rec.Exec.Status != ExecCancelled {
		t.Fatalf("status = %v", rec.Exec.Status)
	}
	if rec.Exec.Output.ExitCode != 130 || rec.Exec.Output.Stderr != "Cancelled by user." {
		t.Errorf("output = %+v", rec.Exec.Output)
	}

	epoch := r.Epoch()
	// Late completion after cancellation is a no-op.
	r.EndExec("c1", ExecOutput{ExitCode: 0, Stdout: "done"}, time.Second)
	if r.Epoch() != epoch {
		t.Error("late EndExec after cancel must not mutate the transcript")
	}
	if r.Records()[0].Exec.Status != ExecCancelled {
		t.Error("cancelled status must be preserved")
	}
}

func TestDuplicateCallOutputDropped(t *testing.T) {
	r := NewReducer()
	item := protocol.CallOutput("dup", "payload", true)
	if _, ok := r.InsertCallOutput(item); !ok {
		t.Fatal("first insert must succeed")
	}
	if _, ok := r.InsertCallOutput(item); ok {
		t.Error("duplicate call output must be dropped")
	}
	if len(r.Records()) != 1 {
		t.Errorf("records = %d", len(r.Records()))
	}
}

func TestFinalAnswerReplacesStream(t *testing.T) {
	r := NewReducer()
	id := r.UpsertAssistantStream("item-1", "partial ", protocol.OrderKey{}, false)
	r.UpsertAssistantStream("item-1", "text", protocol.OrderKey{}, false)

	finalID := r.FinalizeAssistantMessage("item-1", "full final text", protocol.OrderKey{}, false)
	if finalID != id {
		t.Errorf("final should reuse stream record id: %d != %d", finalID, id)
	}
	rec, _ := r.Get(id)
	if rec.Kind != KindAssistantMessage || rec.Text != "full final text" {
		t.Errorf("record = %+v", rec)
	}
	if len(r.Records()) != 1 {
		t.Errorf("records = %d, want 1", len(r.Records()))
	}
}

func TestRunningToolLifecycle(t *testing.T) {
	r := NewReducer()
	r.BeginTool("ws-1", "web_search")
	r.CompleteTool("ws-1", "golang generics", false, time.Second)

	rec := r.Records()[0]
	if rec.Kind != KindCompletedTool || !rec.Tool.Done || rec.Tool.Query != "golang generics" {
		t.Errorf("record = %+v", rec)
	}

	// Cancelled tools drop late completions.
	r.BeginTool("ws-2", "web_search")
	r.CancelTool("ws-2")
	epoch := r.Epoch()
	r.CompleteTool("ws-2", "late", false, time.Second)
	if r.Epoch() != epoch {
		t.Error("late completion after cancel must be dropped")
	}
}
