package history

import (
	"testing"

	"github.com/xonecas/coda/internal/cmdparse"
)

func completedRead(callID, file string) ExecCell {
	cmd := []string{"cat", file}
	return ExecCell{
		CallID:  callID,
		Command: cmd,
		Parsed:  cmdparse.Parse(cmd),
		Action:  cmdparse.ActionRead,
		Status:  ExecSuccess,
		Output:  &ExecOutput{ExitCode: 0},
	}
}

func completedRun(callID string) ExecCell {
	cmd := []string{"go", "test", "./..."}
	return ExecCell{
		CallID:  callID,
		Command: cmd,
		Parsed:  cmdparse.Parse(cmd),
		Action:  cmdparse.ActionRun,
		Status:  ExecSuccess,
		Output:  &ExecOutput{ExitCode: 0},
	}
}

func TestAdjacentCompletedReadsMerge(t *testing.T) {
	r := NewReducer()
	r.InsertCompletedExec(completedRead("c1", "a.txt"))
	id := r.InsertCompletedExec(completedRead("c2", "b.txt"))

	records := r.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 merged cell", len(records))
	}
	rec := records[0]
	if rec.Kind != KindMergedExec {
		t.Fatalf("kind = %v", rec.Kind)
	}
	if rec.ID != id {
		t.Errorf("survivor id = %d, want %d", rec.ID, id)
	}
	if len(rec.Merged.Cells) != 2 ||
		rec.Merged.Cells[0].CallID != "c1" ||
		rec.Merged.Cells[1].CallID != "c2" {
		t.Errorf("merged cells = %+v", rec.Merged.Cells)
	}

	// A third read absorbs into the existing merged run.
	r.InsertCompletedExec(completedRead("c3", "c.txt"))
	if len(r.Records()) != 1 || len(r.Records()[0].Merged.Cells) != 3 {
		t.Errorf("merged run should absorb further same-kind cells")
	}
}

func TestRunBetweenReadsPreventsMerge(t *testing.T) {
	r := NewReducer()
	r.InsertCompletedExec(completedRead("c1", "a.txt"))
	r.InsertCompletedExec(completedRun("c2"))
	r.InsertCompletedExec(completedRead("c3", "b.txt"))

	records := r.Records()
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3 (no merge across a run)", len(records))
	}
	for i, want := range []Kind{KindExec, KindExec, KindExec} {
		if records[i].Kind != want {
			t.Errorf("records[%d].Kind = %v", i, records[i].Kind)
		}
	}
}
