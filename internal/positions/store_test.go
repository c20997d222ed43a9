package positions

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAdd_GetNextPending_FIFO(t *testing.T) {
	s := NewStore(t.TempDir())

	p1 := NewPosition("LdrA", "Mint1", "A", SideBuy, decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.1))
	p2 := NewPosition("LdrA", "Mint2", "B", SideBuy, decimal.NewFromFloat(0.2), decimal.NewFromFloat(0.2))

	if err := s.Add(p1); err != nil {
		t.Fatalf("Add p1: %v", err)
	}
	if err := s.Add(p2); err != nil {
		t.Fatalf("Add p2: %v", err)
	}

	first := s.GetNextPending()
	if first == nil || first.ID != p1.ID {
		t.Fatalf("expected p1 dequeued first (FIFO)")
	}
	second := s.GetNextPending()
	if second == nil || second.ID != p2.ID {
		t.Fatalf("expected p2 dequeued second (FIFO)")
	}
	if s.GetNextPending() != nil {
		t.Fatalf("expected empty pending queue")
	}
}

func TestAddAndMarkExecuting_DoNotNotify(t *testing.T) {
	s := NewStore(t.TempDir())
	notified := false
	s.SetNotificationCallback(func(StatusChangeEvent) { notified = true })

	p := NewPosition("LdrA", "Mint1", "A", SideBuy, decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.1))
	if err := s.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.MarkExecuting(p.ID); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}

	if notified {
		t.Error("transition into pending/executing must not notify")
	}
}

func TestExecute_TransitionsAndNotifies(t *testing.T) {
	s := NewStore(t.TempDir())

	var gotEvent StatusChangeEvent
	s.SetNotificationCallback(func(e StatusChangeEvent) { gotEvent = e })

	p := NewPosition("LdrA", "MintX", "X", SideBuy, decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5))
	if err := s.Add(p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.GetNextPending()

	if err := s.Execute(p.ID, "SigF1", decimal.NewFromFloat(0.0001), decimal.NewFromInt(5000)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotEvent.NewStatus != StatusOpen {
		t.Errorf("expected notification for status open, got %s", gotEvent.NewStatus)
	}

	open := s.GetOpen(nil)
	if len(open) != 1 {
		t.Fatalf("expected 1 open position, got %d", len(open))
	}
	if open[0].ExecutionSignature != "SigF1" {
		t.Errorf("expected execution signature SigF1, got %s", open[0].ExecutionSignature)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	pPending := NewPosition("LdrA", "Mint1", "A", SideBuy, decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.1))
	pOpen := NewPosition("LdrA", "Mint2", "B", SideBuy, decimal.NewFromFloat(0.2), decimal.NewFromFloat(0.2))
	pClosed := NewPosition("LdrA", "Mint3", "C", SideBuy, decimal.NewFromFloat(0.3), decimal.NewFromFloat(0.3))

	if err := s.Add(pPending); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(pOpen); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(pClosed); err != nil {
		t.Fatal(err)
	}
	s.GetNextPending() // dequeue pPending back to pending (re-add semantics not needed for this test)
	s.pending = append(s.pending, pPending)

	if err := s.Execute(pOpen.ID, "SigOpen", decimal.NewFromFloat(0.0002), decimal.NewFromInt(1000)); err != nil {
		t.Fatal(err)
	}
	if err := s.Execute(pClosed.ID, "SigClosedOpen", decimal.NewFromFloat(0.0003), decimal.NewFromInt(2000)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(pClosed.ID, "SigClose", decimal.NewFromFloat(0.0004), decimal.NewFromFloat(0.4)); err != nil {
		t.Fatal(err)
	}

	reloaded := NewStore(dir)
	if err := reloaded.LoadFromDisk(); err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}

	stats := reloaded.GetStats()
	if stats.Pending != 1 || stats.Open != 1 || stats.Closed != 1 {
		t.Fatalf("unexpected stats after reload: %+v", stats)
	}

	closedSnap, ok := reloaded.GetByID(pClosed.ID)
	if !ok {
		t.Fatal("closed position missing after reload")
	}
	if closedSnap.Status != StatusClosed {
		t.Errorf("expected reloaded status closed, got %s", closedSnap.Status)
	}
	if closedSnap.CloseSignature != "SigClose" {
		t.Errorf("expected close signature preserved, got %s", closedSnap.CloseSignature)
	}
}
