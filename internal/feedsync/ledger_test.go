package feedsync

import "testing"

func TestLedgerStaysBoundedAndKeepsNewestHalf(t *testing.T) {
	const capacity = 100
	ledger := NewLedger(capacity)
	total := int64(capacity + 500)
	for id := int64(1); id <= total; id++ {
		ledger.Add(id)
		if ledger.Len() > capacity {
			t.Fatalf("ledger grew to %d after inserting id %d, capacity %d", ledger.Len(), id, capacity)
		}
	}
	for id := total - capacity/2 + 1; id <= total; id++ {
		if !ledger.Has(id) {
			t.Fatalf("expected recent id %d to be tracked", id)
		}
	}
	if ledger.Has(1) {
		t.Fatalf("expected oldest id to be evicted")
	}
}

func TestLedgerCompactsInOneBatch(t *testing.T) {
	ledger := NewLedger(10)
	for id := int64(1); id <= 10; id++ {
		ledger.Add(id)
	}
	if ledger.Len() != 10 {
		t.Fatalf("expected 10 ids before compaction, got %d", ledger.Len())
	}
	ledger.Add(11)
	if !equalIDs(ledger.IDs(), 7, 8, 9, 10, 11) {
		t.Fatalf("unexpected ids after compaction: %v", ledger.IDs())
	}
}

func TestLedgerAdmitReportsFirstSighting(t *testing.T) {
	ledger := NewLedger(DefaultLedgerCapacity)
	if !ledger.Admit(42) {
		t.Fatalf("expected first admit to succeed")
	}
	if ledger.Admit(42) {
		t.Fatalf("expected second admit of the same id to be rejected")
	}
	ledger.Add(42)
	if ledger.Len() != 1 {
		t.Fatalf("expected a single tracked id, got %d", ledger.Len())
	}
	ledger.Reset()
	if ledger.Has(42) || ledger.Len() != 0 {
		t.Fatalf("expected reset to clear the ledger")
	}
}
