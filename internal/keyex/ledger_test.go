package keyex

import (
	"fmt"
	"testing"
	"time"
)

func TestNonceLedger_RejectsReplay(t *testing.T) {
	l := newNonceLedger()
	now := time.Now()

	if !l.remember("n1", now) {
		t.Fatal("fresh nonce rejected")
	}
	if l.remember("n1", now) {
		t.Fatal("replayed nonce accepted")
	}
	if l.remember("n1", now.Add(time.Minute)) {
		t.Fatal("replayed nonce accepted after a minute")
	}
}

func TestNonceLedger_EvictsOldestAtCapacity(t *testing.T) {
	l := newNonceLedger()
	now := time.Now()

	for i := 0; i < ledgerCapacity+1; i++ {
		if !l.remember(fmt.Sprintf("n%d", i), now) {
			t.Fatalf("nonce %d rejected", i)
		}
	}
	if l.len() != ledgerCapacity {
		t.Fatalf("ledger len = %d, want %d", l.len(), ledgerCapacity)
	}
	// The oldest entry fell out, so its nonce is acceptable again.
	if !l.remember("n0", now) {
		t.Fatal("evicted nonce still remembered")
	}
	if l.remember(fmt.Sprintf("n%d", ledgerCapacity), now) {
		t.Fatal("recent nonce was evicted")
	}
}

func TestNonceLedger_ExpiresByAge(t *testing.T) {
	l := newNonceLedger()
	start := time.Now()

	l.remember("old", start)
	l.remember("fresh", start.Add(maxMessageAge-time.Second))

	// Independent of capacity: entries older than the acceptance window
	// are dropped on the next insert.
	later := start.Add(maxMessageAge + time.Second)
	if !l.remember("old", later) {
		t.Fatal("aged-out nonce still remembered")
	}
	if l.remember("fresh", later) {
		t.Fatal("in-window nonce forgotten")
	}
}
