package keyex

import (
	"sync"
	"time"
)

const (
	ledgerCapacity = 100

	// maxMessageAge bounds both ledger entry lifetime and the accepted
	// clock skew on incoming key messages.
	maxMessageAge = 5 * time.Minute
)

// nonceLedger rejects replayed key-exchange messages. It keeps at most
// ledgerCapacity entries, evicting the least recently seen, and expires
// entries by age independently of capacity pressure.
type nonceLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	order   []string // insertion order; nonces are recorded once
}

func newNonceLedger() *nonceLedger {
	return &nonceLedger{entries: make(map[string]time.Time)}
}

// remember records the nonce and reports whether it was fresh. A false
// return means replay: the nonce was already in the ledger.
func (l *nonceLedger) remember(nonce string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expireLocked(now)

	if _, ok := l.entries[nonce]; ok {
		return false
	}

	if len(l.order) >= ledgerCapacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.entries, oldest)
	}

	l.entries[nonce] = now
	l.order = append(l.order, nonce)
	return true
}

func (l *nonceLedger) expireLocked(now time.Time) {
	cutoff := now.Add(-maxMessageAge)
	kept := l.order[:0]
	for _, n := range l.order {
		if seen, ok := l.entries[n]; ok && seen.Before(cutoff) {
			delete(l.entries, n)
			continue
		}
		kept = append(kept, n)
	}
	l.order = kept
}

func (l *nonceLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
