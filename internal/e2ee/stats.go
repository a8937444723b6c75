package e2ee

import (
	"sync"
	"time"
)

// ewmaAlpha weights the moving-average frame timings.
const ewmaAlpha = 0.1

// Stats tracks frame-processing counters for one call. Reset only on full
// cleanup; partial cleanup and reconnects keep counting.
type Stats struct {
	mu        sync.Mutex
	seen      uint64
	encrypted uint64
	decrypted uint64
	passed    uint64
	dropped   uint64
	errored   uint64
	timedOut  uint64

	avgEncrypt time.Duration
	avgDecrypt time.Duration
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Seen       uint64
	Encrypted  uint64
	Decrypted  uint64
	PassedThru uint64
	Dropped    uint64
	Errored    uint64
	TimedOut   uint64
	AvgEncrypt time.Duration
	AvgDecrypt time.Duration
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) addSeen() {
	s.mu.Lock()
	s.seen++
	s.mu.Unlock()
}

func (s *Stats) addEncrypted(elapsed time.Duration) {
	s.mu.Lock()
	s.encrypted++
	s.avgEncrypt = ewma(s.avgEncrypt, elapsed)
	s.mu.Unlock()
}

func (s *Stats) addDecrypted(elapsed time.Duration) {
	s.mu.Lock()
	s.decrypted++
	s.avgDecrypt = ewma(s.avgDecrypt, elapsed)
	s.mu.Unlock()
}

func (s *Stats) addPassedThru() {
	s.mu.Lock()
	s.passed++
	s.mu.Unlock()
}

func (s *Stats) addDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func (s *Stats) addErrored() {
	s.mu.Lock()
	s.errored++
	s.mu.Unlock()
}

func (s *Stats) addTimedOut() {
	s.mu.Lock()
	s.timedOut++
	s.errored++
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Seen:       s.seen,
		Encrypted:  s.encrypted,
		Decrypted:  s.decrypted,
		PassedThru: s.passed,
		Dropped:    s.dropped,
		Errored:    s.errored,
		TimedOut:   s.timedOut,
		AvgEncrypt: s.avgEncrypt,
		AvgDecrypt: s.avgDecrypt,
	}
}

// Reset zeroes all counters. Called on full cleanup only.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen, s.encrypted, s.decrypted = 0, 0, 0
	s.passed, s.dropped, s.errored, s.timedOut = 0, 0, 0, 0
	s.avgEncrypt, s.avgDecrypt = 0, 0
}

func ewma(avg, sample time.Duration) time.Duration {
	if avg == 0 {
		return sample
	}
	return time.Duration(float64(avg)*(1-ewmaAlpha) + float64(sample)*ewmaAlpha)
}
