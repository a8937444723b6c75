package webrtc

import "github.com/caredial/securecall/internal/domain"

// iceBuffer queues remote candidates that arrive before the remote
// description is set. Bounded: overflow drops the oldest entry. The
// buffer drains exactly once, in arrival order. Not self-locking; the
// owning handle guards it.
type iceBuffer struct {
	limit   int
	entries []domain.CandidateInit
	drained bool
}

func newIceBuffer(limit int) *iceBuffer {
	return &iceBuffer{limit: limit}
}

func (b *iceBuffer) push(c domain.CandidateInit) (dropped bool) {
	if b.drained {
		return false
	}
	if len(b.entries) >= b.limit {
		b.entries = b.entries[1:]
		dropped = true
	}
	b.entries = append(b.entries, c)
	return dropped
}

func (b *iceBuffer) drain() []domain.CandidateInit {
	if b.drained {
		return nil
	}
	b.drained = true
	out := b.entries
	b.entries = nil
	return out
}

func (b *iceBuffer) len() int {
	return len(b.entries)
}
