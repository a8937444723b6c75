package webrtc

import (
	"errors"
	"fmt"
	"log"
	"sync"

	pion "github.com/pion/webrtc/v4"

	"github.com/caredial/securecall/internal/domain"
)

const iceBufferLimit = 100

// ErrAlreadyAnswered signals a duplicate answer for a negotiation that
// already completed. Callers log and ignore it.
var ErrAlreadyAnswered = errors.New("webrtc: negotiation already answered")

// Handle wraps one peer connection attempt: the pion connection, its
// local sender ports and the candidate buffer for this negotiation.
type Handle struct {
	pc *pion.PeerConnection

	mu            sync.Mutex
	remoteDescSet bool
	answered      bool
	ice           *iceBuffer
	senders       []*senderPort
	receivers     []*receiverPort

	// iceMu serializes candidate application so flush order is strict.
	iceMu sync.Mutex
}

func newHandle(pc *pion.PeerConnection) *Handle {
	return &Handle{pc: pc, ice: newIceBuffer(iceBufferLimit)}
}

// Usable reports whether the connection can still carry or complete a
// negotiation. Failed, disconnected and closed connections are replaced,
// never reused.
func (h *Handle) Usable() bool {
	switch h.pc.ConnectionState() {
	case pion.PeerConnectionStateFailed,
		pion.PeerConnectionStateDisconnected,
		pion.PeerConnectionStateClosed:
		return false
	}
	return true
}

// ApplyRemoteOffer installs the remote offer and flushes any candidates
// that arrived ahead of it.
func (h *Handle) ApplyRemoteOffer(sdp string) error {
	desc := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp}
	if err := h.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	h.flushCandidates()
	return nil
}

// ApplyRemoteAnswer installs the remote answer exactly once per
// negotiation; a second answer returns ErrAlreadyAnswered without
// touching the connection.
func (h *Handle) ApplyRemoteAnswer(sdp string) error {
	h.mu.Lock()
	if h.answered {
		h.mu.Unlock()
		return ErrAlreadyAnswered
	}
	h.answered = true
	h.mu.Unlock()

	desc := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp}
	if err := h.pc.SetRemoteDescription(desc); err != nil {
		h.mu.Lock()
		h.answered = false
		h.mu.Unlock()
		return fmt.Errorf("set remote answer: %w", err)
	}
	h.flushCandidates()
	return nil
}

// resetNegotiation opens a fresh offer/answer round on the same
// connection.
func (h *Handle) resetNegotiation() {
	h.mu.Lock()
	h.answered = false
	h.mu.Unlock()
}

// AddRemoteCandidate applies a candidate, or buffers it when the remote
// description is not set yet.
func (h *Handle) AddRemoteCandidate(c domain.CandidateInit) error {
	h.mu.Lock()
	if !h.remoteDescSet {
		if h.ice.push(c) {
			log.Printf("[webrtc] candidate buffer full, dropped oldest")
		}
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.iceMu.Lock()
	defer h.iceMu.Unlock()
	return h.addCandidate(c)
}

// flushCandidates marks the remote description set and drains the buffer
// in arrival order. iceMu is held across the whole drain so candidates
// arriving mid-flush cannot jump the queue.
func (h *Handle) flushCandidates() {
	h.iceMu.Lock()
	defer h.iceMu.Unlock()

	h.mu.Lock()
	h.remoteDescSet = true
	pending := h.ice.drain()
	h.mu.Unlock()

	for _, c := range pending {
		if err := h.addCandidate(c); err != nil {
			log.Printf("[webrtc] buffered candidate rejected: %v", err)
		}
	}
	if len(pending) > 0 {
		log.Printf("[webrtc] flushed %d buffered candidates", len(pending))
	}
}

func (h *Handle) addCandidate(c domain.CandidateInit) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return h.pc.AddICECandidate(pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (h *Handle) addSender(p *senderPort) {
	h.mu.Lock()
	h.senders = append(h.senders, p)
	h.mu.Unlock()
}

func (h *Handle) addReceiver(p *receiverPort) {
	h.mu.Lock()
	h.receivers = append(h.receivers, p)
	h.mu.Unlock()
}

func (h *Handle) ports() (senders []*senderPort, receivers []*receiverPort) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*senderPort(nil), h.senders...), append([]*receiverPort(nil), h.receivers...)
}

func (h *Handle) rtpSenders() []*pion.RTPSender {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*pion.RTPSender, 0, len(h.senders))
	for _, p := range h.senders {
		out = append(out, p.sender)
	}
	return out
}
