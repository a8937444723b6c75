package webrtc

import (
	"context"
	"sync"
	"testing"

	"github.com/caredial/securecall/internal/domain"
	"github.com/caredial/securecall/internal/e2ee"
	"github.com/caredial/securecall/internal/media"
)

// recordingSignaler captures outgoing envelopes; nothing answers.
type recordingSignaler struct {
	mu       sync.Mutex
	handlers map[string][]func(domain.Envelope)
	sent     []domain.Envelope
}

func newRecordingSignaler() *recordingSignaler {
	return &recordingSignaler{handlers: map[string][]func(domain.Envelope){}}
}

func (s *recordingSignaler) Connect(ctx context.Context) error { return nil }

func (s *recordingSignaler) Send(env domain.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *recordingSignaler) On(msgType string, fn func(domain.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[msgType] = append(s.handlers[msgType], fn)
}

func (s *recordingSignaler) Close() {}

func (s *recordingSignaler) countOf(msgType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.sent {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*Manager, *recordingSignaler) {
	t.Helper()
	sig := newRecordingSignaler()
	pipe, err := e2ee.NewPipeline(e2ee.EncryptFailurePassThrough, e2ee.NewStats())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	src := media.NewStaticSource()
	cfg := domain.SessionConfig{
		RoomID:       "room-1",
		LocalUserID:  "clinician-1",
		RemoteUserID: "patient-1",
		Initiator:    true,
	}
	m, err := NewManager(cfg, nil, sig, src, pipe, TeardownDirect)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		pipe.Stop()
	})
	return m, sig
}

func TestManager_EnsureConnectionReusesUsableHandle(t *testing.T) {
	m, _ := newTestManager(t)

	h1, err := m.EnsureConnection()
	if err != nil {
		t.Fatalf("EnsureConnection: %v", err)
	}
	h2, err := m.EnsureConnection()
	if err != nil {
		t.Fatalf("EnsureConnection: %v", err)
	}
	if h1 != h2 {
		t.Fatal("usable connection was replaced")
	}
	if len(h1.rtpSenders()) != 2 {
		t.Fatalf("senders = %d, want 2 (audio and video)", len(h1.rtpSenders()))
	}
}

func TestManager_CreateOfferForDeduplicatesConcurrentJoins(t *testing.T) {
	m, sig := newTestManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.CreateOfferFor("patient-1"); err != nil {
				t.Errorf("CreateOfferFor: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := sig.countOf(domain.MsgOffer); n != 1 {
		t.Fatalf("sent %d offers for one peer, want 1", n)
	}
}

func TestManager_ClearOfferSlotAllowsReoffer(t *testing.T) {
	m, sig := newTestManager(t)

	if err := m.CreateOfferFor("patient-1"); err != nil {
		t.Fatalf("CreateOfferFor: %v", err)
	}
	if err := m.CreateOfferFor("patient-1"); err != nil {
		t.Fatalf("duplicate CreateOfferFor: %v", err)
	}
	if n := sig.countOf(domain.MsgOffer); n != 1 {
		t.Fatalf("sent %d offers before slot clear, want 1", n)
	}

	// Peer left and rejoined: the reservation is released.
	m.ClearOfferSlot("patient-1")
	if err := m.CreateOfferFor("patient-1"); err != nil {
		t.Fatalf("CreateOfferFor after clear: %v", err)
	}
	if n := sig.countOf(domain.MsgOffer); n != 2 {
		t.Fatalf("sent %d offers after slot clear, want 2", n)
	}
}

func TestManager_PartialCleanupKeepsCaptureAlive(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.EnsureConnection(); err != nil {
		t.Fatalf("EnsureConnection: %v", err)
	}
	m.PartialCleanup()

	// Local capture must survive a partial cleanup so the rebuilt
	// connection can re-attach tracks without new permissions.
	if _, err := m.source.Tracks(); err != nil {
		t.Fatalf("capture released by partial cleanup: %v", err)
	}
	if _, err := m.EnsureConnection(); err != nil {
		t.Fatalf("EnsureConnection after partial cleanup: %v", err)
	}
}

func TestManager_CloseReleasesCapture(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.EnsureConnection(); err != nil {
		t.Fatalf("EnsureConnection: %v", err)
	}
	m.Close()

	if _, err := m.source.Tracks(); err == nil {
		t.Fatal("capture still live after full cleanup")
	}
	if _, err := m.EnsureConnection(); err == nil {
		t.Fatal("closed manager built a new connection")
	}
}
