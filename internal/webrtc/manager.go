package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"

	"github.com/caredial/securecall/internal/domain"
	"github.com/caredial/securecall/internal/e2ee"
	"github.com/caredial/securecall/internal/media"
)

// recoveryGrace is how long a disconnected connection may linger before
// partial cleanup tears it down.
const recoveryGrace = 5 * time.Second

// Manager owns the peer connection lifecycle for the call: at most one
// live connection at a time, negotiated over the signaling hub, with
// local tracks attached through the encryption pipeline.
type Manager struct {
	cfg      domain.SessionConfig
	signal   domain.Signaler
	source   media.Source
	pipeline *e2ee.Pipeline
	api      *pion.API
	servers  []pion.ICEServer
	teardown TeardownStrategy

	mu               sync.Mutex
	handle           *Handle
	offerSlots       map[string]struct{}
	videoSSRC        uint32
	recovery         *time.Timer
	onState          func(domain.ConnectionState)
	onFrame          func(e2ee.Frame)
	onUnsupported    func()
	allowUnencrypted bool
	closed           bool
}

func NewManager(cfg domain.SessionConfig, servers []domain.ICEServer, sig domain.Signaler, src media.Source, pipe *e2ee.Pipeline, teardown TeardownStrategy) (*Manager, error) {
	engine := &pion.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	registry.Add(responder)

	factory := logging.NewDefaultLoggerFactory()
	factory.DefaultLogLevel = logging.LogLevelWarn
	settings := pion.SettingEngine{LoggerFactory: factory}

	m := &Manager{
		cfg:      cfg,
		signal:   sig,
		source:   src,
		pipeline: pipe,
		teardown: teardown,
		api: pion.NewAPI(
			pion.WithMediaEngine(engine),
			pion.WithInterceptorRegistry(registry),
			pion.WithSettingEngine(settings),
		),
		offerSlots: map[string]struct{}{},
	}
	for _, s := range servers {
		ice := pion.ICEServer{URLs: []string{s.URL}}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		m.servers = append(m.servers, ice)
	}
	return m, nil
}

// Bind registers the negotiation message handlers on the hub connection.
func (m *Manager) Bind() {
	m.signal.On(domain.MsgOffer, m.handleRemoteOffer)
	m.signal.On(domain.MsgAnswer, m.handleRemoteAnswer)
	m.signal.On(domain.MsgIceCandidate, m.handleRemoteCandidate)
}

func (m *Manager) OnState(fn func(domain.ConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// OnDecryptedFrame sets the sink for decrypted remote frames.
func (m *Manager) OnDecryptedFrame(fn func(e2ee.Frame)) {
	m.mu.Lock()
	m.onFrame = fn
	m.mu.Unlock()
}

// OnUnsupported is invoked once if the runtime cannot intercept frames.
func (m *Manager) OnUnsupported(fn func()) {
	m.mu.Lock()
	m.onUnsupported = fn
	m.mu.Unlock()
}

// SetAllowUnencrypted controls whether a call may proceed when no frame
// interception strategy is available.
func (m *Manager) SetAllowUnencrypted(allow bool) {
	m.mu.Lock()
	m.allowUnencrypted = allow
	m.mu.Unlock()
}

// EnsureConnection returns a usable connection, building a fresh one if
// the current connection is failed, disconnected or closed. Stale
// connections are torn down, never reused.
func (m *Manager) EnsureConnection() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnectionLocked()
}

func (m *Manager) ensureConnectionLocked() (*Handle, error) {
	if m.closed {
		return nil, errors.New("webrtc: manager closed")
	}
	if m.handle != nil && m.handle.Usable() {
		return m.handle, nil
	}
	if m.handle != nil {
		log.Printf("[webrtc] replacing unusable peer connection (%s)", m.handle.pc.ConnectionState())
		m.teardownHandleLocked(m.handle)
		m.handle = nil
	}
	h, err := m.newHandleLocked()
	if err != nil {
		return nil, err
	}
	m.handle = h
	return h, nil
}

func (m *Manager) newHandleLocked() (*Handle, error) {
	pc, err := m.api.NewPeerConnection(pion.Configuration{ICEServers: m.servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	h := newHandle(pc)

	tracks, err := m.source.Tracks()
	if err != nil {
		// One recovery attempt before giving up on local media.
		if rerr := m.source.Recover(); rerr != nil {
			pc.Close()
			return nil, fmt.Errorf("local media unavailable: %w", err)
		}
		if tracks, err = m.source.Tracks(); err != nil {
			pc.Close()
			return nil, fmt.Errorf("local media unavailable after recovery: %w", err)
		}
	}

	// Sender taps must be wired before the track goes live.
	for _, t := range tracks {
		port, perr := newSenderPort(pc, t)
		if perr != nil {
			pc.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind, perr)
		}
		if aerr := m.attachPortLocked(port); aerr != nil {
			pc.Close()
			return nil, aerr
		}
		h.addSender(port)
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		m.sendCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(st pion.PeerConnectionState) {
		m.onConnectionState(h, st)
	})
	pc.OnTrack(func(tr *pion.TrackRemote, _ *pion.RTPReceiver) {
		m.onRemoteTrack(h, tr)
	})
	return h, nil
}

func (m *Manager) attachPortLocked(port e2ee.TrackPort) error {
	err := m.pipeline.Attach(port)
	if err == nil {
		return nil
	}
	if errors.Is(err, e2ee.ErrNoStrategy) {
		if fn := m.onUnsupported; fn != nil {
			m.onUnsupported = nil
			go fn()
		}
		if m.allowUnencrypted {
			log.Printf("[webrtc] no frame transform available, proceeding unencrypted by policy")
			m.pipeline.Disable()
			return nil
		}
		return fmt.Errorf("encryption required but unavailable: %w", err)
	}
	return fmt.Errorf("attach %s port: %w", port.Kind(), err)
}

func (m *Manager) sendCandidate(c pion.ICECandidateInit) {
	payload := domain.ICECandidatePayload{
		FromUserID: m.cfg.LocalUserID,
		Candidate:  domain.CandidateInit{Candidate: c.Candidate},
	}
	if c.SDPMid != nil {
		payload.Candidate.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		payload.Candidate.SDPMLineIndex = *c.SDPMLineIndex
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[webrtc] marshal candidate: %v", err)
		return
	}
	if err := m.signal.Send(domain.Envelope{
		Type:         domain.MsgIceCandidate,
		TargetUserID: m.cfg.RemoteUserID,
		Payload:      raw,
	}); err != nil {
		log.Printf("[webrtc] send candidate: %v", err)
	}
}

// CreateOfferFor starts a negotiation toward a peer. The offer slot is
// reserved up front: concurrent join events for the same peer produce a
// single offer.
func (m *Manager) CreateOfferFor(peerID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("webrtc: manager closed")
	}
	if _, dup := m.offerSlots[peerID]; dup {
		m.mu.Unlock()
		log.Printf("[webrtc] offer already pending for %s, skipping", peerID)
		return nil
	}
	m.offerSlots[peerID] = struct{}{}
	h, err := m.ensureConnectionLocked()
	if err != nil {
		delete(m.offerSlots, peerID)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	h.resetNegotiation()
	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		m.ClearOfferSlot(peerID)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := h.pc.SetLocalDescription(offer); err != nil {
		m.ClearOfferSlot(peerID)
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := m.sendSDP(domain.MsgOffer, peerID, offer.SDP); err != nil {
		m.ClearOfferSlot(peerID)
		return err
	}
	log.Printf("[webrtc] offer sent to %s", peerID)
	return nil
}

// ClearOfferSlot releases a peer's offer reservation, allowing a fresh
// offer when the peer rejoins.
func (m *Manager) ClearOfferSlot(peerID string) {
	m.mu.Lock()
	delete(m.offerSlots, peerID)
	m.mu.Unlock()
}

func (m *Manager) sendSDP(msgType, peerID, sdp string) error {
	raw, err := json.Marshal(domain.SDPPayload{FromUserID: m.cfg.LocalUserID, SDP: sdp})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	if err := m.signal.Send(domain.Envelope{
		Type:         msgType,
		TargetUserID: peerID,
		Payload:      raw,
	}); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func (m *Manager) handleRemoteOffer(env domain.Envelope) {
	var p domain.SDPPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("[webrtc] bad offer payload: %v", err)
		return
	}
	from := p.FromUserID
	if from == "" {
		from = env.FromUserID
	}

	h, err := m.EnsureConnection()
	if err != nil {
		log.Printf("[webrtc] cannot accept offer: %v", err)
		return
	}
	if err := h.ApplyRemoteOffer(p.SDP); err != nil {
		log.Printf("[webrtc] apply offer: %v", err)
		return
	}
	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("[webrtc] create answer: %v", err)
		return
	}
	if err := h.pc.SetLocalDescription(answer); err != nil {
		log.Printf("[webrtc] set local answer: %v", err)
		return
	}
	if err := m.sendSDP(domain.MsgAnswer, from, answer.SDP); err != nil {
		log.Printf("[webrtc] %v", err)
		return
	}
	log.Printf("[webrtc] answered offer from %s", from)
}

func (m *Manager) handleRemoteAnswer(env domain.Envelope) {
	var p domain.SDPPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("[webrtc] bad answer payload: %v", err)
		return
	}

	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		log.Printf("[webrtc] answer with no pending connection, ignoring")
		return
	}
	if err := h.ApplyRemoteAnswer(p.SDP); err != nil {
		if errors.Is(err, ErrAlreadyAnswered) {
			log.Printf("[webrtc] duplicate answer ignored")
			return
		}
		log.Printf("[webrtc] apply answer: %v", err)
	}
}

func (m *Manager) handleRemoteCandidate(env domain.Envelope) {
	var p domain.ICECandidatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("[webrtc] bad candidate payload: %v", err)
		return
	}

	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		log.Printf("[webrtc] candidate with no connection, ignoring")
		return
	}
	if err := h.AddRemoteCandidate(p.Candidate); err != nil {
		log.Printf("[webrtc] add candidate: %v", err)
	}
}

func (m *Manager) onRemoteTrack(h *Handle, tr *pion.TrackRemote) {
	kind := e2ee.Audio
	if tr.Kind() == pion.RTPCodecTypeVideo {
		kind = e2ee.Video
	}
	log.Printf("[webrtc] remote %s track %s (%s)", kind, tr.ID(), tr.Codec().MimeType)

	m.mu.Lock()
	deliver := m.onFrame
	if kind == e2ee.Video {
		m.videoSSRC = uint32(tr.SSRC())
	}
	m.mu.Unlock()

	port := newReceiverPort(tr, kind, deliver)
	h.addReceiver(port)

	m.mu.Lock()
	err := m.attachPortLocked(port)
	m.mu.Unlock()
	if err != nil {
		log.Printf("[webrtc] %v", err)
	}
}

// RequestKeyFrame asks the remote sender for a video keyframe via a
// Picture Loss Indication.
func (m *Manager) RequestKeyFrame() error {
	m.mu.Lock()
	h := m.handle
	ssrc := m.videoSSRC
	m.mu.Unlock()
	if h == nil || ssrc == 0 {
		return errors.New("webrtc: no remote video track yet")
	}
	return h.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

func (m *Manager) onConnectionState(h *Handle, st pion.PeerConnectionState) {
	m.mu.Lock()
	if m.handle != h || m.closed {
		m.mu.Unlock()
		return
	}
	log.Printf("[webrtc] connection state: %s", st)

	var state domain.ConnectionState
	switch st {
	case pion.PeerConnectionStateNew:
		state = domain.ConnectionNew
	case pion.PeerConnectionStateConnecting:
		state = domain.ConnectionConnecting
	case pion.PeerConnectionStateConnected:
		state = domain.ConnectionConnected
		if m.recovery != nil {
			m.recovery.Stop()
			m.recovery = nil
		}
	case pion.PeerConnectionStateDisconnected:
		state = domain.ConnectionDisconnected
		m.armRecoveryLocked(h)
	case pion.PeerConnectionStateFailed:
		state = domain.ConnectionFailed
		m.armRecoveryLocked(h)
	case pion.PeerConnectionStateClosed:
		state = domain.ConnectionClosed
	}
	cb := m.onState
	m.mu.Unlock()

	if cb != nil {
		cb(state)
	}
}

func (m *Manager) armRecoveryLocked(h *Handle) {
	if m.recovery != nil {
		return
	}
	m.recovery = time.AfterFunc(recoveryGrace, func() {
		m.recoveryExpired(h)
	})
}

func (m *Manager) recoveryExpired(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery = nil
	if m.closed || m.handle != h {
		return
	}
	if h.pc.ConnectionState() == pion.PeerConnectionStateConnected {
		return
	}
	log.Printf("[webrtc] connection did not recover within %s, partial cleanup", recoveryGrace)
	m.teardownHandleLocked(h)
	m.handle = nil
	m.offerSlots = map[string]struct{}{}
}

// PartialCleanup tears down the peer connection and remote state while
// keeping local capture alive, so a reconnect needs no new media
// permissions.
func (m *Manager) PartialCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != nil {
		m.teardownHandleLocked(m.handle)
		m.handle = nil
	}
	m.offerSlots = map[string]struct{}{}
}

// Close is the full cleanup: connection down, offer slots cleared and the
// capture source released.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.recovery != nil {
		m.recovery.Stop()
		m.recovery = nil
	}
	h := m.handle
	m.handle = nil
	m.offerSlots = map[string]struct{}{}
	if h != nil {
		m.teardownHandleLocked(h)
	}
	m.mu.Unlock()

	m.source.Release()
}

func (m *Manager) teardownHandleLocked(h *Handle) {
	senders, receivers := h.ports()
	for _, p := range receivers {
		m.pipeline.Detach(p)
	}
	m.videoSSRC = 0
	m.teardown.teardown(h.pc, h.rtpSenders(), func() {
		for _, p := range senders {
			m.pipeline.Detach(p)
		}
	})
}
