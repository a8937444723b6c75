package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/caredial/securecall/internal/config"
	"github.com/caredial/securecall/internal/domain"
	"github.com/caredial/securecall/internal/e2ee"
	"github.com/caredial/securecall/internal/keyex"
	"github.com/caredial/securecall/internal/media"
	"github.com/caredial/securecall/internal/signal"
	"github.com/caredial/securecall/internal/webrtc"
)

// Session is the call orchestrator. It wires the hub connection, the
// peer-connection manager, the key exchange engine and the encryption
// pipeline together and exposes a snapshot surface for the UI.
type Session struct {
	cfg    domain.SessionConfig
	signal *signal.Client
	keys   *keyex.Engine
	pipe   *e2ee.Pipeline
	peers  *webrtc.Manager
	source media.Source

	mu            sync.Mutex
	started       time.Time
	conn          domain.ConnectionState
	enc           domain.EncryptionState
	roster        []domain.Participant
	remotePresent bool
	lastErr       string
	closed        bool
}

func New(cfg *config.Config, ticket *domain.Ticket, src media.Source) (*Session, error) {
	sc := ticket.SessionConfig()
	sig := signal.NewClient(ticket, sc)

	policy := e2ee.EncryptFailurePassThrough
	if cfg.DropOnEncryptFailure {
		policy = e2ee.EncryptFailureDrop
	}
	pipe, err := e2ee.NewPipeline(policy, e2ee.NewStats())
	if err != nil {
		return nil, fmt.Errorf("start encryption pipeline: %w", err)
	}

	s := &Session{
		cfg:    sc,
		signal: sig,
		pipe:   pipe,
		source: src,
		conn:   domain.ConnectionNew,
		enc:    domain.EncryptionInitializing,
	}

	mgr, err := webrtc.NewManager(sc, ticket.ICEServers, sig, src, pipe, webrtc.ResolveTeardown(cfg.TrackRelease))
	if err != nil {
		pipe.Stop()
		return nil, fmt.Errorf("create peer manager: %w", err)
	}
	mgr.SetAllowUnencrypted(cfg.AllowUnencrypted)
	s.peers = mgr

	rotateEvery := time.Duration(cfg.KeyRotationSeconds) * time.Second
	keys, err := keyex.NewEngine(sc, sig, rotateEvery, s.installKey, s.onKeyState)
	if err != nil {
		pipe.Stop()
		return nil, fmt.Errorf("create key exchange engine: %w", err)
	}
	s.keys = keys

	pipe.SetKeyFrameRequester(mgr)
	mgr.Bind()
	keys.Bind()
	mgr.OnState(s.onConnectionState)
	mgr.OnUnsupported(func() { s.setEncryption(domain.EncryptionUnsupported) })

	sig.On(domain.MsgRoomJoined, s.onRoomJoined)
	sig.On(domain.MsgPeerJoined, s.onPeerJoined)
	sig.On(domain.MsgPeerLeft, s.onPeerLeft)
	sig.On(domain.MsgMediaState, s.onMediaState)
	sig.OnFatal(s.onFatal)

	return s, nil
}

// Start connects to the signaling hub and joins the room. Negotiation and
// key exchange then proceed on hub events.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	if err := s.signal.Connect(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	log.Printf("[session] joined room %s as %s", s.cfg.RoomID, s.cfg.LocalUserID)
	return nil
}

func (s *Session) onRoomJoined(env domain.Envelope) {
	s.mu.Lock()
	s.roster = s.roster[:0]
	s.roster = append(s.roster, domain.Participant{
		UserID:      s.cfg.LocalUserID,
		DisplayName: s.cfg.DisplayName,
		Audio:       true,
		Video:       true,
	})
	s.remotePresent = false
	for _, p := range env.Peers {
		if p.UserID == s.cfg.LocalUserID {
			continue
		}
		s.roster = append(s.roster, domain.Participant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Audio:       p.Audio,
			Video:       p.Video,
			Screen:      p.Screen,
		})
		if p.UserID == s.cfg.RemoteUserID {
			s.remotePresent = true
		}
	}
	engage := s.remotePresent && s.cfg.Initiator
	s.mu.Unlock()

	if engage {
		s.engage()
	}
}

func (s *Session) onPeerJoined(env domain.Envelope) {
	if env.UserID == "" || env.UserID == s.cfg.LocalUserID {
		return
	}
	log.Printf("[session] peer joined: %s", env.UserID)

	s.mu.Lock()
	found := false
	for i := range s.roster {
		if s.roster[i].UserID == env.UserID {
			found = true
			break
		}
	}
	if !found {
		s.roster = append(s.roster, domain.Participant{
			UserID:      env.UserID,
			DisplayName: env.DisplayName,
		})
	}
	if env.UserID == s.cfg.RemoteUserID {
		s.remotePresent = true
	}
	engage := env.UserID == s.cfg.RemoteUserID && s.cfg.Initiator
	s.mu.Unlock()

	if engage {
		s.engage()
	}
}

// engage starts a negotiation epoch toward the remote peer: one offer,
// then the key handshake. Both sides dedupe internally, so a duplicate
// join event is harmless.
func (s *Session) engage() {
	s.setEncryption(domain.EncryptionKeyExchange)
	go func() {
		if err := s.peers.CreateOfferFor(s.cfg.RemoteUserID); err != nil {
			log.Printf("[session] offer failed: %v", err)
			s.recordError(err)
			return
		}
		s.keys.StartHandshake()
	}()
}

func (s *Session) onPeerLeft(env domain.Envelope) {
	if env.UserID == "" {
		return
	}
	log.Printf("[session] peer left: %s", env.UserID)

	s.mu.Lock()
	for i := range s.roster {
		if s.roster[i].UserID == env.UserID {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			break
		}
	}
	remote := env.UserID == s.cfg.RemoteUserID
	if remote {
		s.remotePresent = false
		s.enc = domain.EncryptionInitializing
	}
	s.mu.Unlock()

	s.peers.ClearOfferSlot(env.UserID)
	if remote {
		s.keys.PeerLeft()
	}
}

func (s *Session) onMediaState(env domain.Envelope) {
	var p domain.MediaStatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("[session] bad mediaState payload: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.roster {
		if s.roster[i].UserID != p.UserID {
			continue
		}
		switch p.Kind {
		case "audio":
			s.roster[i].Audio = p.Enabled
		case "video":
			s.roster[i].Video = p.Enabled
		case "screen":
			s.roster[i].Screen = p.Enabled
		}
		return
	}
}

func (s *Session) onConnectionState(cs domain.ConnectionState) {
	s.mu.Lock()
	s.conn = cs
	restart := cs == domain.ConnectionConnected && s.cfg.Initiator && s.remotePresent
	s.mu.Unlock()

	if restart {
		// Debounced inside the engine; a no-op right after the first
		// handshake, a fresh exchange after a real reconnect.
		s.keys.StartHandshake()
	}
}

func (s *Session) onFatal(err error) {
	log.Printf("[session] signaling lost: %v", err)
	s.mu.Lock()
	s.conn = domain.ConnectionFailed
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.peers.PartialCleanup()
}

// installKey is handed to the key engine; the exchange only advances once
// both workers acknowledge the new generation.
func (s *Session) installKey(km keyex.KeyMaterial) error {
	if km.Generation > 1 {
		s.setEncryption(domain.EncryptionKeyRotation)
	}
	if err := s.pipe.InstallKey(km); err != nil {
		s.recordError(err)
		return err
	}
	s.setEncryption(domain.EncryptionActive)
	return nil
}

func (s *Session) onKeyState(st keyex.State) {
	switch st {
	case keyex.StateSendingOffer, keyex.StateWaitingAnswer:
		s.setEncryption(domain.EncryptionKeyExchange)
	case keyex.StateComplete:
		s.setEncryption(domain.EncryptionActive)
	case keyex.StateError:
		s.setEncryption(domain.EncryptionError)
	}
}

func (s *Session) setEncryption(e domain.EncryptionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == domain.EncryptionUnsupported && e != domain.EncryptionError {
		// Unsupported is terminal for the call.
		return
	}
	if s.enc != e {
		log.Printf("[session] encryption: %s", e)
		s.enc = e
	}
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

// Status returns a value snapshot for the UI. Mutating the result never
// touches session state.
func (s *Session) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.Status{
		Connection:   s.conn,
		Encryption:   s.enc,
		Participants: append([]domain.Participant(nil), s.roster...),
		LastError:    s.lastErr,
	}
	if !s.started.IsZero() {
		st.Duration = time.Since(s.started)
	}
	return st
}

// SecurityCode is the short fingerprint of the remote signing identity,
// for out-of-band verification between the participants. Empty before
// the first completed handshake.
func (s *Session) SecurityCode() string {
	return s.keys.RemoteFingerprint()
}

// Stats exposes the frame counters.
func (s *Session) Stats() e2ee.StatsSnapshot {
	return s.pipe.Stats()
}

// OnDecryptedFrame sets the sink for decrypted remote media.
func (s *Session) OnDecryptedFrame(fn func(e2ee.Frame)) {
	s.peers.OnDecryptedFrame(fn)
}

// Close is the full cleanup. Order matters: key material stops rotating
// first, processing halts, then the connection and capture come down, and
// the hub socket closes last so peers see a clean leave.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.conn = domain.ConnectionClosed
	s.mu.Unlock()

	s.keys.Stop()
	s.pipe.Disable()
	s.peers.Close()
	s.signal.Close()
	s.pipe.Stop()
	s.pipe.ResetStats()
	log.Printf("[session] closed")
}
