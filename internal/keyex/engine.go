package keyex

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/caredial/securecall/internal/domain"
)

// State is the handshake state machine.
type State int

const (
	StateIdle State = iota
	StateSendingOffer
	StateWaitingAnswer
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSendingOffer:
		return "sendingOffer"
	case StateWaitingAnswer:
		return "waitingAnswer"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// offerRetryDelays paces handshake retries; the schedule is bounded, not
// endless.
var offerRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

const (
	// completeDebounce suppresses redundant offers right after a
	// successful exchange.
	completeDebounce = 10 * time.Second

	// authFailureLimit escalates repeated bad signatures/replays to a
	// user-visible error state.
	authFailureLimit = 3
)

// InstallFunc delivers freshly derived key material to the encryption
// pipeline. The engine awaits it: a generation is not considered live
// until the install returns.
type InstallFunc func(km KeyMaterial) error

// Engine runs the authenticated Diffie-Hellman exchange over the
// signaling channel and owns the per-call key material.
type Engine struct {
	cfg         domain.SessionConfig
	signal      domain.Signaler
	install     InstallFunc
	onState     func(State)
	rotateEvery time.Duration

	mu           sync.Mutex
	state        State
	keys         *keyPair
	remoteVerify *ecdsa.PublicKey
	remoteAgree  *ecdh.PublicKey
	current      *KeyMaterial
	generation   uint32
	lastComplete time.Time
	authFailures int
	offerSeq     int

	ledger     *nonceLedger
	stop       chan struct{}
	stopOnce   sync.Once
	rotateOnce sync.Once
}

// NewEngine creates the key-exchange engine for one call. onState must not
// call back into the Engine.
func NewEngine(cfg domain.SessionConfig, sig domain.Signaler, rotateEvery time.Duration, install InstallFunc, onState func(State)) (*Engine, error) {
	keys, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	if onState == nil {
		onState = func(State) {}
	}
	return &Engine{
		cfg:         cfg,
		signal:      sig,
		install:     install,
		onState:     onState,
		rotateEvery: rotateEvery,
		keys:        keys,
		ledger:      newNonceLedger(),
		stop:        make(chan struct{}),
	}, nil
}

// Bind subscribes the engine to the key-exchange signaling messages. Call
// once, before Connect on the signaler.
func (e *Engine) Bind() {
	e.signal.On(domain.MsgKeyOffer, e.HandleOffer)
	e.signal.On(domain.MsgKeyAnswer, e.HandleAnswer)
	e.signal.On(domain.MsgKeyRotation, e.HandleRotation)
}

// StartHandshake begins the offer/answer exchange. Only the initiator
// sends offers; for the responder this is a no-op. Safe to call again on
// peer rejoin: a recently completed exchange debounces it.
func (e *Engine) StartHandshake() {
	if !e.cfg.Initiator {
		return
	}
	go e.runOffer()
}

func (e *Engine) runOffer() {
	e.mu.Lock()
	if time.Since(e.lastComplete) < completeDebounce {
		e.mu.Unlock()
		log.Printf("[keyex] handshake debounced, exchange completed %s ago", time.Since(e.lastComplete).Round(time.Second))
		return
	}
	seq := e.offerSeq + 1
	e.offerSeq = seq
	e.setStateLocked(StateSendingOffer)
	if err := e.sendOfferLocked(); err != nil {
		log.Printf("[keyex] send offer: %v", err)
	}
	e.setStateLocked(StateWaitingAnswer)
	e.mu.Unlock()

	for _, delay := range offerRetryDelays {
		select {
		case <-time.After(delay):
		case <-e.stop:
			return
		}

		e.mu.Lock()
		if e.state == StateComplete || e.state == StateError || e.offerSeq != seq {
			e.mu.Unlock()
			return
		}
		log.Printf("[keyex] retrying key offer")
		if err := e.sendOfferLocked(); err != nil {
			log.Printf("[keyex] resend offer: %v", err)
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	if e.state != StateComplete && e.offerSeq == seq {
		e.failLocked(fmt.Errorf("key exchange retries exhausted"))
	}
	e.mu.Unlock()
}

func (e *Engine) sendOfferLocked() error {
	verify, err := marshalVerifyKey(e.keys.sign)
	if err != nil {
		return err
	}
	return e.sendLocked(domain.MsgKeyOffer, e.generation+1, verify)
}

// sendLocked signs and transmits one key message carrying the local ECDH
// public key. A fresh nonce is generated per transmission so retries are
// not mistaken for replays.
func (e *Engine) sendLocked(msgType string, generation uint32, verify []byte) error {
	pub := e.keys.agree.PublicKey().Bytes()
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	sig, err := signPayload(e.keys.sign, pub, now, nonce)
	if err != nil {
		return err
	}

	p := domain.KeyExchangePayload{
		ECDHPublicKey: base64.StdEncoding.EncodeToString(pub),
		Generation:    generation,
		Nonce:         base64.StdEncoding.EncodeToString(nonce),
		Timestamp:     now,
		Signature:     base64.StdEncoding.EncodeToString(sig),
	}
	if verify != nil {
		p.VerifyKey = base64.StdEncoding.EncodeToString(verify)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}

	return e.signal.Send(domain.Envelope{
		Type:            msgType,
		TargetUserID:    e.cfg.RemoteUserID,
		Payload:         raw,
		KeyFingerprint:  Fingerprint(pub),
		KeyGeneration:   generation,
		ClientTimestamp: now,
	})
}

type decodedKeyMsg struct {
	payload domain.KeyExchangePayload
	pub     []byte
	nonce   []byte
	sig     []byte
	verify  []byte
}

func decodeKeyMsg(env domain.Envelope) (*decodedKeyMsg, error) {
	var p domain.KeyExchangePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	d := &decodedKeyMsg{payload: p}
	var err error
	if d.pub, err = base64.StdEncoding.DecodeString(p.ECDHPublicKey); err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if d.nonce, err = base64.StdEncoding.DecodeString(p.Nonce); err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if d.sig, err = base64.StdEncoding.DecodeString(p.Signature); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if p.VerifyKey != "" {
		if d.verify, err = base64.StdEncoding.DecodeString(p.VerifyKey); err != nil {
			return nil, fmt.Errorf("decode verify key: %w", err)
		}
	}
	return d, nil
}

// admit runs the replay and freshness checks shared by every incoming key
// message. These are security controls: a failure drops the message, it is
// never retried.
func (e *Engine) admit(d *decodedKeyMsg, msgType string) bool {
	now := time.Now()
	age := now.Sub(time.UnixMilli(d.payload.Timestamp))
	if age > maxMessageAge || age < -maxMessageAge {
		e.authFailure(fmt.Sprintf("%s timestamp outside window (age %s)", msgType, age.Round(time.Second)))
		return false
	}
	if !e.ledger.remember(d.payload.Nonce, now) {
		e.authFailure(fmt.Sprintf("%s nonce replayed", msgType))
		return false
	}
	return true
}

// HandleOffer processes a keyOffer from the initiator: verify, derive,
// install, then answer. The key is installed in the pipeline before the
// answer leaves, so the first frame encrypted under the new generation is
// decryptable.
func (e *Engine) HandleOffer(env domain.Envelope) {
	if e.cfg.Initiator {
		log.Printf("[keyex] ignoring keyOffer on initiator side")
		return
	}
	d, err := decodeKeyMsg(env)
	if err != nil {
		log.Printf("[keyex] bad keyOffer: %v", err)
		return
	}
	if !e.admit(d, "keyOffer") {
		return
	}
	if d.verify == nil {
		e.authFailure("keyOffer missing verification key")
		return
	}
	verifyKey, err := parseVerifyKey(d.verify)
	if err != nil {
		e.authFailure(fmt.Sprintf("keyOffer verify key: %v", err))
		return
	}
	if !verifyPayload(verifyKey, d.pub, d.payload.Timestamp, d.nonce, d.sig) {
		e.authFailure("keyOffer signature invalid")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if d.payload.Generation <= e.generation {
		// The initiator retries its offer when our answer was lost. The key
		// for this generation is already installed, so answer again instead
		// of letting the retry schedule exhaust.
		if d.payload.Generation == e.generation && e.state == StateComplete &&
			e.current != nil && e.current.RemoteFingerprint == Fingerprint(d.pub) {
			log.Printf("[keyex] keyOffer retry for generation %d, re-sending answer", e.generation)
			if err := e.answerLocked(); err != nil {
				log.Printf("[keyex] send answer: %v", err)
			}
			return
		}
		log.Printf("[keyex] stale keyOffer generation %d (current %d), ignoring", d.payload.Generation, e.generation)
		return
	}

	remotePub, err := ecdh.P256().NewPublicKey(d.pub)
	if err != nil {
		e.authFailureLocked(fmt.Sprintf("keyOffer public key: %v", err))
		return
	}

	if err := e.installLocked(remotePub, d.payload.Generation, Fingerprint(d.pub)); err != nil {
		e.failLocked(fmt.Errorf("install offered key: %w", err))
		return
	}
	e.remoteVerify = verifyKey
	e.remoteAgree = remotePub
	e.authFailures = 0
	e.lastComplete = time.Now()
	e.setStateLocked(StateComplete)

	if err := e.answerLocked(); err != nil {
		log.Printf("[keyex] send answer: %v", err)
	}
}

func (e *Engine) answerLocked() error {
	verify, err := marshalVerifyKey(e.keys.sign)
	if err != nil {
		return err
	}
	return e.sendLocked(domain.MsgKeyAnswer, e.generation, verify)
}

// HandleAnswer completes the initiator side of the handshake.
func (e *Engine) HandleAnswer(env domain.Envelope) {
	if !e.cfg.Initiator {
		log.Printf("[keyex] ignoring keyAnswer on responder side")
		return
	}
	d, err := decodeKeyMsg(env)
	if err != nil {
		log.Printf("[keyex] bad keyAnswer: %v", err)
		return
	}
	if !e.admit(d, "keyAnswer") {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	verifyKey := e.remoteVerify
	if verifyKey == nil {
		if d.verify == nil {
			e.authFailureLocked("keyAnswer missing verification key")
			return
		}
		if verifyKey, err = parseVerifyKey(d.verify); err != nil {
			e.authFailureLocked(fmt.Sprintf("keyAnswer verify key: %v", err))
			return
		}
	}
	if !verifyPayload(verifyKey, d.pub, d.payload.Timestamp, d.nonce, d.sig) {
		e.authFailureLocked("keyAnswer signature invalid")
		return
	}

	if e.state == StateComplete && d.payload.Generation <= e.generation {
		log.Printf("[keyex] negotiation already answered, ignoring duplicate")
		return
	}
	if d.payload.Generation != e.generation+1 {
		log.Printf("[keyex] keyAnswer generation %d does not follow %d, ignoring", d.payload.Generation, e.generation)
		return
	}

	remotePub, err := ecdh.P256().NewPublicKey(d.pub)
	if err != nil {
		e.authFailureLocked(fmt.Sprintf("keyAnswer public key: %v", err))
		return
	}

	if err := e.installLocked(remotePub, d.payload.Generation, Fingerprint(d.pub)); err != nil {
		e.failLocked(fmt.Errorf("install answered key: %w", err))
		return
	}
	e.remoteVerify = verifyKey
	e.remoteAgree = remotePub
	e.authFailures = 0
	e.lastComplete = time.Now()
	e.setStateLocked(StateComplete)

	e.rotateOnce.Do(func() {
		if e.rotateEvery > 0 {
			go e.rotationLoop()
		}
	})
}

// HandleRotation installs a rotated key pushed by the initiator. A
// replayed or stale rotation leaves the current generation untouched.
func (e *Engine) HandleRotation(env domain.Envelope) {
	if e.cfg.Initiator {
		log.Printf("[keyex] ignoring keyRotation on initiator side")
		return
	}
	d, err := decodeKeyMsg(env)
	if err != nil {
		log.Printf("[keyex] bad keyRotation: %v", err)
		return
	}
	if !e.admit(d, "keyRotation") {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.remoteVerify == nil {
		e.authFailureLocked("keyRotation before handshake")
		return
	}
	if !verifyPayload(e.remoteVerify, d.pub, d.payload.Timestamp, d.nonce, d.sig) {
		e.authFailureLocked("keyRotation signature invalid")
		return
	}
	if d.payload.Generation <= e.generation {
		log.Printf("[keyex] stale keyRotation generation %d (current %d), ignoring", d.payload.Generation, e.generation)
		return
	}

	remotePub, err := ecdh.P256().NewPublicKey(d.pub)
	if err != nil {
		e.authFailureLocked(fmt.Sprintf("keyRotation public key: %v", err))
		return
	}

	if err := e.installLocked(remotePub, d.payload.Generation, Fingerprint(d.pub)); err != nil {
		e.failLocked(fmt.Errorf("install rotated key: %w", err))
		return
	}
	e.remoteAgree = remotePub
	e.authFailures = 0
	log.Printf("[keyex] rotated to generation %d", e.generation)
}

// installLocked derives the shared key for generation and pushes it into
// the pipeline. The generation counter only advances when the install
// callback succeeds.
func (e *Engine) installLocked(remotePub *ecdh.PublicKey, generation uint32, remoteFP string) error {
	secret, err := e.keys.agree.ECDH(remotePub)
	if err != nil {
		return fmt.Errorf("ecdh: %w", err)
	}
	key, err := deriveKey(secret, generation)
	if err != nil {
		return err
	}
	km := KeyMaterial{
		Key:               key,
		Generation:        generation,
		CreatedAt:         time.Now(),
		RemoteFingerprint: remoteFP,
	}
	if e.install != nil {
		if err := e.install(km); err != nil {
			return err
		}
	}
	e.generation = generation
	e.current = &km
	return nil
}

func (e *Engine) rotationLoop() {
	ticker := time.NewTicker(e.rotateEvery)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.rotate()
		}
	}
}

// rotate derives and installs the next-generation key locally before the
// rotation message leaves, so no outgoing frame is ever encrypted under a
// key the far side could not have.
func (e *Engine) rotate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateComplete || e.remoteAgree == nil {
		return
	}

	if err := e.keys.rotateAgreement(); err != nil {
		log.Printf("[keyex] rotate: %v", err)
		return
	}

	next := e.generation + 1
	fp := ""
	if e.current != nil {
		fp = e.current.RemoteFingerprint
	}
	if err := e.installLocked(e.remoteAgree, next, fp); err != nil {
		e.failLocked(fmt.Errorf("install rotated key: %w", err))
		return
	}
	if err := e.sendLocked(domain.MsgKeyRotation, next, nil); err != nil {
		log.Printf("[keyex] send rotation: %v", err)
		return
	}
	log.Printf("[keyex] rotated to generation %d", next)
}

// PeerLeft rewinds the handshake so a rejoining peer renegotiates.
// Generation and ledger survive: keys stay monotonic for the whole call.
func (e *Engine) PeerLeft() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateError {
		e.setStateLocked(StateIdle)
	}
	e.remoteAgree = nil
	e.remoteVerify = nil
	e.current = nil
	// The debounce only guards against restarts within one exchange. A
	// rejoining peer must always get a fresh offer.
	e.lastComplete = time.Time{}
}

// Stop halts retries and rotation. The engine cannot be restarted.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
}

// Current returns a snapshot of the active key material.
func (e *Engine) Current() (KeyMaterial, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return KeyMaterial{}, false
	}
	return *e.current, true
}

// State returns the handshake state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Generation returns the current key generation.
func (e *Engine) Generation() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// RemoteFingerprint returns the fingerprint of the peer's current ECDH key.
func (e *Engine) RemoteFingerprint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.RemoteFingerprint
}

func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.onState(s)
}

func (e *Engine) authFailure(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.authFailureLocked(reason)
}

func (e *Engine) authFailureLocked(reason string) {
	e.authFailures++
	log.Printf("[keyex] rejected: %s (%d/%d)", reason, e.authFailures, authFailureLimit)
	if e.authFailures >= authFailureLimit {
		e.failLocked(fmt.Errorf("repeated authentication failures: %s", reason))
	}
}

func (e *Engine) failLocked(err error) {
	log.Printf("[keyex] error: %v", err)
	e.setStateLocked(StateError)
}
