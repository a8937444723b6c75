package e2ee

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/caredial/securecall/internal/keyex"
)

// workerTimeout bounds every worker round trip. A timed-out operation is
// rejected and counted, never silently dropped.
const workerTimeout = 4 * time.Second

// Role selects the transform a worker applies.
type Role uint8

const (
	Encryptor Role = iota
	Decryptor
)

func (r Role) String() string {
	if r == Decryptor {
		return "decrypt"
	}
	return "encrypt"
}

// EncryptFailurePolicy decides what happens to a frame that fails to
// encrypt. The default forwards it unencrypted: an undeliverable frame is
// worse than one that briefly bypasses encryption. Decryption has no such
// policy: a frame that fails to decrypt under an installed key is always
// dropped, since forwarding ciphertext corrupts the decoder.
type EncryptFailurePolicy uint8

const (
	EncryptFailurePassThrough EncryptFailurePolicy = iota
	EncryptFailureDrop
)

var (
	// ErrWorkerTimeout is returned when a round trip exceeds workerTimeout.
	ErrWorkerTimeout = errors.New("e2ee: worker operation timed out")

	// ErrWorkerStopped is returned after Stop.
	ErrWorkerStopped = errors.New("e2ee: worker stopped")
)

type opKind uint8

const (
	opPing opKind = iota
	opSetKey
	opEncrypt
	opDecrypt
)

type request struct {
	id    uint64
	kind  opKind
	frame Frame
	key   keyex.KeyMaterial
	resp  chan response
}

type response struct {
	id    uint64
	frame Frame
	err   error
}

// Worker is a frame-transform actor. Each operation is a correlated
// request/response round trip with a bounded wait; the cipher state is
// confined to the worker goroutine.
type Worker struct {
	id     string
	role   Role
	policy EncryptFailurePolicy
	stats  *Stats

	reqs   chan request
	done   chan struct{}
	once   sync.Once
	nextOp atomic.Uint64
}

// NewWorker starts a worker goroutine for the given role.
func NewWorker(role Role, policy EncryptFailurePolicy, stats *Stats) *Worker {
	w := &Worker{
		id:     role.String() + "-" + uuid.NewString()[:8],
		role:   role,
		policy: policy,
		stats:  stats,
		reqs:   make(chan request, 64),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// ID identifies the worker in logs.
func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) loop() {
	c := &frameCipher{}
	for {
		select {
		case <-w.done:
			return
		case req := <-w.reqs:
			resp := response{id: req.id}
			switch req.kind {
			case opPing:
			case opSetKey:
				resp.err = c.setKey(req.key)
			case opEncrypt:
				resp.frame, resp.err = c.encrypt(req.frame)
			case opDecrypt:
				resp.frame, resp.err = c.decrypt(req.frame)
			}
			// resp is buffered; a caller that already timed out does not
			// block the loop.
			req.resp <- resp
		}
	}
}

func (w *Worker) roundTrip(req request) (response, error) {
	req.id = w.nextOp.Add(1)
	req.resp = make(chan response, 1)

	select {
	case w.reqs <- req:
	case <-w.done:
		return response{}, ErrWorkerStopped
	case <-time.After(workerTimeout):
		w.stats.addTimedOut()
		return response{}, fmt.Errorf("%w (worker %s op %d, enqueue)", ErrWorkerTimeout, w.id, req.id)
	}

	select {
	case resp := <-req.resp:
		return resp, nil
	case <-w.done:
		return response{}, ErrWorkerStopped
	case <-time.After(workerTimeout):
		w.stats.addTimedOut()
		return response{}, fmt.Errorf("%w (worker %s op %d)", ErrWorkerTimeout, w.id, req.id)
	}
}

// Ready performs a ping round trip. Script-style transforms must not be
// assigned until this succeeds.
func (w *Worker) Ready() error {
	_, err := w.roundTrip(request{kind: opPing})
	return err
}

// SetKey installs key material in the worker. The call is an acknowledged
// round trip: callers must not attach transforms or report the generation
// live until it returns.
func (w *Worker) SetKey(km keyex.KeyMaterial) error {
	resp, err := w.roundTrip(request{kind: opSetKey, key: km})
	if err != nil {
		return err
	}
	return resp.err
}

// Process runs one frame through the worker and reports whether the
// result should be forwarded. The input buffer is copied before handoff
// so in-flight buffers are never mutated.
func (w *Worker) Process(f Frame) (Frame, bool) {
	w.stats.addSeen()

	in := f
	in.Data = make([]byte, len(f.Data))
	copy(in.Data, f.Data)

	kind := opEncrypt
	if w.role == Decryptor {
		kind = opDecrypt
	}

	start := time.Now()
	resp, err := w.roundTrip(request{kind: kind, frame: in})
	if err != nil {
		log.Printf("[e2ee] %v", err)
		return w.failed(f)
	}
	if resp.err != nil {
		if errors.Is(resp.err, errNoKey) {
			// Peer has not completed key exchange; media flows untouched.
			w.stats.addPassedThru()
			return f, true
		}
		w.stats.addErrored()
		return w.failed(f)
	}

	if w.role == Encryptor {
		w.stats.addEncrypted(time.Since(start))
	} else {
		w.stats.addDecrypted(time.Since(start))
	}
	return resp.frame, true
}

// failed applies the failure policy: encryptors may forward the original
// plaintext frame, decryptors always drop.
func (w *Worker) failed(original Frame) (Frame, bool) {
	if w.role == Encryptor && w.policy == EncryptFailurePassThrough {
		w.stats.addPassedThru()
		return original, true
	}
	w.stats.addDropped()
	return Frame{}, false
}

// Stop terminates the worker goroutine. In-flight callers get
// ErrWorkerStopped.
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.done)
	})
}
