package e2ee

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/caredial/securecall/internal/keyex"
)

// maxKeyFrameFallback bounds the priority-toggle workaround attempts.
const maxKeyFrameFallback = 3

// ErrNoStrategy means the runtime offers none of the supported frame
// interception capabilities. The call may proceed unencrypted only when
// session policy explicitly allows it.
var ErrNoStrategy = errors.New("e2ee: no supported frame transform in this runtime")

// KeyFrameRequester asks the remote sender for a keyframe after a key
// install, using the platform's native request when available.
type KeyFrameRequester interface {
	RequestKeyFrame() error
}

// SenderPriorityToggler is the fallback for runtimes without a native
// keyframe request: toggling the local sender's encoding priority coaxes
// the encoder into emitting one.
type SenderPriorityToggler interface {
	TogglePriority() error
}

type attachment struct {
	port TrackPort
	stop func()
}

// Pipeline routes every encoded frame through the encrypt/decrypt workers
// using the interception strategy the runtime supports. The strategy is
// resolved on the first Attach and cached for the whole call.
type Pipeline struct {
	stats *Stats
	enc   *Worker
	dec   *Worker

	mu         sync.Mutex
	strategy   Strategy
	detected   bool
	attached   []attachment
	enabled    bool
	stopped    bool
	requester  KeyFrameRequester
	toggler    SenderPriorityToggler
	generation uint32
}

// NewPipeline starts the frame workers. Worker startup is a resource
// concern: if either never answers the readiness ping, call setup must
// abort.
func NewPipeline(policy EncryptFailurePolicy, stats *Stats) (*Pipeline, error) {
	if stats == nil {
		stats = NewStats()
	}
	p := &Pipeline{
		stats:   stats,
		enabled: true,
		enc:     NewWorker(Encryptor, policy, stats),
		dec:     NewWorker(Decryptor, policy, stats),
	}
	if err := p.enc.Ready(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("encrypt worker init: %w", err)
	}
	if err := p.dec.Ready(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("decrypt worker init: %w", err)
	}
	return p, nil
}

// Strategy returns the detected interception strategy, StrategyNone until
// the first attach.
func (p *Pipeline) Strategy() Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy
}

// SetKeyFrameRequester wires the native keyframe request path.
func (p *Pipeline) SetKeyFrameRequester(r KeyFrameRequester) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requester = r
}

// SetPriorityToggler wires the keyframe fallback path.
func (p *Pipeline) SetPriorityToggler(t SenderPriorityToggler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toggler = t
}

// Attach wires one track port into the pipeline. The first port decides
// the strategy for the session; encoded-stream pairs are acquired here,
// at attach time, before the track goes live.
func (p *Pipeline) Attach(port TrackPort) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrWorkerStopped
	}
	if !p.detected {
		p.strategy = detectStrategy(port)
		p.detected = true
		log.Printf("[e2ee] transform strategy: %s", p.strategy)
	}
	strategy := p.strategy
	p.mu.Unlock()

	worker := p.enc
	if port.Direction() == Receive {
		worker = p.dec
	}

	switch strategy {
	case StrategyEncodedStreams:
		es, ok := port.(EncodedStreamer)
		if !ok {
			return fmt.Errorf("e2ee: %s port lacks encoded streams", port.Kind())
		}
		r, w, err := es.EncodedStreams()
		if err != nil {
			return fmt.Errorf("acquire encoded streams: %w", err)
		}
		stop := make(chan struct{})
		go p.pump(r, w, worker, stop)
		p.addAttachment(port, func() { close(stop) })
		return nil

	case StrategyTrackTransform:
		tr, ok := port.(Transformable)
		if !ok {
			return fmt.Errorf("e2ee: %s port lacks track transform", port.Kind())
		}
		if err := tr.SetTransform(p.transformFor(worker)); err != nil {
			return fmt.Errorf("set transform: %w", err)
		}
		p.addAttachment(port, nil)
		return nil

	case StrategyScriptTransform:
		wt, ok := port.(WorkerTransformable)
		if !ok {
			return fmt.Errorf("e2ee: %s port lacks worker transform", port.Kind())
		}
		// The worker must be live before assignment, or the port starts
		// feeding frames into a void and decryption stalls.
		if err := worker.Ready(); err != nil {
			return fmt.Errorf("worker not ready: %w", err)
		}
		if err := wt.SetWorkerTransform(worker); err != nil {
			return fmt.Errorf("set worker transform: %w", err)
		}
		p.addAttachment(port, nil)
		return nil

	default:
		return ErrNoStrategy
	}
}

// Detach unhooks one port, stopping its pump if it has one. Used when a
// peer connection is torn down while the pipeline outlives it.
func (p *Pipeline) Detach(port TrackPort) {
	p.mu.Lock()
	var stop func()
	for i, a := range p.attached {
		if a.port == port {
			stop = a.stop
			p.attached = append(p.attached[:i], p.attached[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (p *Pipeline) addAttachment(port TrackPort, stop func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = append(p.attached, attachment{port: port, stop: stop})
}

func (p *Pipeline) transformFor(w *Worker) TransformFunc {
	return func(f Frame) (Frame, bool) {
		if !p.isEnabled() {
			return f, true
		}
		return w.Process(f)
	}
}

func (p *Pipeline) pump(r FrameReader, w FrameWriter, worker *Worker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		f, err := r.ReadFrame()
		if err != nil {
			return
		}
		if !p.isEnabled() {
			if w.WriteFrame(f) != nil {
				return
			}
			continue
		}
		out, ok := worker.Process(f)
		if !ok {
			continue
		}
		if err := w.WriteFrame(out); err != nil {
			return
		}
	}
}

// InstallKey pushes new key material into both workers and waits for the
// acknowledgements before returning, so no transform processes a frame
// under a generation the workers do not hold yet. A keyframe is then
// requested so decoders recover without waiting for a natural one.
func (p *Pipeline) InstallKey(km keyex.KeyMaterial) error {
	if err := p.enc.SetKey(km); err != nil {
		return fmt.Errorf("install key in encrypt worker: %w", err)
	}
	if err := p.dec.SetKey(km); err != nil {
		return fmt.Errorf("install key in decrypt worker: %w", err)
	}

	p.mu.Lock()
	p.generation = km.Generation
	requester := p.requester
	toggler := p.toggler
	hasVideoReceiver := false
	for _, a := range p.attached {
		if a.port.Direction() == Receive && a.port.Kind() == Video {
			hasVideoReceiver = true
			break
		}
	}
	p.mu.Unlock()

	log.Printf("[e2ee] key generation %d installed", km.Generation)

	if hasVideoReceiver {
		p.requestKeyFrame(requester, toggler)
	}
	return nil
}

func (p *Pipeline) requestKeyFrame(requester KeyFrameRequester, toggler SenderPriorityToggler) {
	if requester != nil {
		err := requester.RequestKeyFrame()
		if err == nil {
			return
		}
		log.Printf("[e2ee] native keyframe request failed: %v", err)
	}
	if toggler == nil {
		return
	}
	for i := 0; i < maxKeyFrameFallback; i++ {
		if err := toggler.TogglePriority(); err != nil {
			log.Printf("[e2ee] priority-toggle fallback failed: %v", err)
			return
		}
	}
}

// Generation returns the generation last installed in the workers.
func (p *Pipeline) Generation() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Enable resumes frame processing after Disable.
func (p *Pipeline) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Disable makes every transform pass frames through untouched. Used
// during teardown and when policy allows an unencrypted call.
func (p *Pipeline) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

func (p *Pipeline) isEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled && !p.stopped
}

// Stats returns a snapshot of the frame counters.
func (p *Pipeline) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

// ResetStats zeroes the counters. Full cleanup only.
func (p *Pipeline) ResetStats() {
	p.stats.Reset()
}

// Stop disables processing, detaches the pumps and terminates the
// workers. The pipeline cannot be restarted.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.enabled = false
	attached := p.attached
	p.attached = nil
	p.mu.Unlock()

	for _, a := range attached {
		if a.stop != nil {
			a.stop()
		}
	}
	p.enc.Stop()
	p.dec.Stop()
}
