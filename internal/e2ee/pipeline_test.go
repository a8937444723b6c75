package e2ee

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

type fakePort struct {
	kind TrackKind
	dir  Direction
}

func (p *fakePort) Kind() TrackKind      { return p.kind }
func (p *fakePort) Direction() Direction { return p.dir }

// streamPort exposes the encoded-streams capability over channels.
type streamPort struct {
	fakePort
	in  chan Frame
	out chan Frame
}

func newStreamPort(kind TrackKind, dir Direction) *streamPort {
	return &streamPort{
		fakePort: fakePort{kind: kind, dir: dir},
		in:       make(chan Frame, 16),
		out:      make(chan Frame, 16),
	}
}

func (p *streamPort) EncodedStreams() (FrameReader, FrameWriter, error) {
	return chanReader{p.in}, chanWriter{p.out}, nil
}

type chanReader struct{ ch chan Frame }

func (r chanReader) ReadFrame() (Frame, error) {
	f, ok := <-r.ch
	if !ok {
		return Frame{}, io.EOF
	}
	return f, nil
}

type chanWriter struct{ ch chan Frame }

func (w chanWriter) WriteFrame(f Frame) error {
	w.ch <- f
	return nil
}

// transformPort exposes only the per-track transform capability.
type transformPort struct {
	fakePort
	mu sync.Mutex
	fn TransformFunc
}

func (p *transformPort) SetTransform(fn TransformFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
	return nil
}

func (p *transformPort) transform(f Frame) (Frame, bool) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	return fn(f)
}

// workerPort exposes only the script-style worker handoff.
type workerPort struct {
	fakePort
	w *Worker
}

func (p *workerPort) SetWorkerTransform(w *Worker) error {
	p.w = w
	return nil
}

type countingRequester struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *countingRequester) RequestKeyFrame() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *countingRequester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type countingToggler struct {
	mu    sync.Mutex
	calls int
}

func (tg *countingToggler) TogglePriority() error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.calls++
	return nil
}

func (tg *countingToggler) count() int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	return tg.calls
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(EncryptFailurePassThrough, NewStats())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func readFrame(t *testing.T, ch chan Frame) Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

// allCapsPort implements every interception capability.
type allCapsPort struct {
	streamPort
}

func (p *allCapsPort) SetTransform(TransformFunc) error { return nil }
func (p *allCapsPort) SetWorkerTransform(*Worker) error { return nil }

func TestDetectStrategy_PriorityOrder(t *testing.T) {
	all := &allCapsPort{}
	if s := detectStrategy(all); s != StrategyEncodedStreams {
		t.Fatalf("strategy for full-capability port = %s, want %s", s, StrategyEncodedStreams)
	}
	if s := detectStrategy(&transformPort{}); s != StrategyTrackTransform {
		t.Fatalf("strategy for transform port = %s, want %s", s, StrategyTrackTransform)
	}
	if s := detectStrategy(&workerPort{}); s != StrategyScriptTransform {
		t.Fatalf("strategy for worker port = %s, want %s", s, StrategyScriptTransform)
	}
	if s := detectStrategy(&fakePort{}); s != StrategyNone {
		t.Fatalf("strategy for bare port = %s, want %s", s, StrategyNone)
	}
}

func TestPipeline_AttachBarePortFails(t *testing.T) {
	p := newTestPipeline(t)
	if err := p.Attach(&fakePort{kind: Audio, dir: Send}); !errors.Is(err, ErrNoStrategy) {
		t.Fatalf("Attach error = %v, want %v", err, ErrNoStrategy)
	}
}

func TestPipeline_EncodedStreamsRoundTrip(t *testing.T) {
	p := newTestPipeline(t)
	send := newStreamPort(Video, Send)
	recv := newStreamPort(Video, Receive)

	if err := p.Attach(send); err != nil {
		t.Fatalf("attach sender: %v", err)
	}
	if err := p.Attach(recv); err != nil {
		t.Fatalf("attach receiver: %v", err)
	}
	if s := p.Strategy(); s != StrategyEncodedStreams {
		t.Fatalf("strategy = %s, want %s", s, StrategyEncodedStreams)
	}
	if err := p.InstallKey(testKey(1)); err != nil {
		t.Fatalf("InstallKey: %v", err)
	}
	if g := p.Generation(); g != 1 {
		t.Fatalf("generation = %d, want 1", g)
	}

	plain := videoFrame(200)
	send.in <- plain
	sealed := readFrame(t, send.out)
	if bytes.Equal(sealed.Data, plain.Data) {
		t.Fatal("sender pump did not encrypt")
	}

	recv.in <- sealed
	opened := readFrame(t, recv.out)
	if !bytes.Equal(opened.Data, plain.Data) {
		t.Fatal("receive pump did not restore the frame")
	}
}

func TestPipeline_TrackTransformRoundTrip(t *testing.T) {
	p := newTestPipeline(t)
	send := &transformPort{fakePort: fakePort{kind: Video, dir: Send}}
	recv := &transformPort{fakePort: fakePort{kind: Video, dir: Receive}}

	if err := p.Attach(send); err != nil {
		t.Fatalf("attach sender: %v", err)
	}
	if err := p.Attach(recv); err != nil {
		t.Fatalf("attach receiver: %v", err)
	}
	if err := p.InstallKey(testKey(1)); err != nil {
		t.Fatalf("InstallKey: %v", err)
	}

	plain := videoFrame(80)
	sealed, ok := send.transform(plain)
	if !ok {
		t.Fatal("send transform dropped the frame")
	}
	opened, ok := recv.transform(sealed)
	if !ok {
		t.Fatal("receive transform dropped the frame")
	}
	if !bytes.Equal(opened.Data, plain.Data) {
		t.Fatal("transform round trip mismatch")
	}
}

func TestPipeline_ScriptTransformHandsOverWorker(t *testing.T) {
	p := newTestPipeline(t)
	port := &workerPort{fakePort: fakePort{kind: Audio, dir: Send}}

	if err := p.Attach(port); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if port.w == nil {
		t.Fatal("no worker assigned to the port")
	}
	if err := port.w.Ready(); err != nil {
		t.Fatalf("assigned worker not ready: %v", err)
	}
}

func TestPipeline_DisablePassesFramesThrough(t *testing.T) {
	p := newTestPipeline(t)
	send := newStreamPort(Audio, Send)
	if err := p.Attach(send); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := p.InstallKey(testKey(1)); err != nil {
		t.Fatalf("InstallKey: %v", err)
	}

	p.Disable()
	plain := videoFrame(40)
	plain.Kind = Audio
	send.in <- plain
	out := readFrame(t, send.out)
	if !bytes.Equal(out.Data, plain.Data) {
		t.Fatal("disabled pipeline still transformed frames")
	}
}

func TestPipeline_InstallKeyRequestsKeyFrameForVideoReceiver(t *testing.T) {
	p := newTestPipeline(t)
	req := &countingRequester{}
	p.SetKeyFrameRequester(req)

	// Sender only: no keyframe needed.
	if err := p.Attach(newStreamPort(Video, Send)); err != nil {
		t.Fatalf("attach sender: %v", err)
	}
	if err := p.InstallKey(testKey(1)); err != nil {
		t.Fatalf("InstallKey: %v", err)
	}
	if n := req.count(); n != 0 {
		t.Fatalf("keyframe requested %d times with no video receiver, want 0", n)
	}

	if err := p.Attach(newStreamPort(Video, Receive)); err != nil {
		t.Fatalf("attach receiver: %v", err)
	}
	if err := p.InstallKey(testKey(2)); err != nil {
		t.Fatalf("InstallKey: %v", err)
	}
	if n := req.count(); n != 1 {
		t.Fatalf("keyframe requested %d times, want 1", n)
	}
}

func TestPipeline_KeyFrameFallbackIsBounded(t *testing.T) {
	p := newTestPipeline(t)
	req := &countingRequester{err: errors.New("not supported")}
	tog := &countingToggler{}
	p.SetKeyFrameRequester(req)
	p.SetPriorityToggler(tog)

	if err := p.Attach(newStreamPort(Video, Receive)); err != nil {
		t.Fatalf("attach receiver: %v", err)
	}
	if err := p.InstallKey(testKey(1)); err != nil {
		t.Fatalf("InstallKey: %v", err)
	}
	if n := tog.count(); n != maxKeyFrameFallback {
		t.Fatalf("toggler called %d times, want %d", n, maxKeyFrameFallback)
	}
}
