package media

import (
	"errors"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/caredial/securecall/internal/e2ee"
)

// Track is one local encoded media feed handed to the peer-connection
// layer. Frames stop when the source is released.
type Track struct {
	Kind      e2ee.TrackKind
	MimeType  string
	ClockRate uint32
	Frames    <-chan e2ee.Frame
}

// Source is the media capture adapter contract. Tracks returns the live
// local tracks, capturing on first use; Recover re-acquires them after a
// device failure; Release frees the capture hardware. Partial cleanup
// never calls Release, so a reconnect needs no new permission prompt.
type Source interface {
	Tracks() ([]*Track, error)
	Recover() error
	Release()
}

// ErrReleased is returned by Tracks after Release until Recover is called.
var ErrReleased = errors.New("media: source released")

const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = 100 * time.Millisecond
	videoKeyFrameEvery = 30
)

// opusSilence is a minimal opus DTX frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticSource synthesizes an opus silence track and a VP8 test-pattern
// track. It stands in for platform capture when the agent runs headless.
type StaticSource struct {
	mu       sync.Mutex
	tracks   []*Track
	stop     chan struct{}
	released bool
}

func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

func (s *StaticSource) Tracks() ([]*Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if s.tracks == nil {
		s.startLocked()
	}
	return s.tracks, nil
}

// Recover restarts capture after a failure or a release.
func (s *StaticSource) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.released = false
	s.startLocked()
	return nil
}

// Release stops frame production and frees the (synthetic) devices.
func (s *StaticSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.released = true
}

func (s *StaticSource) startLocked() {
	stop := make(chan struct{})
	s.stop = stop

	audio := make(chan e2ee.Frame, 8)
	video := make(chan e2ee.Frame, 8)

	go produce(stop, audio, audioFrameInterval, func(n uint64, ts uint32) e2ee.Frame {
		data := make([]byte, len(opusSilence))
		copy(data, opusSilence)
		return e2ee.Frame{Kind: e2ee.Audio, Data: data, Timestamp: ts}
	}, 960)

	go produce(stop, video, videoFrameInterval, func(n uint64, ts uint32) e2ee.Frame {
		// VP8 payload descriptor (S bit) plus a first partition byte
		// whose P bit marks the periodic keyframes.
		first := byte(0x01)
		if n%videoKeyFrameEvery == 0 {
			first = 0x00
		}
		data := []byte{0x10, first, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
		return e2ee.Frame{Kind: e2ee.Video, Data: data, Timestamp: ts}
	}, 9000)

	s.tracks = []*Track{
		{Kind: e2ee.Audio, MimeType: pion.MimeTypeOpus, ClockRate: 48000, Frames: audio},
		{Kind: e2ee.Video, MimeType: pion.MimeTypeVP8, ClockRate: 90000, Frames: video},
	}
}

func (s *StaticSource) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.tracks = nil
}

func produce(stop <-chan struct{}, out chan<- e2ee.Frame, interval time.Duration, build func(n uint64, ts uint32) e2ee.Frame, tsStep uint32) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var n uint64
	var ts uint32
	for {
		select {
		case <-stop:
			close(out)
			return
		case <-ticker.C:
			f := build(n, ts)
			n++
			ts += tsStep
			select {
			case out <- f:
			default:
				// Consumer stalled; dropping beats blocking capture.
			}
		}
	}
}
