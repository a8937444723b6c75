package webrtc

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"

	"github.com/caredial/securecall/internal/e2ee"
	"github.com/caredial/securecall/internal/media"
)

// senderPort taps one local track. The pipeline reads captured frames
// from it, encrypts them, and writes them back here to be packetized
// onto the wire.
type senderPort struct {
	kind   e2ee.TrackKind
	frames <-chan e2ee.Frame
	track  *pion.TrackLocalStaticRTP
	sender *pion.RTPSender
	ssrc   uint32

	mu       sync.Mutex
	acquired bool
	seq      uint16
}

func newSenderPort(pc *pion.PeerConnection, t *media.Track) (*senderPort, error) {
	track, err := pion.NewTrackLocalStaticRTP(
		pion.RTPCodecCapability{MimeType: t.MimeType, ClockRate: t.ClockRate},
		t.Kind.String(), "securecall",
	)
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// Drain sender RTCP so the interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, err
	}

	return &senderPort{
		kind:   t.Kind,
		frames: t.Frames,
		track:  track,
		sender: sender,
		ssrc:   binary.BigEndian.Uint32(b[:]),
	}, nil
}

func (p *senderPort) Kind() e2ee.TrackKind      { return p.kind }
func (p *senderPort) Direction() e2ee.Direction { return e2ee.Send }

func (p *senderPort) EncodedStreams() (e2ee.FrameReader, e2ee.FrameWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquired {
		return nil, nil, errors.New("encoded stream pair already acquired")
	}
	p.acquired = true
	return senderReader{p}, senderWriter{p}, nil
}

type senderReader struct{ p *senderPort }

func (r senderReader) ReadFrame() (e2ee.Frame, error) {
	f, ok := <-r.p.frames
	if !ok {
		return e2ee.Frame{}, io.EOF
	}
	return f, nil
}

type senderWriter struct{ p *senderPort }

func (w senderWriter) WriteFrame(f e2ee.Frame) error {
	p := w.p
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	return p.track.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         f.Kind == e2ee.Video,
			SequenceNumber: seq,
			Timestamp:      f.Timestamp,
			SSRC:           p.ssrc,
		},
		Payload: f.Data,
	})
}

// receiverPort taps one remote track. The pipeline reads ciphertext
// frames from the wire through it and writes decrypted frames back,
// which are handed to the delivery sink.
type receiverPort struct {
	kind    e2ee.TrackKind
	track   *pion.TrackRemote
	deliver func(e2ee.Frame)

	mu       sync.Mutex
	acquired bool
}

func newReceiverPort(track *pion.TrackRemote, kind e2ee.TrackKind, deliver func(e2ee.Frame)) *receiverPort {
	return &receiverPort{kind: kind, track: track, deliver: deliver}
}

func (p *receiverPort) Kind() e2ee.TrackKind      { return p.kind }
func (p *receiverPort) Direction() e2ee.Direction { return e2ee.Receive }

func (p *receiverPort) EncodedStreams() (e2ee.FrameReader, e2ee.FrameWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquired {
		return nil, nil, errors.New("encoded stream pair already acquired")
	}
	p.acquired = true
	return receiverReader{p}, receiverWriter{p}, nil
}

type receiverReader struct{ p *receiverPort }

func (r receiverReader) ReadFrame() (e2ee.Frame, error) {
	pkt, _, err := r.p.track.ReadRTP()
	if err != nil {
		return e2ee.Frame{}, err
	}
	return e2ee.Frame{Kind: r.p.kind, Data: pkt.Payload, Timestamp: pkt.Timestamp}, nil
}

type receiverWriter struct{ p *receiverPort }

func (w receiverWriter) WriteFrame(f e2ee.Frame) error {
	if w.p.deliver != nil {
		w.p.deliver(f)
	}
	return nil
}
