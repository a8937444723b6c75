package e2ee

// TrackKind distinguishes audio from video frame handling.
type TrackKind uint8

const (
	Audio TrackKind = iota
	Video
)

func (k TrackKind) String() string {
	if k == Video {
		return "video"
	}
	return "audio"
}

// Direction tells the pipeline which worker a track port feeds.
type Direction uint8

const (
	Send Direction = iota
	Receive
)

// Frame is one encoded media frame crossing a sender or receiver tap.
type Frame struct {
	Kind      TrackKind
	Data      []byte
	Timestamp uint32
}

// Strategy identifies the frame-interception capability of the media
// runtime. Detected once per call and cached; pipeline code branches on
// the cached value, never re-probes per frame.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyEncodedStreams
	StrategyTrackTransform
	StrategyScriptTransform
)

func (s Strategy) String() string {
	switch s {
	case StrategyEncodedStreams:
		return "encodedStreams"
	case StrategyTrackTransform:
		return "trackTransform"
	case StrategyScriptTransform:
		return "scriptTransform"
	default:
		return "none"
	}
}

// TrackPort is the pipeline's handle on one sender or receiver media tap,
// provided by the peer-connection layer. Ports advertise richer
// interception capabilities by additionally implementing EncodedStreamer,
// Transformable or WorkerTransformable.
type TrackPort interface {
	Kind() TrackKind
	Direction() Direction
}

// FrameReader yields frames from a tap until it is torn down.
type FrameReader interface {
	ReadFrame() (Frame, error)
}

// FrameWriter forwards processed frames back into the media path.
type FrameWriter interface {
	WriteFrame(Frame) error
}

// EncodedStreamer gives direct read/write access to the encoded frame
// stream. The pair can be created only once per port, and must be
// acquired at attach time, before the track goes live.
type EncodedStreamer interface {
	EncodedStreams() (FrameReader, FrameWriter, error)
}

// TransformFunc rewrites one frame. ok=false drops it.
type TransformFunc func(Frame) (out Frame, ok bool)

// Transformable accepts a per-track transform applied to every frame.
type Transformable interface {
	SetTransform(TransformFunc) error
}

// WorkerTransformable hands frame processing to a worker directly. The
// worker must be ready before assignment, or decryption stalls silently.
type WorkerTransformable interface {
	SetWorkerTransform(*Worker) error
}

// detectStrategy probes a port's capability in priority order.
func detectStrategy(port TrackPort) Strategy {
	switch port.(type) {
	case EncodedStreamer:
		return StrategyEncodedStreams
	case Transformable:
		return StrategyTrackTransform
	case WorkerTransformable:
		return StrategyScriptTransform
	default:
		return StrategyNone
	}
}
