package webrtc

import (
	"log"
	"time"

	pion "github.com/pion/webrtc/v4"
)

// TeardownStrategy encodes the platform-dependent release order for
// capture resources when a peer connection comes down.
type TeardownStrategy int

const (
	// TeardownDirect stops local frame delivery first, then removes the
	// tracks from the connection.
	TeardownDirect TeardownStrategy = iota
	// TeardownDeferred removes each track from the connection before
	// stopping delivery, with a grace delay in between. Some platforms
	// only release their hardware indicator in that order.
	TeardownDeferred
)

const deferredStopDelay = 200 * time.Millisecond

func ResolveTeardown(name string) TeardownStrategy {
	if name == "deferred" {
		return TeardownDeferred
	}
	return TeardownDirect
}

func (s TeardownStrategy) String() string {
	if s == TeardownDeferred {
		return "deferred"
	}
	return "direct"
}

// teardown closes one peer connection respecting the strategy order.
// stopDelivery halts local frame pumping; the capture source itself is
// only released on full cleanup, by the caller.
func (s TeardownStrategy) teardown(pc *pion.PeerConnection, senders []*pion.RTPSender, stopDelivery func()) {
	switch s {
	case TeardownDeferred:
		for _, sn := range senders {
			if err := pc.RemoveTrack(sn); err != nil {
				log.Printf("[webrtc] remove track: %v", err)
			}
		}
		time.Sleep(deferredStopDelay)
		stopDelivery()
	default:
		stopDelivery()
		for _, sn := range senders {
			if err := pc.RemoveTrack(sn); err != nil {
				log.Printf("[webrtc] remove track: %v", err)
			}
		}
	}
	if err := pc.Close(); err != nil {
		log.Printf("[webrtc] close peer connection: %v", err)
	}
}
