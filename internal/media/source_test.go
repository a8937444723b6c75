package media

import (
	"errors"
	"testing"
	"time"

	"github.com/caredial/securecall/internal/e2ee"
)

func TestStaticSource_ProducesAudioAndVideo(t *testing.T) {
	src := NewStaticSource()
	defer src.Release()

	tracks, err := src.Tracks()
	if err != nil {
		t.Fatalf("Tracks: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d, want 2", len(tracks))
	}

	kinds := map[e2ee.TrackKind]*Track{}
	for _, tr := range tracks {
		kinds[tr.Kind] = tr
	}
	audio, video := kinds[e2ee.Audio], kinds[e2ee.Video]
	if audio == nil || video == nil {
		t.Fatal("missing audio or video track")
	}
	if audio.ClockRate != 48000 || video.ClockRate != 90000 {
		t.Fatalf("clock rates = %d/%d", audio.ClockRate, video.ClockRate)
	}

	for kind, tr := range kinds {
		select {
		case f := <-tr.Frames:
			if f.Kind != kind || len(f.Data) == 0 {
				t.Fatalf("%s frame malformed: %+v", kind, f)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s frame produced", kind)
		}
	}
}

func TestStaticSource_TracksAreStable(t *testing.T) {
	src := NewStaticSource()
	defer src.Release()

	a, err := src.Tracks()
	if err != nil {
		t.Fatalf("Tracks: %v", err)
	}
	b, err := src.Tracks()
	if err != nil {
		t.Fatalf("Tracks: %v", err)
	}
	if a[0] != b[0] || a[1] != b[1] {
		t.Fatal("repeated Tracks calls restarted capture")
	}
}

func TestStaticSource_ReleaseStopsFrames(t *testing.T) {
	src := NewStaticSource()
	tracks, err := src.Tracks()
	if err != nil {
		t.Fatalf("Tracks: %v", err)
	}

	src.Release()

	if _, err := src.Tracks(); !errors.Is(err, ErrReleased) {
		t.Fatalf("Tracks after Release = %v, want %v", err, ErrReleased)
	}

	// The frame channels close once the producers notice the stop.
	drained := func(ch <-chan e2ee.Frame) bool {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return true
				}
			case <-time.After(5 * time.Second):
				return false
			}
		}
	}
	for _, tr := range tracks {
		if !drained(tr.Frames) {
			t.Fatalf("%s frames still flowing after Release", tr.Kind)
		}
	}
}

func TestStaticSource_RecoverRestartsCapture(t *testing.T) {
	src := NewStaticSource()
	src.Release()

	if err := src.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	tracks, err := src.Tracks()
	if err != nil {
		t.Fatalf("Tracks after Recover: %v", err)
	}
	select {
	case f := <-tracks[0].Frames:
		if len(f.Data) == 0 {
			t.Fatal("empty frame after recovery")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frames after recovery")
	}
	src.Release()
}
