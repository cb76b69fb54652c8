// Package media models the local media of a call: a stream of tracks that
// every peer connection attaches, that can be muted per kind, and that only
// the call owner stops.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

var (
	ErrNothingRequested = errors.New("no audio or video requested")
	ErrTrackStopped     = errors.New("track stopped")
)

// Constraints selects which kinds of local media to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Capturer acquires local media.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (*Stream, error)
}

// Track is one local media track backed by a pion sample track.
type Track struct {
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newTrack(kind webrtc.RTPCodecType, mime, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, err
	}
	return &Track{kind: kind, local: local, enabled: true}, nil
}

func (t *Track) ID() string                { return t.local.ID() }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

// Local is what a peer connection attaches.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// WriteSample sends one encoded frame to every attached connection. Frames
// written while the track is disabled are dropped.
func (t *Track) WriteSample(s pmedia.Sample) error {
	t.mu.Lock()
	enabled, stopped := t.enabled, t.stopped
	t.mu.Unlock()
	if stopped {
		return ErrTrackStopped
	}
	if !enabled {
		return nil
	}
	return t.local.WriteSample(s)
}

// Stream is the local media of one call.
type Stream struct {
	id     string
	tracks []*Track

	once     sync.Once
	released chan struct{}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) AudioTracks() []*Track { return s.byKind(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTracks() []*Track { return s.byKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) byKind(kind webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track and releases the stream. Idempotent.
func (s *Stream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
		close(s.released)
	})
}

// Released is closed once Stop has run.
func (s *Stream) Released() <-chan struct{} { return s.released }

// SampleCapturer builds streams of pion sample tracks (Opus audio, VP8
// video). Frames are supplied by the caller through Track.WriteSample, e.g.
// from a file, an encoder, or generated silence.
type SampleCapturer struct{}

func (SampleCapturer) Capture(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Audio && !c.Video {
		return nil, ErrNothingRequested
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Stream{id: uuid.NewString(), released: make(chan struct{})}
	if c.Audio {
		t, err := newTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, "audio", s.id)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}
	if c.Video {
		t, err := newTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, "video", s.id)
		if err != nil {
			return nil, err
		}
		s.tracks = append(s.tracks, t)
	}
	return s, nil
}
