package media

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureKinds(t *testing.T) {
	ctx := context.Background()

	audio, err := SampleCapturer{}.Capture(ctx, Constraints{Audio: true})
	require.NoError(t, err)
	assert.Len(t, audio.Tracks(), 1)
	assert.Empty(t, audio.VideoTracks())

	av, err := SampleCapturer{}.Capture(ctx, Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.Len(t, av.AudioTracks(), 1)
	require.Len(t, av.VideoTracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, av.VideoTracks()[0].Kind())
	assert.Equal(t, av.ID(), av.VideoTracks()[0].Local().StreamID())

	_, err = SampleCapturer{}.Capture(ctx, Constraints{})
	assert.ErrorIs(t, err, ErrNothingRequested)
}

func TestStopIsIdempotent(t *testing.T) {
	s, err := SampleCapturer{}.Capture(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	s.Stop()
	s.Stop()

	select {
	case <-s.Released():
	default:
		t.Fatal("stream not released")
	}
	for _, tr := range s.Tracks() {
		assert.True(t, tr.Stopped())
		assert.False(t, tr.Enabled())
		assert.ErrorIs(t, tr.WriteSample(pmedia.Sample{Data: []byte{0}, Duration: 20 * time.Millisecond}), ErrTrackStopped)
	}
}

func TestDisabledTrackDropsSamples(t *testing.T) {
	s, err := SampleCapturer{}.Capture(context.Background(), Constraints{Audio: true})
	require.NoError(t, err)
	tr := s.AudioTracks()[0]

	tr.SetEnabled(false)
	assert.False(t, tr.Enabled())
	assert.NoError(t, tr.WriteSample(pmedia.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}))

	tr.SetEnabled(true)
	assert.True(t, tr.Enabled())
}
