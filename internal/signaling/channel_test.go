package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/rooms"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(s string) models.Signal {
	return models.Signal{To: "bob", From: "alice", Body: models.Candidate{Candidate: webrtc.ICECandidateInit{Candidate: s}}}
}

func TestSubscribeDeliversInOrderAndDeletes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ch := NewChannel(st, "room1")

	got := make(chan models.Signal, 8)
	cancel, err := ch.Subscribe(ctx, "bob", func(s models.Signal) { got <- s })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, ch.Send(ctx, models.Signal{To: "carol", From: "alice", Body: models.Answer{}}))
	require.NoError(t, ch.Send(ctx, candidate("c1")))
	require.NoError(t, ch.Send(ctx, candidate("c2")))

	for _, want := range []string{"c1", "c2"} {
		select {
		case s := <-got:
			c, ok := s.Body.(models.Candidate)
			require.True(t, ok)
			assert.Equal(t, want, c.Candidate.Candidate)
			assert.Equal(t, "alice", s.From)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for signal")
		}
	}

	assert.Eventually(t, func() bool {
		docs, err := st.List(ctx, rooms.SignalsCollection("room1"))
		return err == nil && len(docs) == 1 && docs[0].Data != nil
	}, 2*time.Second, 10*time.Millisecond, "only the message addressed to carol should remain")
}

func TestSubscribeDeliversBacklog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ch := NewChannel(st, "room1")

	offer := models.Signal{To: "bob", From: "alice", Body: models.Offer{SenderName: "Alice", SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}}}
	require.NoError(t, ch.Send(ctx, offer))

	got := make(chan models.Signal, 1)
	cancel, err := ch.Subscribe(ctx, "bob", func(s models.Signal) { got <- s })
	require.NoError(t, err)
	defer cancel()

	select {
	case s := <-got:
		assert.Equal(t, offer, s)
	case <-time.After(2 * time.Second):
		t.Fatal("backlogged offer not delivered")
	}
}

func TestSubscribeDropsMalformed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ch := NewChannel(st, "room1")

	_, err := st.Add(ctx, rooms.SignalsCollection("room1"), map[string]any{"to": "bob", "type": "bye"})
	require.NoError(t, err)

	got := make(chan models.Signal, 1)
	cancel, err := ch.Subscribe(ctx, "bob", func(s models.Signal) { got <- s })
	require.NoError(t, err)
	defer cancel()

	assert.Eventually(t, func() bool {
		docs, _ := st.List(ctx, rooms.SignalsCollection("room1"))
		return len(docs) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, got)
}
