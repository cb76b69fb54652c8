package rooms

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(store.NewMemory())

	_, err := dir.GetRoom(ctx, "room1")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	seen := make(chan *models.Room, 8)
	cancel, err := dir.WatchRoom(ctx, "room1", func(r *models.Room) { seen <- r })
	require.NoError(t, err)
	defer cancel()

	next := func() *models.Room {
		select {
		case r := <-seen:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for room state")
			return nil
		}
	}
	assert.Nil(t, next())

	require.NoError(t, dir.CreateRoom(ctx, models.Room{ID: "room1", Kind: models.CallVideo, Active: true, InitiatorID: "alice"}))
	r := next()
	require.NotNil(t, r)
	assert.Equal(t, models.CallVideo, r.Kind)
	assert.Equal(t, "alice", r.InitiatorID)

	got, err := dir.GetRoom(ctx, "room1")
	require.NoError(t, err)
	assert.Equal(t, "room1", got.ID)

	require.NoError(t, dir.DeleteRoom(ctx, "room1"))
	assert.Nil(t, next())
}

func TestParticipantChanges(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(store.NewMemory())

	changes := make(chan models.ParticipantChange, 8)
	cancel, err := dir.WatchParticipants(ctx, "room1", func(c models.ParticipantChange) { changes <- c })
	require.NoError(t, err)
	defer cancel()

	next := func() models.ParticipantChange {
		select {
		case c := <-changes:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for participant change")
			return models.ParticipantChange{}
		}
	}

	require.NoError(t, dir.AddParticipant(ctx, "room1", models.Participant{UserID: "bob", Name: "Bob"}))
	c := next()
	assert.Equal(t, models.ParticipantJoined, c.Type)
	assert.Equal(t, "Bob", c.Participant.Name)

	require.NoError(t, dir.SetCameraOff(ctx, "room1", "bob", true))
	c = next()
	assert.Equal(t, models.ParticipantUpdated, c.Type)
	assert.True(t, c.Participant.CameraOff)
	assert.Equal(t, "Bob", c.Participant.Name)

	list, err := dir.ListParticipants(ctx, "room1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].UserID)

	require.NoError(t, dir.RemoveParticipant(ctx, "room1", "bob"))
	c = next()
	assert.Equal(t, models.ParticipantLeft, c.Type)
	assert.Equal(t, "bob", c.Participant.UserID)
}

func TestWatchCallsForInvitee(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(store.NewMemory())

	notices := make(chan models.CallNotice, 8)
	cancel, err := dir.WatchCalls(ctx, "carol", func(n models.CallNotice) { notices <- n })
	require.NoError(t, err)
	defer cancel()

	next := func() models.CallNotice {
		select {
		case n := <-notices:
			return n
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for call notice")
			return models.CallNotice{}
		}
	}

	require.NoError(t, dir.CreateRoom(ctx, models.Room{ID: "other", Active: true, Invitees: []string{"dave"}}))
	require.NoError(t, dir.CreateRoom(ctx, models.Room{ID: "chat7", Kind: models.CallAudio, Active: true, Invitees: []string{"alice", "carol"}}))

	n := next()
	assert.Equal(t, models.CallNotice{RoomID: "chat7", Active: true, Kind: models.CallAudio}, n)

	require.NoError(t, dir.DeleteRoom(ctx, "chat7"))
	n = next()
	assert.Equal(t, "chat7", n.RoomID)
	assert.False(t, n.Active)
}
