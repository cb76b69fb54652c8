// Package rooms is the room directory: where a call's Room record and its
// Participant Records live in the shared store.
package rooms

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/sirupsen/logrus"
)

const roomsCollection = "rooms"

var ErrRoomNotFound = errors.New("room not found")

// ParticipantsCollection is the collection holding a room's Participant Records.
func ParticipantsCollection(roomID string) string {
	return roomsCollection + "/" + roomID + "/participants"
}

// SignalsCollection is the collection used as a room's signaling mailbox.
func SignalsCollection(roomID string) string {
	return roomsCollection + "/" + roomID + "/signals"
}

// Directory reads and writes rooms and participants. It carries no call logic.
type Directory struct {
	store store.Store
	log   *logrus.Entry
}

func NewDirectory(st store.Store) *Directory {
	return &Directory{
		store: st,
		log:   logrus.WithField("component", "rooms"),
	}
}

// CreateRoom merge-writes the room record, so a re-join by the initiator
// keeps fields it does not set.
func (d *Directory) CreateRoom(ctx context.Context, room models.Room) error {
	if err := d.store.Set(ctx, roomsCollection, room.ID, room, true); err != nil {
		return fmt.Errorf("create room %s: %w", room.ID, err)
	}
	return nil
}

func (d *Directory) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	ok, err := d.store.Get(ctx, roomsCollection, roomID, &room)
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	if !ok {
		return nil, ErrRoomNotFound
	}
	room.ID = roomID
	return &room, nil
}

// WatchRoom calls fn with the room's current record and on every change;
// fn receives nil once the room no longer exists.
func (d *Directory) WatchRoom(ctx context.Context, roomID string, fn func(*models.Room)) (store.CancelFunc, error) {
	return d.store.WatchDoc(ctx, roomsCollection, roomID, func(doc store.Document, exists bool) {
		if !exists {
			fn(nil)
			return
		}
		var room models.Room
		if err := doc.Decode(&room); err != nil {
			d.log.WithError(err).WithField("room_id", roomID).Warn("Ignoring undecodable room record")
			return
		}
		room.ID = roomID
		fn(&room)
	})
}

// WatchCalls reports calls starting and ending in every room that lists
// userID as an invitee.
func (d *Directory) WatchCalls(ctx context.Context, userID string, fn func(models.CallNotice)) (store.CancelFunc, error) {
	filters := []store.Filter{store.ArrayContains("invitees", userID)}
	return d.store.WatchCollection(ctx, roomsCollection, filters, func(c store.Change) {
		notice := models.CallNotice{RoomID: c.Doc.ID, Active: c.Type != store.Removed}
		if notice.Active {
			var room models.Room
			if err := c.Doc.Decode(&room); err == nil {
				notice.Kind = room.Kind
				notice.Active = room.Active
			}
		}
		fn(notice)
	})
}

func (d *Directory) DeleteRoom(ctx context.Context, roomID string) error {
	if err := d.store.Delete(ctx, roomsCollection, roomID); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

func (d *Directory) AddParticipant(ctx context.Context, roomID string, p models.Participant) error {
	if err := d.store.Set(ctx, ParticipantsCollection(roomID), p.UserID, p, false); err != nil {
		return fmt.Errorf("add participant %s to %s: %w", p.UserID, roomID, err)
	}
	return nil
}

// SetCameraOff updates only the camera flag of a participant record.
func (d *Directory) SetCameraOff(ctx context.Context, roomID, userID string, off bool) error {
	patch := map[string]any{"cameraOff": off}
	if err := d.store.Set(ctx, ParticipantsCollection(roomID), userID, patch, true); err != nil {
		return fmt.Errorf("update participant %s in %s: %w", userID, roomID, err)
	}
	return nil
}

func (d *Directory) ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	docs, err := d.store.List(ctx, ParticipantsCollection(roomID))
	if err != nil {
		return nil, fmt.Errorf("list participants of %s: %w", roomID, err)
	}
	out := make([]models.Participant, 0, len(docs))
	for _, doc := range docs {
		p, err := decodeParticipant(doc)
		if err != nil {
			d.log.WithError(err).WithField("user_id", doc.ID).Warn("Skipping undecodable participant")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// WatchParticipants reports joins, updates and departures in the room.
func (d *Directory) WatchParticipants(ctx context.Context, roomID string, fn func(models.ParticipantChange)) (store.CancelFunc, error) {
	return d.store.WatchCollection(ctx, ParticipantsCollection(roomID), nil, func(c store.Change) {
		p, err := decodeParticipant(c.Doc)
		if err != nil && c.Type != store.Removed {
			d.log.WithError(err).WithField("user_id", c.Doc.ID).Warn("Ignoring undecodable participant")
			return
		}
		p.UserID = c.Doc.ID

		change := models.ParticipantChange{Participant: p}
		switch c.Type {
		case store.Added:
			change.Type = models.ParticipantJoined
		case store.Modified:
			change.Type = models.ParticipantUpdated
		case store.Removed:
			change.Type = models.ParticipantLeft
		}
		fn(change)
	})
}

func (d *Directory) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	if err := d.store.Delete(ctx, ParticipantsCollection(roomID), userID); err != nil {
		return fmt.Errorf("remove participant %s from %s: %w", userID, roomID, err)
	}
	return nil
}

func decodeParticipant(doc store.Document) (models.Participant, error) {
	var p models.Participant
	if err := doc.Decode(&p); err != nil {
		return models.Participant{UserID: doc.ID}, err
	}
	p.UserID = doc.ID
	return p, nil
}
