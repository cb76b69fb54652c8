// Package signaling relays offer/answer/candidate messages between two call
// participants through a room's mailbox collection in the shared store.
package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/rooms"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/sirupsen/logrus"
)

const deleteTimeout = 5 * time.Second

// Channel is the mailbox of one room. Messages are consumed at most once:
// the receiver deletes each message right after handling it.
type Channel struct {
	store      store.Store
	roomID     string
	collection string
	log        *logrus.Entry
}

func NewChannel(st store.Store, roomID string) *Channel {
	return &Channel{
		store:      st,
		roomID:     roomID,
		collection: rooms.SignalsCollection(roomID),
		log:        logrus.WithFields(logrus.Fields{"component": "signaling", "room_id": roomID}),
	}
}

// Send appends one message addressed to sig.To.
func (c *Channel) Send(ctx context.Context, sig models.Signal) error {
	msg, err := sig.Encode()
	if err != nil {
		return err
	}
	if _, err := c.store.Add(ctx, c.collection, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, sig.To, err)
	}
	return nil
}

// Subscribe calls fn for every message addressed to myID, in store order,
// deleting each one afterwards. A failed delete is logged and not retried.
func (c *Channel) Subscribe(ctx context.Context, myID string, fn func(models.Signal)) (store.CancelFunc, error) {
	filters := []store.Filter{store.Equal("to", myID)}
	return c.store.WatchCollection(ctx, c.collection, filters, func(ch store.Change) {
		if ch.Type != store.Added {
			return
		}
		log := c.log.WithField("signal_id", ch.Doc.ID)

		var msg models.SignalMessage
		if err := ch.Doc.Decode(&msg); err != nil {
			log.WithError(err).Warn("Discarding undecodable signal")
		} else if sig, err := msg.Decode(); err != nil {
			log.WithError(err).Warn("Discarding unknown signal")
		} else {
			fn(sig)
		}

		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
		defer cancel()
		if err := c.store.Delete(delCtx, c.collection, ch.Doc.ID); err != nil {
			log.WithError(err).Warn("Failed to delete consumed signal")
		}
	})
}
