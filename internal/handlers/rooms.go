package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/rooms"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/sirupsen/logrus"
)

// Gateway serves the room API and bridges websocket participants into the
// shared store.
type Gateway struct {
	store store.Store
	rooms *rooms.Directory
	log   *logrus.Entry
}

func NewGateway(st store.Store) *Gateway {
	return &Gateway{
		store: st,
		rooms: rooms.NewDirectory(st),
		log:   logrus.WithField("component", "gateway"),
	}
}

// GetRoom returns a room and its current participants (public)
func (g *Gateway) GetRoom(c *gin.Context) {
	roomID := c.Param("roomId")

	room, err := g.rooms.GetRoom(c.Request.Context(), roomID)
	if errors.Is(err, rooms.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		g.log.WithError(err).WithField("room_id", roomID).Error("Failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	participants, err := g.rooms.ListParticipants(c.Request.Context(), roomID)
	if err != nil {
		g.log.WithError(err).WithField("room_id", roomID).Error("Failed to list participants")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	c.JSON(http.StatusOK, models.RoomResponse{Room: *room, Participants: participants})
}

// DeleteRoom ends a call for everyone (requires authentication and initiator)
func (g *Gateway) DeleteRoom(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	roomID := c.Param("roomId")
	log := g.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID})

	room, err := g.rooms.GetRoom(c.Request.Context(), roomID)
	if errors.Is(err, rooms.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return
	}

	// Verify user is the initiator
	if room.InitiatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the call initiator can end the call"})
		return
	}

	if err := g.rooms.DeleteRoom(c.Request.Context(), roomID); err != nil {
		log.WithError(err).Error("Failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	log.Info("Room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}
