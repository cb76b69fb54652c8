package models

// CallKind is the media kind a room was started with.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// Valid reports whether k is one of the known call kinds.
func (k CallKind) Valid() bool {
	return k == CallAudio || k == CallVideo
}

// Room is the shared record of one active call, keyed by the owning chat's ID.
type Room struct {
	ID          string   `json:"id"`
	Kind        CallKind `json:"callType"`
	CreatedAt   int64    `json:"createdAt"` // unix millis
	Active      bool     `json:"active"`
	InitiatorID string   `json:"initiatorId"`
	Invitees    []string `json:"invitees,omitempty"` // chat members who get the "call in progress" notice
}

// Participant is one joined user under a room.
type Participant struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	CameraOff bool   `json:"cameraOff"`
	JoinedAt  int64  `json:"joinedAt"` // unix millis
	Initiator bool   `json:"initiator"`
}

// ParticipantChangeType mirrors the store change kinds for participant events.
type ParticipantChangeType string

const (
	ParticipantJoined  ParticipantChangeType = "join"
	ParticipantUpdated ParticipantChangeType = "update"
	ParticipantLeft    ParticipantChangeType = "leave"
)

// ParticipantChange is delivered by the room directory's participant watch.
type ParticipantChange struct {
	Type        ParticipantChangeType `json:"type"`
	Participant Participant           `json:"participant"`
}

// CallNotice tells a chat member that a call started or ended in one of their rooms.
type CallNotice struct {
	RoomID string   `json:"roomId"`
	Active bool     `json:"active"`
	Kind   CallKind `json:"callType,omitempty"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"displayName"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// RoomResponse is returned by the room lookup endpoint.
type RoomResponse struct {
	Room         Room          `json:"room"`
	Participants []Participant `json:"participants"`
}
