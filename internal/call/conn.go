package call

import "github.com/pion/webrtc/v4"

// Conn is the peer-connection capability one Peer Session drives.
type Conn interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// OnICECandidate fires for every locally gathered candidate.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	// OnTrack fires for every inbound remote track.
	OnTrack(fn func(RemoteTrack))
	Close() error
}

// ConnFactory opens a connection using the call's ICE servers.
type ConnFactory func(iceServers []webrtc.ICEServer) (Conn, error)

// RemoteTrack describes one inbound track.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
}

// RemoteStream is the media received from one remote participant.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

// HasVideo reports whether any received track is video.
func (s *RemoteStream) HasVideo() bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tracks {
		if t.Kind == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}
