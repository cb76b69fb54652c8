package call

import (
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// PeerState is the lifecycle of one Peer Session.
type PeerState int

const (
	StateNew PeerState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PeerInfo is a snapshot of one Peer Session handed to observers.
type PeerInfo struct {
	UserID    string
	Name      string
	State     PeerState
	CameraOff bool
	Stream    *RemoteStream
}

// peerSession is the connection to one remote participant. It is only
// touched from its manager's event loop.
type peerSession struct {
	remoteID   string
	remoteName string
	conn       Conn
	state      PeerState
	cameraOff  bool
	stream     *RemoteStream
	queue      candidateQueue
	remoteSet  bool
	offered    bool
	log        *logrus.Entry
}

// newPeerSession attaches every local track to conn.
func newPeerSession(remoteID, remoteName string, conn Conn, local *media.Stream, log *logrus.Entry) *peerSession {
	p := &peerSession{
		remoteID:   remoteID,
		remoteName: remoteName,
		conn:       conn,
		log:        log.WithField("peer_id", remoteID),
	}
	if local != nil {
		for _, t := range local.Tracks() {
			if err := conn.AddTrack(t.Local()); err != nil {
				p.log.WithError(err).WithField("track_id", t.ID()).Warn("Failed to attach local track")
			}
		}
	}
	return p
}

// setRemoteDescription applies sd and drains queued candidates in the same step.
func (p *peerSession) setRemoteDescription(sd webrtc.SessionDescription) error {
	if err := p.conn.SetRemoteDescription(sd); err != nil {
		return err
	}
	p.remoteSet = true
	if n := p.queue.len(); n > 0 {
		p.log.WithField("queued", n).Debug("Draining queued candidates")
	}
	p.queue.drain(p.applyCandidate)
	return nil
}

// addCandidate applies c now if the remote description is known, else queues it.
func (p *peerSession) addCandidate(c webrtc.ICECandidateInit) {
	if p.state == StateClosed {
		return
	}
	if !p.remoteSet {
		p.queue.push(c)
		return
	}
	p.applyCandidate(c)
}

func (p *peerSession) applyCandidate(c webrtc.ICECandidateInit) {
	if err := p.conn.AddICECandidate(c); err != nil {
		p.log.WithError(err).Warn("Failed to add remote candidate")
	}
}

// attachRemote records an inbound track. It reports whether this was the
// first one, which is when the peer counts as connected.
func (p *peerSession) attachRemote(t RemoteTrack) bool {
	if p.state == StateClosed {
		return false
	}
	first := p.stream == nil
	if first {
		p.stream = &RemoteStream{ID: t.StreamID}
		p.state = StateConnected
	}
	p.stream.Tracks = append(p.stream.Tracks, t)
	return first
}

func (p *peerSession) close() {
	if p.state == StateClosed {
		return
	}
	p.state = StateClosed
	p.queue.reset()
	if err := p.conn.Close(); err != nil {
		p.log.WithError(err).Warn("Error closing peer connection")
	}
}

func (p *peerSession) info() PeerInfo {
	info := PeerInfo{
		UserID:    p.remoteID,
		Name:      p.remoteName,
		State:     p.state,
		CameraOff: p.cameraOff,
	}
	if p.stream != nil {
		info.Stream = &RemoteStream{ID: p.stream.ID, Tracks: append([]RemoteTrack(nil), p.stream.Tracks...)}
	}
	return info
}
