package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// PionOptions tunes the pion-backed connection factory.
type PionOptions struct {
	// OnRTP receives every inbound RTP packet. Remote tracks are read
	// continuously either way so RTCP keeps flowing.
	OnRTP func(t RemoteTrack, pkt *rtp.Packet)
}

// NewPionConnFactory builds one pion API (default codecs, default
// interceptors, relaxed ICE timeouts) shared by every connection it opens.
func NewPionConnFactory(opts PionOptions) (ConnFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Relay paths can drop out briefly during failover; the 5s default
	// disconnect timeout would tear the call down.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return func(iceServers []webrtc.ICEServer) (Conn, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		return &pionConn{pc: pc, onRTP: opts.OnRTP}, nil
	}, nil
}

type pionConn struct {
	pc    *webrtc.PeerConnection
	onRTP func(RemoteTrack, *rtp.Packet)
}

func (c *pionConn) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// Read incoming RTCP so interceptors (NACK, reports) keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *pionConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *pionConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(ic *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if ic == nil {
			return
		}
		fn(ic.ToJSON())
	})
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()}
		fn(rt)
		go c.readRTP(rt, track)
	})
}

func (c *pionConn) readRTP(rt RemoteTrack, track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logrus.WithFields(logrus.Fields{"track_id": rt.ID, "error": err}).Debug("Remote track ended")
			return
		}
		if c.onRTP != nil {
			c.onRTP(rt, pkt)
		}
	}
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
