package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/mossy-p/meshcall/internal/rooms"
	"github.com/mossy-p/meshcall/internal/signaling"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const testRoom = "room1"

// fakeConn stands in for a peer connection. Setting a local description
// emits two candidates; the remote track fires once both descriptions are
// set and at least one remote candidate was applied.
type fakeConn struct {
	owner   string
	servers []webrtc.ICEServer

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	tracks     []webrtc.TrackLocal
	applied    []string
	earlyApply bool
	closed     bool
	fired      bool
	onCand     func(webrtc.ICECandidateInit)
	onTrack    func(RemoteTrack)
}

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, track)
	return nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + c.owner}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + c.owner}, nil
}

func (c *fakeConn) SetLocalDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	c.local = &sd
	onCand := c.onCand
	c.mu.Unlock()
	if onCand != nil {
		for i := 1; i <= 2; i++ {
			onCand(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", c.owner, i)})
		}
	}
	c.maybeFire()
	return nil
}

func (c *fakeConn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remote = &sd
	c.mu.Unlock()
	c.maybeFire()
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.remote == nil {
		c.earlyApply = true
	}
	c.applied = append(c.applied, ci.Candidate)
	c.mu.Unlock()
	c.maybeFire()
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCand = fn
}

func (c *fakeConn) OnTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) maybeFire() {
	c.mu.Lock()
	if c.fired || c.closed || c.local == nil || c.remote == nil || len(c.applied) == 0 || c.onTrack == nil {
		c.mu.Unlock()
		return
	}
	c.fired = true
	remoteOwner := c.remote.SDP[strings.IndexByte(c.remote.SDP, ':')+1:]
	onTrack := c.onTrack
	c.mu.Unlock()
	onTrack(RemoteTrack{ID: "audio", StreamID: remoteOwner, Kind: webrtc.RTPCodecTypeAudio})
}

func (c *fakeConn) snapshot() (applied []string, early, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...), c.earlyApply, c.closed
}

// countingStore counts writes and deletes passing through to a Memory store.
type countingStore struct {
	store.Store
	sets    atomic.Int32
	deletes atomic.Int32
}

func (s *countingStore) Set(ctx context.Context, collection, id string, data any, merge bool) error {
	s.sets.Add(1)
	return s.Store.Set(ctx, collection, id, data, merge)
}

func (s *countingStore) Delete(ctx context.Context, collection, id string) error {
	s.deletes.Add(1)
	return s.Store.Delete(ctx, collection, id)
}

type sent struct {
	from, to string
	typ      models.SignalType
}

// recordingSignaler logs every outbound signal before relaying it.
type recordingSignaler struct {
	*signaling.Channel
	h *harness
}

func (s *recordingSignaler) Send(ctx context.Context, sig models.Signal) error {
	s.h.mu.Lock()
	s.h.sent = append(s.h.sent, sent{from: sig.From, to: sig.To, typ: sig.Body.Type()})
	s.h.mu.Unlock()
	return s.Channel.Send(ctx, sig)
}

type staticRelay struct{}

func (staticRelay) Fetch(context.Context) []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: relay.DefaultSTUN}}
}

type recordingCapturer struct {
	h    *harness
	user string
}

func (c recordingCapturer) Capture(ctx context.Context, cons media.Constraints) (*media.Stream, error) {
	s, err := media.SampleCapturer{}.Capture(ctx, cons)
	if err != nil {
		return nil, err
	}
	c.h.mu.Lock()
	c.h.streams[c.user] = s
	c.h.mu.Unlock()
	return s, nil
}

type failingCapturer struct{}

func (failingCapturer) Capture(context.Context, media.Constraints) (*media.Stream, error) {
	return nil, errors.New("permission denied")
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	st      *countingStore
	dir     *rooms.Directory
	signals *signaling.Channel

	mu      sync.Mutex
	conns   map[string][]*fakeConn
	streams map[string]*media.Stream
	sent    []sent
	removed map[string][]string
	ended   map[string]chan EndReason
}

func newHarness(t *testing.T) *harness {
	st := &countingStore{Store: store.NewMemory()}
	return &harness{
		t:       t,
		ctx:     context.Background(),
		st:      st,
		dir:     rooms.NewDirectory(st),
		signals: signaling.NewChannel(st, testRoom),
		conns:   make(map[string][]*fakeConn),
		streams: make(map[string]*media.Stream),
		removed: make(map[string][]string),
		ended:   make(map[string]chan EndReason),
	}
}

func (h *harness) factory(user string) ConnFactory {
	return func(servers []webrtc.ICEServer) (Conn, error) {
		c := &fakeConn{owner: user, servers: servers}
		h.mu.Lock()
		h.conns[user] = append(h.conns[user], c)
		h.mu.Unlock()
		return c, nil
	}
}

func (h *harness) options(user string, initiator bool) Options {
	ended := make(chan EndReason, 2)
	h.mu.Lock()
	h.ended[user] = ended
	h.mu.Unlock()

	return Options{
		RoomID:      testRoom,
		UserID:      user,
		DisplayName: strings.ToUpper(user[:1]) + user[1:],
		Initiator:   initiator,
		Kind:        models.CallVideo,
		Directory:   h.dir,
		Signals:     &recordingSignaler{Channel: signaling.NewChannel(h.st, testRoom), h: h},
		Relay:       staticRelay{},
		Capturer:    recordingCapturer{h: h, user: user},
		NewConn:     h.factory(user),
		Hooks: Hooks{
			PeerRemoved: func(id string) {
				h.mu.Lock()
				h.removed[user] = append(h.removed[user], id)
				h.mu.Unlock()
			},
			CallEnded: func(r EndReason) { ended <- r },
		},
	}
}

func (h *harness) join(user string, initiator bool, mods ...func(*Options)) *Manager {
	h.t.Helper()
	opts := h.options(user, initiator)
	for _, mod := range mods {
		mod(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(h.t, err)
	require.NoError(h.t, m.Join(h.ctx))
	h.t.Cleanup(func() { _ = m.Leave(context.Background()) })
	return m
}

func (h *harness) connsOf(user string) []*fakeConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeConn(nil), h.conns[user]...)
}

func (h *harness) stream(user string) *media.Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streams[user]
}

// count returns how many signals of typ went from -> to.
func (h *harness) count(from, to string, typ models.SignalType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.sent {
		if s.from == from && s.to == to && s.typ == typ {
			n++
		}
	}
	return n
}

func (h *harness) endedWith(user string) EndReason {
	h.t.Helper()
	h.mu.Lock()
	ch := h.ended[user]
	h.mu.Unlock()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		h.t.Fatalf("%s: call did not end", user)
	}
	return EndLeft
}

// connected reports whether m has exactly n peers, all connected with a stream.
func connected(m *Manager, n int) bool {
	peers := m.Peers()
	if len(peers) != n {
		return false
	}
	for _, p := range peers {
		if p.State != StateConnected || p.Stream == nil {
			return false
		}
	}
	return true
}

func released(s *media.Stream) bool {
	select {
	case <-s.Released():
		return true
	default:
		return false
	}
}
