// Package call runs one participant's side of a mesh call: it joins the
// room, discovers the other participants, negotiates one peer connection per
// remote participant over the room's signal mailbox and tears everything
// down on leave or when the room is dissolved.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const (
	defaultSignalTimeout = 10 * time.Second
	teardownTimeout      = 10 * time.Second
)

// Directory is the part of the room directory a Manager depends on.
type Directory interface {
	CreateRoom(ctx context.Context, room models.Room) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	WatchRoom(ctx context.Context, roomID string, fn func(*models.Room)) (store.CancelFunc, error)
	AddParticipant(ctx context.Context, roomID string, p models.Participant) error
	SetCameraOff(ctx context.Context, roomID, userID string, off bool) error
	WatchParticipants(ctx context.Context, roomID string, fn func(models.ParticipantChange)) (store.CancelFunc, error)
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// Signaler delivers directed signals within one room.
type Signaler interface {
	Send(ctx context.Context, sig models.Signal) error
	Subscribe(ctx context.Context, myID string, fn func(models.Signal)) (store.CancelFunc, error)
}

// RelaySource yields the ICE servers for a call. It must not fail.
type RelaySource interface {
	Fetch(ctx context.Context) []webrtc.ICEServer
}

// EndReason tells an observer why a call ended.
type EndReason int

const (
	EndLeft EndReason = iota
	EndRoomDissolved
)

func (r EndReason) String() string {
	if r == EndRoomDissolved {
		return "room dissolved"
	}
	return "left"
}

// Hooks observe a call. They run one at a time on a dedicated goroutine,
// in the order the events happened, and may call back into the Manager.
type Hooks struct {
	PeerChanged func(PeerInfo)
	PeerRemoved func(userID string)
	// CallEnded is always the last hook to run.
	CallEnded func(EndReason)
}

type Options struct {
	RoomID      string
	UserID      string
	DisplayName string
	Initiator   bool
	Kind        models.CallKind
	// Invitees are written on the room record by the initiator.
	Invitees []string

	Directory Directory
	Signals   Signaler
	Relay     RelaySource
	Capturer  media.Capturer
	NewConn   ConnFactory
	Hooks     Hooks

	// SignalTimeout bounds each outbound signal write.
	SignalTimeout time.Duration
}

type phase int

const (
	phaseIdle phase = iota
	phaseJoining
	phaseJoined
	phaseLeft
)

// Manager is the Call Session Manager for one participant in one room.
//
// All peer state is owned by a single event loop goroutine. Store
// subscriptions, connection callbacks and public methods post closures into
// it, so no peer or participant field is ever shared between goroutines.
type Manager struct {
	opts Options
	log  *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	events  *fifo[func()]
	outbox  *fifo[models.Signal]
	hooks   *fifo[func()]
	stopped chan struct{}
	done    chan struct{}

	leaveOnce sync.Once

	mu                 sync.Mutex
	phase              phase
	local              *media.Stream
	subs               []store.CancelFunc
	roomCreated        bool
	participantWritten bool

	// owned by the event loop
	peers        map[string]*peerSession
	participants map[string]models.Participant
	iceServers   []webrtc.ICEServer
	left         bool
	dissolved    bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.RoomID == "" || opts.UserID == "" {
		return nil, errors.New("call: room and user ids are required")
	}
	if opts.Directory == nil || opts.Signals == nil || opts.NewConn == nil {
		return nil, errors.New("call: directory, signaler and connection factory are required")
	}
	if opts.Kind == "" {
		opts.Kind = models.CallVideo
	}
	if !opts.Kind.Valid() {
		return nil, fmt.Errorf("call: unknown call kind %q", opts.Kind)
	}
	if opts.Relay == nil {
		opts.Relay = relay.NewFetcher("", 0, nil)
	}
	if opts.Capturer == nil {
		opts.Capturer = media.SampleCapturer{}
	}
	if opts.SignalTimeout <= 0 {
		opts.SignalTimeout = defaultSignalTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts: opts,
		log: logrus.WithFields(logrus.Fields{
			"component": "call",
			"room_id":   opts.RoomID,
			"user_id":   opts.UserID,
		}),
		ctx:          ctx,
		cancel:       cancel,
		events:       newFIFO[func()](),
		outbox:       newFIFO[models.Signal](),
		hooks:        newFIFO[func()](),
		stopped:      make(chan struct{}),
		done:         make(chan struct{}),
		peers:        make(map[string]*peerSession),
		participants: make(map[string]models.Participant),
	}, nil
}

// Done is closed once the manager has fully left the call.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Join acquires local media, registers this participant in the room and
// starts negotiating with everyone already there. On failure the partial
// state is torn down and the manager cannot be reused.
func (m *Manager) Join(ctx context.Context) error {
	m.mu.Lock()
	switch m.phase {
	case phaseJoining, phaseJoined:
		m.mu.Unlock()
		return ErrAlreadyJoined
	case phaseLeft:
		m.mu.Unlock()
		return ErrClosed
	}
	m.phase = phaseJoining
	m.mu.Unlock()

	go m.run()
	go m.sendLoop()
	go m.notifyLoop()

	if err := m.join(ctx); err != nil {
		m.log.WithError(err).Warn("Join failed")
		_ = m.Leave(context.WithoutCancel(ctx))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == phaseLeft {
		return ErrClosed
	}
	m.phase = phaseJoined
	m.log.Info("Joined call")
	return nil
}

func (m *Manager) join(ctx context.Context) error {
	local, err := m.opts.Capturer.Capture(ctx, media.Constraints{
		Audio: true,
		Video: m.opts.Kind == models.CallVideo,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if !m.hold(func() { m.local = local }) {
		local.Stop()
		return ErrClosed
	}

	if !m.opts.Initiator {
		if _, err := m.opts.Directory.GetRoom(ctx, m.opts.RoomID); err != nil {
			return err
		}
	}

	// Read by the event loop only after the subscriptions below start.
	m.iceServers = m.opts.Relay.Fetch(ctx)

	now := time.Now().UnixMilli()
	if m.opts.Initiator {
		room := models.Room{
			ID:          m.opts.RoomID,
			Kind:        m.opts.Kind,
			CreatedAt:   now,
			Active:      true,
			InitiatorID: m.opts.UserID,
			Invitees:    m.opts.Invitees,
		}
		if err := m.opts.Directory.CreateRoom(ctx, room); err != nil {
			return err
		}
		if !m.hold(func() { m.roomCreated = true }) {
			// Leave ran while the write was in flight and skipped it.
			m.undo(ctx, "room", func(ctx context.Context) error {
				return m.opts.Directory.DeleteRoom(ctx, m.opts.RoomID)
			})
			return ErrClosed
		}
	}

	// Listen before announcing ourselves so no offer can predate the mailbox.
	if err := m.subscribe(func() (store.CancelFunc, error) {
		return m.opts.Signals.Subscribe(m.ctx, m.opts.UserID, func(sig models.Signal) {
			m.post(func() { m.handleSignal(sig) })
		})
	}); err != nil {
		return err
	}

	self := models.Participant{
		UserID:    m.opts.UserID,
		Name:      m.opts.DisplayName,
		JoinedAt:  now,
		Initiator: m.opts.Initiator,
		CameraOff: m.opts.Kind == models.CallAudio,
	}
	if err := m.opts.Directory.AddParticipant(ctx, m.opts.RoomID, self); err != nil {
		return err
	}
	if !m.hold(func() { m.participantWritten = true }) {
		m.undo(ctx, "participant", func(ctx context.Context) error {
			return m.opts.Directory.RemoveParticipant(ctx, m.opts.RoomID, m.opts.UserID)
		})
		return ErrClosed
	}

	// Subscriptions live as long as the call, not as long as ctx.
	subscribe := []func() (store.CancelFunc, error){
		func() (store.CancelFunc, error) {
			return m.opts.Directory.WatchRoom(m.ctx, m.opts.RoomID, func(room *models.Room) {
				m.post(func() { m.onRoom(room) })
			})
		},
		func() (store.CancelFunc, error) {
			return m.opts.Directory.WatchParticipants(m.ctx, m.opts.RoomID, func(c models.ParticipantChange) {
				m.post(func() { m.onParticipant(c) })
			})
		},
	}
	for _, sub := range subscribe {
		if err := m.subscribe(sub); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) subscribe(open func() (store.CancelFunc, error)) error {
	cancel, err := open()
	if err != nil {
		return err
	}
	if !m.hold(func() { m.subs = append(m.subs, cancel) }) {
		cancel()
		return ErrClosed
	}
	return nil
}

// undo removes a directory record written after Leave already tore down.
func (m *Manager) undo(ctx context.Context, what string, remove func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := remove(ctx); err != nil {
		m.log.WithError(err).WithField("record", what).Warn("Failed to remove record written during leave")
	}
}

// hold records a resource acquired during join unless Leave already ran.
func (m *Manager) hold(record func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == phaseLeft {
		return false
	}
	record()
	return true
}

// Leave ends this participant's part in the call. It is safe to call more
// than once, concurrently, or while Join is still running.
func (m *Manager) Leave(ctx context.Context) error {
	m.leaveOnce.Do(func() { m.leave(ctx) })
	return nil
}

func (m *Manager) leave(ctx context.Context) {
	m.mu.Lock()
	joined := m.phase == phaseJoined
	started := m.phase != phaseIdle
	m.phase = phaseLeft
	subs, local := m.subs, m.local
	m.subs = nil
	roomCreated, participantWritten := m.roomCreated, m.participantWritten
	m.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}

	var dissolved bool
	if started {
		_ = m.do(func() {
			m.left = true
			dissolved = m.dissolved
			m.closePeers()
		})
		close(m.stopped)
	}
	m.cancel()

	if local != nil {
		local.Stop()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if participantWritten {
		if err := m.opts.Directory.RemoveParticipant(ctx, m.opts.RoomID, m.opts.UserID); err != nil {
			m.log.WithError(err).Warn("Failed to remove participant record")
		}
	}
	if m.opts.Initiator && roomCreated && !dissolved {
		if err := m.opts.Directory.DeleteRoom(ctx, m.opts.RoomID); err != nil {
			m.log.WithError(err).Warn("Failed to delete room")
		}
	}

	if joined && !dissolved {
		m.notify(func() {
			if m.opts.Hooks.CallEnded != nil {
				m.opts.Hooks.CallEnded(EndLeft)
			}
		})
	}
	m.log.WithField("dissolved", dissolved).Info("Left call")
	close(m.done)
}

// ToggleCamera flips every local video track and publishes the new
// camera-off flag on the participant record.
func (m *Manager) ToggleCamera(ctx context.Context) (bool, error) {
	local, err := m.localStream()
	if err != nil {
		return false, err
	}
	tracks := local.VideoTracks()
	if len(tracks) == 0 {
		return false, fmt.Errorf("%w: no video track", ErrMediaUnavailable)
	}
	off := tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(!off)
	}
	if err := m.opts.Directory.SetCameraOff(ctx, m.opts.RoomID, m.opts.UserID, off); err != nil {
		return off, err
	}
	return off, nil
}

// ToggleMic flips every local audio track and reports whether it is now muted.
func (m *Manager) ToggleMic() (bool, error) {
	local, err := m.localStream()
	if err != nil {
		return false, err
	}
	tracks := local.AudioTracks()
	if len(tracks) == 0 {
		return false, fmt.Errorf("%w: no audio track", ErrMediaUnavailable)
	}
	muted := tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(!muted)
	}
	return muted, nil
}

func (m *Manager) localStream() (*media.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.phase {
	case phaseLeft:
		return nil, ErrClosed
	case phaseJoined:
		return m.local, nil
	}
	return nil, ErrNotJoined
}

// Peers returns a snapshot of every Peer Session, sorted by user id.
func (m *Manager) Peers() []PeerInfo {
	var out []PeerInfo
	err := m.do(func() {
		for _, p := range m.peers {
			out = append(out, p.info())
		}
	})
	if err != nil {
		return nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Manager) post(fn func()) { m.events.push(fn) }

// do runs fn on the event loop and waits for it.
func (m *Manager) do(fn func()) error {
	finished := make(chan struct{})
	m.post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return nil
	case <-m.stopped:
		return ErrClosed
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.events.wake:
			for _, fn := range m.events.take() {
				fn()
			}
		case <-m.stopped:
			return
		}
	}
}

// sendLoop writes outbound signals in the order they were queued.
func (m *Manager) sendLoop() {
	for {
		select {
		case <-m.outbox.wake:
			for _, sig := range m.outbox.take() {
				m.send(sig)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) send(sig models.Signal) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.SignalTimeout)
	defer cancel()
	if err := m.opts.Signals.Send(ctx, sig); err != nil {
		m.log.WithFields(logrus.Fields{
			"peer_id": sig.To,
			"type":    sig.Body.Type(),
			"error":   err,
		}).Warn("Failed to send signal")
	}
}

func (m *Manager) notifyLoop() {
	for {
		select {
		case <-m.hooks.wake:
			for _, fn := range m.hooks.take() {
				fn()
			}
		case <-m.done:
			for _, fn := range m.hooks.take() {
				fn()
			}
			return
		}
	}
}

func (m *Manager) notify(fn func()) { m.hooks.push(fn) }

func (m *Manager) notifyPeer(p *peerSession) {
	info := p.info()
	m.notify(func() {
		if m.opts.Hooks.PeerChanged != nil {
			m.opts.Hooks.PeerChanged(info)
		}
	})
}

func (m *Manager) notifyRemoved(userID string) {
	m.notify(func() {
		if m.opts.Hooks.PeerRemoved != nil {
			m.opts.Hooks.PeerRemoved(userID)
		}
	})
}

func (m *Manager) enqueue(to string, body models.SignalBody) {
	m.outbox.push(models.Signal{To: to, From: m.opts.UserID, Body: body})
}

// Event loop handlers. Nothing below may block.

// shouldOffer decides which side of a pair sends the offer. The initiator
// offers to everyone; between two other participants the smaller id offers.
func (m *Manager) shouldOffer(remote models.Participant) bool {
	if m.opts.Initiator {
		return true
	}
	if remote.Initiator {
		return false
	}
	return m.opts.UserID < remote.UserID
}

// peer returns the session for remoteID, creating it when missing.
func (m *Manager) peer(remoteID, remoteName string) (*peerSession, error) {
	if remoteID == m.opts.UserID {
		return nil, errSelfPeer
	}
	if p, ok := m.peers[remoteID]; ok {
		if remoteName != "" {
			p.remoteName = remoteName
		}
		return p, nil
	}

	rec, known := m.participants[remoteID]
	if remoteName == "" && known {
		remoteName = rec.Name
	}

	conn, err := m.opts.NewConn(m.iceServers)
	if err != nil {
		return nil, fmt.Errorf("open connection to %s: %w", remoteID, err)
	}

	m.mu.Lock()
	local := m.local
	m.mu.Unlock()

	p := newPeerSession(remoteID, remoteName, conn, local, m.log)
	p.cameraOff = rec.CameraOff
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.post(func() { m.onLocalCandidate(p, c) })
	})
	conn.OnTrack(func(t RemoteTrack) {
		m.post(func() { m.onRemoteTrack(p, t) })
	})
	m.peers[remoteID] = p
	p.log.Debug("Created peer session")
	m.notifyPeer(p)
	return p, nil
}

func (m *Manager) onLocalCandidate(p *peerSession, c webrtc.ICECandidateInit) {
	if m.left || p.state == StateClosed {
		return
	}
	m.enqueue(p.remoteID, models.Candidate{Candidate: c})
}

func (m *Manager) onRemoteTrack(p *peerSession, t RemoteTrack) {
	if m.left || m.peers[p.remoteID] != p {
		return
	}
	if p.attachRemote(t) {
		// The stream may beat the first participant snapshot.
		if rec, ok := m.participants[p.remoteID]; ok {
			p.cameraOff = rec.CameraOff
		}
		p.log.WithField("stream_id", t.StreamID).Info("Peer connected")
	}
	m.notifyPeer(p)
}

func (m *Manager) initiate(p *peerSession) {
	if p.offered || p.remoteSet {
		return
	}
	offer, err := p.conn.CreateOffer()
	if err != nil {
		p.log.WithError(err).Error("Failed to create offer")
		return
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		p.log.WithError(err).Error("Failed to set local offer")
		return
	}
	p.offered = true
	p.state = StateConnecting
	m.enqueue(p.remoteID, models.Offer{SenderName: m.opts.DisplayName, SDP: offer})
	p.log.Info("Sent offer")
	m.notifyPeer(p)
}

func (m *Manager) handleSignal(sig models.Signal) {
	if m.left {
		return
	}
	switch body := sig.Body.(type) {
	case models.Offer:
		m.handleOffer(sig.From, body)
	case models.Answer:
		m.handleAnswer(sig.From, body)
	case models.Candidate:
		m.handleCandidate(sig.From, body)
	default:
		m.log.WithField("peer_id", sig.From).Warn("Dropping signal of unknown type")
	}
}

func (m *Manager) handleOffer(from string, offer models.Offer) {
	p, err := m.peer(from, offer.SenderName)
	if err != nil {
		m.log.WithError(err).WithField("peer_id", from).Warn("Dropping offer")
		return
	}
	if p.remoteSet {
		p.log.Warn("Dropping duplicate offer")
		return
	}
	if p.offered {
		// Both sides offered; the side that should offer keeps its own.
		p.log.Warn("Dropping offer that crossed our own")
		return
	}
	if err := p.setRemoteDescription(offer.SDP); err != nil {
		p.log.WithError(err).Error("Failed to apply remote offer")
		return
	}
	answer, err := p.conn.CreateAnswer()
	if err != nil {
		p.log.WithError(err).Error("Failed to create answer")
		return
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		p.log.WithError(err).Error("Failed to set local answer")
		return
	}
	p.state = StateConnecting
	m.enqueue(from, models.Answer{SDP: answer})
	p.log.Info("Answered offer")
	m.notifyPeer(p)
}

func (m *Manager) handleAnswer(from string, answer models.Answer) {
	p, ok := m.peers[from]
	if !ok {
		m.log.WithField("peer_id", from).Warn("Dropping answer from unknown peer")
		return
	}
	if !p.offered || p.remoteSet {
		p.log.Warn("Dropping unexpected answer")
		return
	}
	if err := p.setRemoteDescription(answer.SDP); err != nil {
		p.log.WithError(err).Error("Failed to apply remote answer")
		return
	}
	p.log.Debug("Applied answer")
}

func (m *Manager) handleCandidate(from string, c models.Candidate) {
	// Only participants in the room, or senders with a session, get one.
	_, present := m.participants[from]
	if _, ok := m.peers[from]; !ok && !present {
		m.log.WithField("peer_id", from).Debug("Dropping candidate from sender not in the room")
		return
	}
	p, err := m.peer(from, "")
	if err != nil {
		m.log.WithError(err).WithField("peer_id", from).Warn("Dropping candidate")
		return
	}
	p.addCandidate(c.Candidate)
}

func (m *Manager) onParticipant(c models.ParticipantChange) {
	rec := c.Participant
	if m.left || rec.UserID == m.opts.UserID {
		return
	}
	log := m.log.WithField("peer_id", rec.UserID)

	switch c.Type {
	case models.ParticipantJoined:
		m.participants[rec.UserID] = rec
		log.Info("Participant joined")
		if p, ok := m.peers[rec.UserID]; ok {
			m.refresh(p, rec)
		}
		if !m.shouldOffer(rec) {
			return
		}
		p, err := m.peer(rec.UserID, rec.Name)
		if err != nil {
			log.WithError(err).Error("Failed to open peer session")
			return
		}
		m.initiate(p)
	case models.ParticipantUpdated:
		m.participants[rec.UserID] = rec
		if p, ok := m.peers[rec.UserID]; ok {
			m.refresh(p, rec)
		}
	case models.ParticipantLeft:
		delete(m.participants, rec.UserID)
		log.Info("Participant left")
		if p, ok := m.peers[rec.UserID]; ok {
			p.close()
			delete(m.peers, rec.UserID)
			m.notifyRemoved(rec.UserID)
		}
	}
}

// refresh updates display metadata only; connection state is untouched.
func (m *Manager) refresh(p *peerSession, rec models.Participant) {
	if rec.Name != "" {
		p.remoteName = rec.Name
	}
	p.cameraOff = rec.CameraOff
	m.notifyPeer(p)
}

func (m *Manager) onRoom(room *models.Room) {
	if room != nil || m.left {
		return
	}
	m.log.Info("Room dissolved, ending call")
	m.dissolved = true
	m.left = true
	m.closePeers()
	m.notify(func() {
		if m.opts.Hooks.CallEnded != nil {
			m.opts.Hooks.CallEnded(EndRoomDissolved)
		}
	})
	go m.Leave(context.Background())
}

func (m *Manager) closePeers() {
	for id, p := range m.peers {
		p.close()
		delete(m.peers, id)
	}
}
