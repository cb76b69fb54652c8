// Command caller joins a room as a headless participant: it sends Opus
// silence, receives everyone else's media and logs the state of each peer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/call"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/redis"
	"github.com/mossy-p/meshcall/internal/relay"
	"github.com/mossy-p/meshcall/internal/rooms"
	"github.com/mossy-p/meshcall/internal/signaling"
	"github.com/mossy-p/meshcall/internal/store"
	"github.com/pion/rtp"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

const frameDuration = 20 * time.Millisecond

// One 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var (
	roomID    = flag.String("room", "", "Room (chat) id to join")
	userID    = flag.String("user", "", "Own user id")
	name      = flag.String("name", "", "Display name (defaults to the user id)")
	video     = flag.Bool("video", false, "Start a video call instead of an audio call")
	initiator = flag.Bool("initiator", false, "Create the room; leaving ends the call for everyone")
	invitees  = flag.String("invite", "", "Comma-separated user ids notified about the call")
)

func main() {
	flag.Parse()
	if *roomID == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: caller -room <id> -user <id> [-name <name>] [-video] [-initiator]")
		os.Exit(2)
	}

	cfg := config.Load()
	cfg.ConfigureLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Fatal("Call failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()

	st := store.NewRedis(client, cfg.Redis.DocTTL)

	var received atomic.Int64
	newConn, err := call.NewPionConnFactory(call.PionOptions{
		OnRTP: func(call.RemoteTrack, *rtp.Packet) { received.Add(1) },
	})
	if err != nil {
		return err
	}

	kind := models.CallAudio
	if *video {
		kind = models.CallVideo
	}
	displayName := *name
	if displayName == "" {
		displayName = *userID
	}

	capturer := &silenceCapturer{}
	ended := make(chan call.EndReason, 1)
	m, err := call.NewManager(call.Options{
		RoomID:        *roomID,
		UserID:        *userID,
		DisplayName:   displayName,
		Initiator:     *initiator,
		Kind:          kind,
		Invitees:      splitList(*invitees),
		Directory:     rooms.NewDirectory(st),
		Signals:       signaling.NewChannel(st, *roomID),
		Relay:         relay.NewFetcher(cfg.Call.RelayURL, cfg.Call.RelayTimeout, cfg.Call.STUNURLs),
		Capturer:      capturer,
		NewConn:       newConn,
		SignalTimeout: cfg.Call.SignalTimeout,
		Hooks: call.Hooks{
			PeerChanged: func(p call.PeerInfo) {
				logrus.WithFields(logrus.Fields{
					"peer_id":    p.UserID,
					"name":       p.Name,
					"state":      p.State,
					"camera_off": p.CameraOff,
				}).Info("Peer changed")
			},
			PeerRemoved: func(id string) {
				logrus.WithField("peer_id", id).Info("Peer left")
			},
			CallEnded: func(r call.EndReason) { ended <- r },
		},
	})
	if err != nil {
		return err
	}

	if err := m.Join(ctx); err != nil {
		if errors.Is(err, call.ErrRoomNotFound) {
			return fmt.Errorf("room %s has no active call", *roomID)
		}
		return err
	}
	defer m.Leave(context.Background())

	go capturer.feed(m.Done())

	stats := time.NewTicker(10 * time.Second)
	defer stats.Stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Leaving call")
			return m.Leave(context.Background())
		case r := <-ended:
			logrus.WithField("reason", r).Info("Call ended")
			return nil
		case <-stats.C:
			logrus.WithFields(logrus.Fields{
				"peers":       len(m.Peers()),
				"rtp_packets": received.Load(),
			}).Info("Call stats")
		}
	}
}

// silenceCapturer hands out sample tracks and keeps the audio ones fed.
type silenceCapturer struct {
	stream atomic.Pointer[media.Stream]
}

func (c *silenceCapturer) Capture(ctx context.Context, cons media.Constraints) (*media.Stream, error) {
	s, err := media.SampleCapturer{}.Capture(ctx, cons)
	if err != nil {
		return nil, err
	}
	c.stream.Store(s)
	return s, nil
}

func (c *silenceCapturer) feed(done <-chan struct{}) {
	s := c.stream.Load()
	if s == nil {
		return
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.Released():
			return
		case <-ticker.C:
			for _, t := range s.AudioTracks() {
				if err := t.WriteSample(pmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil && !errors.Is(err, media.ErrTrackStopped) {
					logrus.WithError(err).Debug("Failed to write audio sample")
				}
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
