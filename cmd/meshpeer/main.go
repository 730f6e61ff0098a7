// Command meshpeer is a headless mesh participant. It joins a room through
// the mailbox server and keeps a peer connection to every other member,
// sending synthetic audio and video.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/client"
	"github.com/mossy-p/meshcall/internal/devices"
	"github.com/mossy-p/meshcall/internal/logging"
	"github.com/mossy-p/meshcall/internal/mesh"
)

const leaveTimeout = 5 * time.Second

func main() {
	cfg, err := config.LoadPeer(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("Mesh peer stopped")
	}
}

func run(ctx context.Context, cfg *config.PeerConfig, log *logrus.Logger) error {
	api := client.New(cfg.ServerURL, client.WithLogger(log))
	if err := api.Login(ctx, cfg.Username); err != nil {
		return err
	}
	member, err := api.JoinRoom(ctx, cfg.Room)
	if err != nil {
		return err
	}
	entry := log.WithFields(logrus.Fields{"room": member.RoomID, "user": member.UserID})

	media := mesh.NewMediaController(devices.NewSynthetic(), devices.Constraints{Audio: cfg.Audio, Video: cfg.Video}, entry)
	if cfg.Audio || cfg.Video {
		if err := media.Acquire(ctx); err != nil {
			entry.WithError(err).Warn("Joining without local media")
		}
	}

	rtc, err := mesh.NewAPI(mesh.APIOptions{Logger: entry})
	if err != nil {
		return err
	}

	session, err := mesh.NewSession(mesh.Options{
		RoomID:       member.RoomID,
		SelfID:       member.UserID,
		JoinedAt:     member.JoinedAt,
		Mailbox:      api,
		Roster:       api,
		API:          rtc,
		ICEServers:   mesh.ICEServers(cfg.ICEServers),
		Media:        media,
		Watchdog:     cfg.Watchdog,
		PollInterval: cfg.PollInterval,
		Logger:       entry,
		OnNotice: func(n mesh.Notice) {
			entry.WithFields(logrus.Fields{"peer": n.PeerID, "class": n.Class}).WithError(n.Err).Warn(n.Message)
		},
		OnParticipants: func(count int) {
			entry.WithField("participants", count).Info("Roster changed")
		},
		OnTrack: func(peer string, track *webrtc.TrackRemote) {
			entry.WithFields(logrus.Fields{"peer": peer, "kind": track.Kind().String()}).Info("Receiving track")
		},
	})
	if err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	go subscribe(ctx, api, member.RoomID, wake, entry)

	runErr := session.Run(ctx, wake)

	leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := session.Leave(leaveCtx); err != nil {
		entry.WithError(err).Warn("Some peers were not told we left")
	}
	if err := api.LeaveRoom(leaveCtx, member.RoomID); err != nil {
		entry.WithError(err).Warn("Could not leave room")
	}
	return runErr
}

// subscribe forwards push events as wake-ups, reconnecting while ctx lives.
// Polling keeps the session working whenever the push channel is down.
func subscribe(ctx context.Context, api *client.Client, roomID string, wake chan<- struct{}, log logrus.FieldLogger) {
	for ctx.Err() == nil {
		events, err := api.Subscribe(ctx, roomID)
		if err != nil {
			log.WithError(err).Debug("Push channel unavailable")
		} else {
			for range events {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}
