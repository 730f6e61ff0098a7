package mailbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/internal/models"
)

// SweepStats summarizes one garbage-collection pass.
type SweepStats struct {
	Scanned      int       `json:"scanned"`
	Deleted      int       `json:"deleted"`
	Failed       int       `json:"failed"`
	RoomsExpired int       `json:"roomsExpired"`
	Cutoff       time.Time `json:"cutoff"`
}

// Sweep deletes signals that are older than the retention window or whose
// sender or recipient has left the room, and deactivates expired rooms.
// Individual delete failures are counted and skipped.
func (s *Service) Sweep(ctx context.Context) (SweepStats, error) {
	now := s.now()
	stats := SweepStats{Cutoff: now.Add(-s.maxSignalAge)}

	roomIDs, err := s.store.ListRooms(ctx)
	if err != nil {
		return stats, err
	}
	for _, roomID := range roomIDs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		room, err := s.store.GetRoom(ctx, roomID)
		if err != nil {
			stats.Failed++
			s.log.WithError(err).WithField("room", roomID).Warn("sweep: failed to load room")
			continue
		}
		if room.IsActive && room.Expired(now) {
			room.IsActive = false
			if err := s.store.PutRoom(ctx, room); err != nil {
				stats.Failed++
				s.log.WithError(err).WithField("room", roomID).Warn("sweep: failed to deactivate room")
			} else {
				stats.RoomsExpired++
				s.notifier.NotifyRoom(roomID, models.PushEvent{Type: models.PushTypeRoster, RoomID: roomID})
			}
		}

		members, err := s.store.ListParticipants(ctx, roomID)
		if err != nil {
			stats.Failed++
			s.log.WithError(err).WithField("room", roomID).Warn("sweep: failed to list participants")
			continue
		}
		present := make(map[string]bool, len(members))
		for _, m := range members {
			present[m.UserID] = true
		}

		signals, err := s.store.ListSignals(ctx, roomID)
		if err != nil {
			stats.Failed++
			s.log.WithError(err).WithField("room", roomID).Warn("sweep: failed to list signals")
			continue
		}
		for _, sig := range signals {
			stats.Scanned++
			if !sig.CreatedAt.Before(stats.Cutoff) && present[sig.FromID] && present[sig.ToID] {
				continue
			}
			if err := s.store.DeleteSignal(ctx, sig); err != nil {
				stats.Failed++
				s.log.WithError(err).WithField("signal", sig.ID).Warn("sweep: failed to delete signal")
				continue
			}
			stats.Deleted++
		}
	}
	return stats, nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.WithError(err).Error("signal sweep failed")
				}
				continue
			}
			s.log.WithFields(logrus.Fields{
				"scanned":      stats.Scanned,
				"deleted":      stats.Deleted,
				"failed":       stats.Failed,
				"roomsExpired": stats.RoomsExpired,
			}).Debug("signal sweep completed")
		}
	}
}
