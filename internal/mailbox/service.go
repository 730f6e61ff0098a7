// Package mailbox implements the per-room, per-recipient signal queue and the
// room membership rules that gate it.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/store"
)

// Notifier receives wake-ups when a recipient's inbox or a room roster
// changes. Implementations must not block.
type Notifier interface {
	NotifyUser(roomID, userID string, ev models.PushEvent)
	NotifyRoom(roomID string, ev models.PushEvent)
}

type nopNotifier struct{}

func (nopNotifier) NotifyUser(string, string, models.PushEvent) {}
func (nopNotifier) NotifyRoom(string, models.PushEvent)         {}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	RoomLifetime    time.Duration
	DefaultCapacity int
	MaxSignalAge    time.Duration
	Notifier        Notifier
	Logger          logrus.FieldLogger
	Now             func() time.Time
}

const (
	defaultRoomLifetime = 30 * time.Minute
	defaultCapacity     = 10
	defaultMaxSignalAge = 5 * time.Minute

	minCapacity = 2
	maxCapacity = 50
)

// Service is the signal mailbox. It is safe for concurrent use.
type Service struct {
	store    store.Store
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time

	roomLifetime    time.Duration
	defaultCapacity int
	maxSignalAge    time.Duration

	// joinMu serializes capacity checks with inserts.
	joinMu sync.Mutex
}

// NewService creates a mailbox over st.
func NewService(st store.Store, opts Options) *Service {
	s := &Service{
		store:           st,
		notifier:        opts.Notifier,
		log:             opts.Logger,
		now:             opts.Now,
		roomLifetime:    opts.RoomLifetime,
		defaultCapacity: opts.DefaultCapacity,
		maxSignalAge:    opts.MaxSignalAge,
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.roomLifetime <= 0 {
		s.roomLifetime = defaultRoomLifetime
	}
	if s.defaultCapacity == 0 {
		s.defaultCapacity = defaultCapacity
	}
	if s.maxSignalAge <= 0 {
		s.maxSignalAge = defaultMaxSignalAge
	}
	return s
}

// SetNotifier replaces the push notifier. Call before serving traffic.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SendSignal enqueues sig for its recipient and returns the assigned id.
// The caller must be the sender and both ends must be room members.
func (s *Service) SendSignal(ctx context.Context, userID string, sig models.Signal) (string, error) {
	if userID == "" {
		return "", models.NewError(models.CodeAuthRequired, "Must be authenticated")
	}
	if sig.FromID != userID {
		return "", models.NewError(models.CodeNotAllowed, "Cannot send on behalf of another user")
	}
	if err := models.ValidatePayload(sig.Kind, sig.Payload); err != nil {
		return "", err
	}

	fromOK, err := s.isMember(ctx, sig.RoomID, sig.FromID)
	if err != nil {
		return "", s.storageError(models.CodeSignalSendFailed, "Unable to enqueue signal", err)
	}
	if !fromOK {
		return "", models.NewError(models.CodeNotInRoom, "Sender is not a participant in the room")
	}
	toOK, err := s.isMember(ctx, sig.RoomID, sig.ToID)
	if err != nil {
		return "", s.storageError(models.CodeSignalSendFailed, "Unable to enqueue signal", err)
	}
	if !toOK {
		return "", models.NewError(models.CodeRecipientNotInRoom, "Recipient is not a participant in the room")
	}

	sig.ID = uuid.NewString()
	sig.CreatedAt = s.now()
	if len(sig.Payload) == 0 {
		sig.Payload = []byte("{}")
	}
	if err := s.store.PutSignal(ctx, sig); err != nil {
		return "", s.storageError(models.CodeSignalSendFailed, "Unable to enqueue signal", err)
	}

	s.log.WithFields(logrus.Fields{
		"room": sig.RoomID,
		"from": sig.FromID,
		"to":   sig.ToID,
		"kind": sig.Kind,
	}).Debug("signal queued")
	s.notifier.NotifyUser(sig.RoomID, sig.ToID, models.PushEvent{Type: models.PushTypeSignals, RoomID: sig.RoomID})
	return sig.ID, nil
}

// GetSignals returns the signals queued for userID in roomID. A caller that
// is not (yet) a participant gets an empty list rather than an error, which
// covers the window between join and first poll.
func (s *Service) GetSignals(ctx context.Context, userID, roomID string) ([]models.Signal, error) {
	if userID == "" {
		return nil, models.NewError(models.CodeAuthRequired, "Must be authenticated")
	}
	member, err := s.isMember(ctx, roomID, userID)
	if err != nil {
		return nil, s.storageError(models.CodeSignalFetchFailed, "Unable to fetch signals", err)
	}
	if !member {
		return []models.Signal{}, nil
	}

	all, err := s.store.ListSignals(ctx, roomID)
	if err != nil {
		return nil, s.storageError(models.CodeSignalFetchFailed, "Unable to fetch signals", err)
	}
	out := make([]models.Signal, 0, len(all))
	for _, sig := range all {
		if sig.ToID == userID {
			out = append(out, sig)
		}
	}
	return out, nil
}

// AcknowledgeSignals deletes the given signals. Ids that no longer exist or
// that are addressed to someone else are skipped without error.
func (s *Service) AcknowledgeSignals(ctx context.Context, userID string, ids []string) error {
	if userID == "" {
		return models.NewError(models.CodeAuthRequired, "Must be authenticated")
	}
	for _, id := range ids {
		sig, err := s.store.GetSignal(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return s.storageError(models.CodeSignalAckFailed, "Unable to acknowledge signals", err)
		}
		if sig.ToID != userID {
			continue
		}
		if err := s.store.DeleteSignal(ctx, sig); err != nil && !errors.Is(err, store.ErrNotFound) {
			return s.storageError(models.CodeSignalAckFailed, "Unable to acknowledge signals", err)
		}
	}
	return nil
}

func (s *Service) isMember(ctx context.Context, roomID, userID string) (bool, error) {
	_, err := s.store.GetParticipant(ctx, roomID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) storageError(code, message string, err error) error {
	s.log.WithError(err).WithField("code", code).Error("mailbox storage failure")
	return models.NewError(code, message)
}
