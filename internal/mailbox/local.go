package mailbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mossy-p/meshcall/internal/models"
)

// Local is an in-process mailbox client bound to a single user. It speaks
// the same contract as the HTTP client, so a mesh session can run against a
// Service directly.
type Local struct {
	svc    *Service
	userID string
}

// As returns a client acting as userID.
func (s *Service) As(userID string) *Local {
	return &Local{svc: s, userID: userID}
}

func (l *Local) SendSignal(ctx context.Context, roomID, fromID, toID string, kind models.SignalKind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return l.svc.SendSignal(ctx, l.userID, models.Signal{
		RoomID:  roomID,
		FromID:  fromID,
		ToID:    toID,
		Kind:    kind,
		Payload: raw,
	})
}

func (l *Local) GetSignals(ctx context.Context, roomID, forUserID string) ([]models.Signal, error) {
	if forUserID != l.userID {
		return nil, models.NewError(models.CodeNotAllowed, "Cannot read signals for another user")
	}
	return l.svc.GetSignals(ctx, l.userID, roomID)
}

func (l *Local) AcknowledgeSignals(ctx context.Context, ids []string) error {
	return l.svc.AcknowledgeSignals(ctx, l.userID, ids)
}

// Participants returns the user ids of the room's active members.
func (l *Local) Participants(ctx context.Context, roomID string) ([]string, error) {
	members, err := l.svc.Participants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids, nil
}

// Join adds the bound user to the room.
func (l *Local) Join(ctx context.Context, roomID string) (models.Participant, error) {
	return l.svc.JoinRoom(ctx, l.userID, roomID)
}

// Leave removes the bound user from the room.
func (l *Local) Leave(ctx context.Context, roomID string) error {
	return l.svc.LeaveRoom(ctx, l.userID, roomID)
}
