// Package store persists rooms, participants and queued signals.
package store

import (
	"context"
	"errors"

	"github.com/mossy-p/meshcall/internal/models"
)

// ErrNotFound is returned when a room, participant or signal does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract behind the signal mailbox. It enforces no
// policy; membership and ownership rules live in the mailbox service.
type Store interface {
	PutRoom(ctx context.Context, room models.Room) error
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	ResolveCode(ctx context.Context, code string) (string, error)
	DeleteRoom(ctx context.Context, roomID string) error
	ListRooms(ctx context.Context) ([]string, error)

	AddParticipant(ctx context.Context, p models.Participant) error
	GetParticipant(ctx context.Context, roomID, userID string) (models.Participant, error)
	RemoveParticipant(ctx context.Context, roomID, userID string) error
	ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error)

	PutSignal(ctx context.Context, s models.Signal) error
	GetSignal(ctx context.Context, signalID string) (models.Signal, error)
	// ListSignals returns every queued signal in the room, oldest first.
	ListSignals(ctx context.Context, roomID string) ([]models.Signal, error)
	DeleteSignal(ctx context.Context, s models.Signal) error
}
