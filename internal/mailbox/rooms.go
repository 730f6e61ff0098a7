package mailbox

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/store"
)

const (
	roomCodeLength = 6
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	codeAttempts   = 5
)

// CreateRoom creates a room owned by creatorID and adds the creator as host.
func (s *Service) CreateRoom(ctx context.Context, creatorID string, req models.CreateRoomRequest) (models.Room, error) {
	if creatorID == "" {
		return models.Room{}, models.NewError(models.CodeAuthRequired, "Must be authenticated to create a room")
	}
	name := strings.TrimSpace(req.Name)
	if len(name) < 2 {
		return models.Room{}, models.NewError(models.CodeInvalidRoomName, "Room name must be at least 2 characters")
	}
	capacity := req.MaxParticipants
	if capacity == 0 {
		capacity = s.defaultCapacity
	}
	if capacity < minCapacity || capacity > maxCapacity {
		return models.Room{}, models.NewError(models.CodeInvalidCapacity, "maxParticipants must be between 2 and 50")
	}

	code, err := s.uniqueCode(ctx)
	if err != nil {
		return models.Room{}, s.storageError(models.CodeInternal, "Failed to create room", err)
	}

	now := s.now()
	room := models.Room{
		ID:              uuid.NewString(),
		Code:            code,
		Name:            name,
		CreatorID:       creatorID,
		CreatedAt:       now,
		EndTime:         now.Add(s.roomLifetime),
		IsActive:        true,
		MaxParticipants: capacity,
	}
	if err := s.store.PutRoom(ctx, room); err != nil {
		return models.Room{}, s.storageError(models.CodeInternal, "Failed to create room", err)
	}
	host := models.Participant{RoomID: room.ID, UserID: creatorID, JoinedAt: now, IsHost: true}
	if err := s.store.AddParticipant(ctx, host); err != nil {
		return models.Room{}, s.storageError(models.CodeInternal, "Failed to create room", err)
	}

	s.log.WithFields(logrus.Fields{"room": room.ID, "code": room.Code, "creator": creatorID}).Info("room created")
	return room, nil
}

// ResolveRoom looks a room up by share code or id.
func (s *Service) ResolveRoom(ctx context.Context, identifier string) (models.Room, error) {
	roomID := identifier
	if len(identifier) == roomCodeLength {
		id, err := s.store.ResolveCode(ctx, strings.ToUpper(identifier))
		if err == nil {
			roomID = id
		} else if !errors.Is(err, store.ErrNotFound) {
			return models.Room{}, s.storageError(models.CodeInternal, "Failed to load room", err)
		}
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Room{}, models.NewError(models.CodeRoomNotFound, "Room does not exist")
	}
	if err != nil {
		return models.Room{}, s.storageError(models.CodeInternal, "Failed to load room", err)
	}
	return room, nil
}

// GetRoom returns the room with its current participant count.
func (s *Service) GetRoom(ctx context.Context, identifier string) (models.RoomView, error) {
	room, err := s.ResolveRoom(ctx, identifier)
	if err != nil {
		return models.RoomView{}, err
	}
	members, err := s.store.ListParticipants(ctx, room.ID)
	if err != nil {
		return models.RoomView{}, s.storageError(models.CodeInternal, "Failed to load room", err)
	}
	return models.RoomView{Room: room, ParticipantCount: len(members)}, nil
}

// DeleteRoom removes a room and everything queued in it. Only the creator
// may delete.
func (s *Service) DeleteRoom(ctx context.Context, userID, identifier string) error {
	room, err := s.ResolveRoom(ctx, identifier)
	if err != nil {
		return err
	}
	if room.CreatorID != userID {
		return models.NewError(models.CodeNotAllowed, "Only the room creator can delete the room")
	}
	if err := s.store.DeleteRoom(ctx, room.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return s.storageError(models.CodeInternal, "Failed to delete room", err)
	}
	s.log.WithFields(logrus.Fields{"room": room.ID, "user": userID}).Info("room deleted")
	s.notifier.NotifyRoom(room.ID, models.PushEvent{Type: models.PushTypeRoster, RoomID: room.ID})
	return nil
}

// JoinRoom adds userID to the room. Joining twice returns the existing
// membership unchanged.
func (s *Service) JoinRoom(ctx context.Context, userID, identifier string) (models.Participant, error) {
	if userID == "" {
		return models.Participant{}, models.NewError(models.CodeAuthRequired, "Must be authenticated to join a room")
	}
	room, err := s.ResolveRoom(ctx, identifier)
	if err != nil {
		return models.Participant{}, err
	}

	if room.Expired(s.now()) {
		if room.IsActive {
			room.IsActive = false
			if err := s.store.PutRoom(ctx, room); err != nil {
				s.log.WithError(err).WithField("room", room.ID).Warn("failed to deactivate expired room")
			}
		}
		return models.Participant{}, models.NewError(models.CodeRoomExpired, "Room has expired")
	}
	if !room.IsActive {
		return models.Participant{}, models.NewError(models.CodeRoomInactive, "Cannot join an inactive room")
	}

	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	existing, err := s.store.GetParticipant(ctx, room.ID, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Participant{}, s.storageError(models.CodeInternal, "Failed to join room", err)
	}

	members, err := s.store.ListParticipants(ctx, room.ID)
	if err != nil {
		return models.Participant{}, s.storageError(models.CodeInternal, "Failed to join room", err)
	}
	if len(members) >= room.MaxParticipants {
		return models.Participant{}, models.NewError(models.CodeRoomAtCapacity, "Room is at capacity")
	}

	p := models.Participant{RoomID: room.ID, UserID: userID, JoinedAt: s.now()}
	if err := s.store.AddParticipant(ctx, p); err != nil {
		return models.Participant{}, s.storageError(models.CodeInternal, "Failed to join room", err)
	}

	s.log.WithFields(logrus.Fields{
		"room":    room.ID,
		"user":    userID,
		"members": len(members) + 1,
		"max":     room.MaxParticipants,
	}).Info("participant joined")
	s.notifier.NotifyRoom(room.ID, models.PushEvent{Type: models.PushTypeRoster, RoomID: room.ID})
	return p, nil
}

// LeaveRoom removes userID from the room. Leaving a room one is not in is
// not an error.
func (s *Service) LeaveRoom(ctx context.Context, userID, identifier string) error {
	if userID == "" {
		return models.NewError(models.CodeAuthRequired, "Must be authenticated")
	}
	room, err := s.ResolveRoom(ctx, identifier)
	if err != nil {
		return err
	}
	err = s.store.RemoveParticipant(ctx, room.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return s.storageError(models.CodeInternal, "Failed to leave room", err)
	}
	s.log.WithFields(logrus.Fields{"room": room.ID, "user": userID}).Info("participant left")
	s.notifier.NotifyRoom(room.ID, models.PushEvent{Type: models.PushTypeRoster, RoomID: room.ID})
	return nil
}

// Participants lists the active members of a room.
func (s *Service) Participants(ctx context.Context, identifier string) ([]models.Participant, error) {
	room, err := s.ResolveRoom(ctx, identifier)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListParticipants(ctx, room.ID)
	if err != nil {
		return nil, s.storageError(models.CodeInternal, "Failed to list participants", err)
	}
	return members, nil
}

func (s *Service) uniqueCode(ctx context.Context) (string, error) {
	var lastErr error
	for i := 0; i < codeAttempts; i++ {
		code, err := generateRoomCode()
		if err != nil {
			return "", err
		}
		_, err = s.store.ResolveCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			return code, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("room code space exhausted")
	}
	return "", lastErr
}

// generateRoomCode generates a random room code
func generateRoomCode() (string, error) {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", err
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}
