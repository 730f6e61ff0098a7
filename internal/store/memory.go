package store

import (
	"context"
	"sort"
	"sync"

	"github.com/mossy-p/meshcall/internal/models"
)

// Memory is an in-process Store for tests and single-node deployments.
type Memory struct {
	mu           sync.RWMutex
	rooms        map[string]models.Room
	codes        map[string]string
	participants map[string]map[string]models.Participant
	signals      map[string]models.Signal
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:        make(map[string]models.Room),
		codes:        make(map[string]string),
		participants: make(map[string]map[string]models.Participant),
		signals:      make(map[string]models.Signal),
	}
}

func (m *Memory) PutRoom(_ context.Context, room models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room
	if room.Code != "" {
		m.codes[room.Code] = room.ID
	}
	return nil
}

func (m *Memory) GetRoom(_ context.Context, roomID string) (models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return models.Room{}, ErrNotFound
	}
	return room, nil
}

func (m *Memory) ResolveCode(_ context.Context, code string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.codes[code]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (m *Memory) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	delete(m.rooms, roomID)
	delete(m.codes, room.Code)
	delete(m.participants, roomID)
	for id, s := range m.signals {
		if s.RoomID == roomID {
			delete(m.signals, id)
		}
	}
	return nil
}

func (m *Memory) ListRooms(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) AddParticipant(_ context.Context, p models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.participants[p.RoomID]
	if !ok {
		members = make(map[string]models.Participant)
		m.participants[p.RoomID] = members
	}
	members[p.UserID] = p
	return nil
}

func (m *Memory) GetParticipant(_ context.Context, roomID, userID string) (models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[roomID][userID]
	if !ok {
		return models.Participant{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) RemoveParticipant(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.participants[roomID][userID]; !ok {
		return ErrNotFound
	}
	delete(m.participants[roomID], userID)
	return nil
}

func (m *Memory) ListParticipants(_ context.Context, roomID string) ([]models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Participant, 0, len(m.participants[roomID]))
	for _, p := range m.participants[roomID] {
		out = append(out, p)
	}
	sortParticipants(out)
	return out, nil
}

func (m *Memory) PutSignal(_ context.Context, s models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[s.ID] = s
	return nil
}

func (m *Memory) GetSignal(_ context.Context, signalID string) (models.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[signalID]
	if !ok {
		return models.Signal{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSignals(_ context.Context, roomID string) ([]models.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Signal
	for _, s := range m.signals {
		if s.RoomID == roomID {
			out = append(out, s)
		}
	}
	sortSignals(out)
	return out, nil
}

func (m *Memory) DeleteSignal(_ context.Context, s models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[s.ID]; !ok {
		return ErrNotFound
	}
	delete(m.signals, s.ID)
	return nil
}

func sortSignals(signals []models.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].CreatedAt.Equal(signals[j].CreatedAt) {
			return signals[i].ID < signals[j].ID
		}
		return signals[i].CreatedAt.Before(signals[j].CreatedAt)
	})
}

func sortParticipants(ps []models.Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].UserID < ps[j].UserID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})
}
