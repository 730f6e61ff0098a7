package mailbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	users []string
	rooms []string
}

func (n *recordingNotifier) NotifyUser(roomID, userID string, ev models.PushEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID+":"+string(ev.Type))
}

func (n *recordingNotifier) NotifyRoom(roomID string, ev models.PushEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rooms = append(n.rooms, roomID+":"+string(ev.Type))
}

type fixture struct {
	svc      *Service
	store    *store.Memory
	clock    *fakeClock
	notifier *recordingNotifier
	hook     *test.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := &fixture{
		store:    store.NewMemory(),
		clock:    &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
		hook:     hook,
	}
	f.svc = NewService(f.store, Options{
		Notifier: f.notifier,
		Logger:   logger,
		Now:      f.clock.Now,
	})
	return f
}

func (f *fixture) room(t *testing.T, creator string, members ...string) models.Room {
	t.Helper()
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, creator, models.CreateRoomRequest{Name: "ward rounds"})
	require.NoError(t, err)
	for _, m := range members {
		_, err := f.svc.JoinRoom(ctx, m, room.ID)
		require.NoError(t, err)
	}
	return room
}

func offer(room, from, to string) models.Signal {
	return models.Signal{
		RoomID:  room,
		FromID:  from,
		ToID:    to,
		Kind:    models.SignalKindOffer,
		Payload: json.RawMessage(`{"sdp":"v=0","type":"offer"}`),
	}
}

func TestSendSignalMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.room(t, "alice", "bob")

	_, err := f.svc.SendSignal(ctx, "alice", offer(room.ID, "bob", "alice"))
	assert.Equal(t, models.CodeNotAllowed, models.CodeOf(err))

	_, err = f.svc.SendSignal(ctx, "mallory", offer(room.ID, "mallory", "alice"))
	assert.Equal(t, models.CodeNotInRoom, models.CodeOf(err))

	_, err = f.svc.SendSignal(ctx, "alice", offer(room.ID, "alice", "carol"))
	assert.Equal(t, models.CodeRecipientNotInRoom, models.CodeOf(err))

	bad := offer(room.ID, "alice", "bob")
	bad.Payload = json.RawMessage(`{"sdp":""}`)
	_, err = f.svc.SendSignal(ctx, "alice", bad)
	assert.Equal(t, models.CodeInvalidSignal, models.CodeOf(err))

	id, err := f.svc.SendSignal(ctx, "alice", offer(room.ID, "alice", "bob"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Contains(t, f.notifier.users, "bob:signals")
}

func TestGetSignalsFiltersByRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.room(t, "alice", "bob", "carol")

	_, err := f.svc.SendSignal(ctx, "alice", offer(room.ID, "alice", "bob"))
	require.NoError(t, err)
	_, err = f.svc.SendSignal(ctx, "alice", offer(room.ID, "alice", "carol"))
	require.NoError(t, err)

	got, err := f.svc.GetSignals(ctx, "bob", room.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].ToID)
	assert.Equal(t, f.clock.Now(), got[0].CreatedAt)

	got, err = f.svc.GetSignals(ctx, "dave", room.ID)
	require.NoError(t, err, "non-participants get an empty inbox")
	assert.Empty(t, got)
}

func TestAcknowledgeSkipsForeignAndMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.room(t, "alice", "bob")

	id, err := f.svc.SendSignal(ctx, "alice", offer(room.ID, "alice", "bob"))
	require.NoError(t, err)

	require.NoError(t, f.svc.AcknowledgeSignals(ctx, "alice", []string{id, "missing"}))
	got, err := f.svc.GetSignals(ctx, "bob", room.ID)
	require.NoError(t, err)
	require.Len(t, got, 1, "ack by a non-recipient is ignored")

	require.NoError(t, f.svc.AcknowledgeSignals(ctx, "bob", []string{id}))
	require.NoError(t, f.svc.AcknowledgeSignals(ctx, "bob", []string{id}), "second ack is a no-op")
	got, err = f.svc.GetSignals(ctx, "bob", room.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRoom(ctx, "alice", models.CreateRoomRequest{Name: " x "})
	assert.Equal(t, models.CodeInvalidRoomName, models.CodeOf(err))

	_, err = f.svc.CreateRoom(ctx, "alice", models.CreateRoomRequest{Name: "big", MaxParticipants: 51})
	assert.Equal(t, models.CodeInvalidCapacity, models.CodeOf(err))

	room, err := f.svc.CreateRoom(ctx, "alice", models.CreateRoomRequest{Name: "family"})
	require.NoError(t, err)
	assert.Equal(t, 10, room.MaxParticipants)
	assert.Len(t, room.Code, roomCodeLength)
	assert.Equal(t, f.clock.Now().Add(defaultRoomLifetime), room.EndTime)

	host, err := f.store.GetParticipant(ctx, room.ID, "alice")
	require.NoError(t, err)
	assert.True(t, host.IsHost)

	view, err := f.svc.GetRoom(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, room.ID, view.ID)
	assert.Equal(t, 1, view.ParticipantCount)
}

func TestJoinRoomRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, err := f.svc.CreateRoom(ctx, "alice", models.CreateRoomRequest{Name: "pair", MaxParticipants: 2})
	require.NoError(t, err)

	first, err := f.svc.JoinRoom(ctx, "bob", room.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	again, err := f.svc.JoinRoom(ctx, "bob", room.ID)
	require.NoError(t, err)
	assert.Equal(t, first.JoinedAt, again.JoinedAt, "rejoin while present keeps membership")

	_, err = f.svc.JoinRoom(ctx, "carol", room.ID)
	assert.Equal(t, models.CodeRoomAtCapacity, models.CodeOf(err))

	_, err = f.svc.JoinRoom(ctx, "carol", "nope")
	assert.Equal(t, models.CodeRoomNotFound, models.CodeOf(err))

	f.clock.Advance(defaultRoomLifetime)
	_, err = f.svc.JoinRoom(ctx, "carol", room.ID)
	assert.Equal(t, models.CodeRoomExpired, models.CodeOf(err))

	stored, err := f.store.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	_, err = f.svc.JoinRoom(ctx, "carol", room.ID)
	assert.Equal(t, models.CodeRoomExpired, models.CodeOf(err))
}

func TestLeaveAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.room(t, "alice", "bob")

	require.NoError(t, f.svc.LeaveRoom(ctx, "bob", room.ID))
	require.NoError(t, f.svc.LeaveRoom(ctx, "bob", room.ID), "leave is idempotent")

	members, err := f.svc.Participants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)

	err = f.svc.DeleteRoom(ctx, "bob", room.ID)
	assert.Equal(t, models.CodeNotAllowed, models.CodeOf(err))
	require.NoError(t, f.svc.DeleteRoom(ctx, "alice", room.ID))

	_, err = f.svc.GetRoom(ctx, room.ID)
	assert.Equal(t, models.CodeRoomNotFound, models.CodeOf(err))
	assert.Contains(t, f.notifier.rooms, room.ID+":roster")
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.room(t, "alice", "bob", "carol")

	_, err := f.svc.SendSignal(ctx, "alice", offer(room.ID, "alice", "bob"))
	require.NoError(t, err)
	f.clock.Advance(defaultMaxSignalAge + time.Second)

	_, err = f.svc.SendSignal(ctx, "alice", offer(room.ID, "alice", "carol"))
	require.NoError(t, err)
	_, err = f.svc.SendSignal(ctx, "carol", offer(room.ID, "carol", "bob"))
	require.NoError(t, err)
	fresh, err := f.svc.SendSignal(ctx, "alice", offer(room.ID, "alice", "bob"))
	require.NoError(t, err)
	require.NoError(t, f.svc.LeaveRoom(ctx, "carol", room.ID))

	stats, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 3, stats.Deleted, "aged signal plus both signals touching carol")
	assert.Zero(t, stats.Failed)

	left, err := f.store.ListSignals(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, fresh, left[0].ID)

	f.clock.Advance(defaultRoomLifetime)
	stats, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RoomsExpired)
}

func TestLocalAdapter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room := f.room(t, "alice", "bob")

	alice := f.svc.As("alice")
	bob := f.svc.As("bob")

	_, err := alice.SendSignal(ctx, room.ID, "alice", "bob", models.SignalKindLeave, models.LeavePayload{})
	require.NoError(t, err)

	_, err = alice.GetSignals(ctx, room.ID, "bob")
	assert.Equal(t, models.CodeNotAllowed, models.CodeOf(err))

	got, err := bob.GetSignals(ctx, room.ID, "bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{}`, string(got[0].Payload))

	ids, err := bob.Participants(ctx, room.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)
}
