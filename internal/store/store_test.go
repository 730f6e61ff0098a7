package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/meshcall/internal/models"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestStores(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		testStore(t, NewMemory())
	})
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisStore(t)
		testStore(t, s)
	})
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	room := models.Room{ID: "r1", Code: "ABCD23", Name: "standup", CreatorID: "alice", CreatedAt: now, IsActive: true, MaxParticipants: 4}
	require.NoError(t, s.PutRoom(ctx, room))

	got, err := s.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "standup", got.Name)
	assert.True(t, got.CreatedAt.Equal(now))

	id, err := s.ResolveCode(ctx, "ABCD23")
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	_, err = s.GetRoom(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ResolveCode(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, rooms)

	require.NoError(t, s.AddParticipant(ctx, models.Participant{RoomID: "r1", UserID: "bob", JoinedAt: now.Add(time.Second)}))
	require.NoError(t, s.AddParticipant(ctx, models.Participant{RoomID: "r1", UserID: "alice", JoinedAt: now}))
	members, err := s.ListParticipants(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].UserID, "ordered by join time")

	_, err = s.GetParticipant(ctx, "r1", "carol")
	assert.ErrorIs(t, err, ErrNotFound)

	for i, id := range []string{"s2", "s1"} {
		require.NoError(t, s.PutSignal(ctx, models.Signal{
			ID: id, RoomID: "r1", FromID: "alice", ToID: "bob",
			Kind: models.SignalKindLeave, Payload: json.RawMessage(`{}`),
			CreatedAt: now.Add(time.Duration(2-i) * time.Second),
		}))
	}
	signals, err := s.ListSignals(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, "s1", signals[0].ID, "oldest first")

	sig, err := s.GetSignal(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "bob", sig.ToID)

	require.NoError(t, s.DeleteSignal(ctx, sig))
	assert.ErrorIs(t, s.DeleteSignal(ctx, sig), ErrNotFound)

	require.NoError(t, s.RemoveParticipant(ctx, "r1", "bob"))
	assert.ErrorIs(t, s.RemoveParticipant(ctx, "r1", "bob"), ErrNotFound)

	require.NoError(t, s.DeleteRoom(ctx, "r1"))
	_, err = s.GetRoom(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSignal(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	members, err = s.ListParticipants(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRedisListSignalsForgetsExpiredBodies(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSignal(ctx, models.Signal{ID: "old", RoomID: "r1", ToID: "bob", Kind: models.SignalKindLeave}))
	require.NoError(t, s.PutSignal(ctx, models.Signal{ID: "new", RoomID: "r1", ToID: "bob", Kind: models.SignalKindLeave}))
	mr.Del(signalKey("old"))

	signals, err := s.ListSignals(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "new", signals[0].ID)

	members, err := mr.SMembers(roomSignalsKey("r1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, members)
}

func TestRedisSignalTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutSignal(ctx, models.Signal{ID: "x", RoomID: "r1", Kind: models.SignalKindLeave}))
	mr.FastForward(signalTTL + time.Second)

	_, err := s.GetSignal(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
