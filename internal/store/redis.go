package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/meshcall/internal/models"
)

const (
	roomTTL   = 24 * time.Hour
	signalTTL = time.Hour

	roomsKey = "rooms"
)

func roomKey(roomID string) string        { return "room:" + roomID }
func codeKey(code string) string          { return "code:" + code }
func peersKey(roomID string) string       { return "room:" + roomID + ":peers" }
func roomSignalsKey(roomID string) string { return "room:" + roomID + ":signals" }
func signalKey(signalID string) string    { return "signal:" + signalID }

// Redis is a Store backed by a Redis server. Rooms and codes expire after a
// day; each signal body carries its own TTL as a backstop for the sweeper.
type Redis struct {
	client *redis.Client
}

var _ Store = (*Redis)(nil)

// NewRedis wraps an already connected client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) PutRoom(ctx context.Context, room models.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, roomTTL)
	if room.Code != "" {
		pipe.Set(ctx, codeKey(room.Code), room.ID, roomTTL)
	}
	pipe.SAdd(ctx, roomsKey, room.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store room %s: %w", room.ID, err)
	}
	return nil
}

func (r *Redis) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	data, err := r.client.Get(ctx, roomKey(roomID)).Bytes()
	if err != nil {
		return room, notFound(err)
	}
	if err := json.Unmarshal(data, &room); err != nil {
		return room, fmt.Errorf("parse room %s: %w", roomID, err)
	}
	return room, nil
}

func (r *Redis) ResolveCode(ctx context.Context, code string) (string, error) {
	id, err := r.client.Get(ctx, codeKey(code)).Result()
	if err != nil {
		return "", notFound(err)
	}
	return id, nil
}

func (r *Redis) DeleteRoom(ctx context.Context, roomID string) error {
	room, err := r.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	ids, err := r.client.SMembers(ctx, roomSignalsKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("list signals of %s: %w", roomID, err)
	}

	keys := []string{roomKey(roomID), codeKey(room.Code), peersKey(roomID), roomSignalsKey(roomID)}
	for _, id := range ids {
		keys = append(keys, signalKey(id))
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, roomsKey, roomID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

// ListRooms returns known room ids and forgets ids whose record expired.
func (r *Redis) ListRooms(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		n, err := r.client.Exists(ctx, roomKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("check room %s: %w", id, err)
		}
		if n == 0 {
			r.client.SRem(ctx, roomsKey, id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

func (r *Redis) AddParticipant(ctx context.Context, p models.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, peersKey(p.RoomID), p.UserID, data)
	pipe.Expire(ctx, peersKey(p.RoomID), roomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add participant %s to %s: %w", p.UserID, p.RoomID, err)
	}
	return nil
}

func (r *Redis) GetParticipant(ctx context.Context, roomID, userID string) (models.Participant, error) {
	var p models.Participant
	data, err := r.client.HGet(ctx, peersKey(roomID), userID).Bytes()
	if err != nil {
		return p, notFound(err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse participant %s: %w", userID, err)
	}
	return p, nil
}

func (r *Redis) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	n, err := r.client.HDel(ctx, peersKey(roomID), userID).Result()
	if err != nil {
		return fmt.Errorf("remove participant %s from %s: %w", userID, roomID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	all, err := r.client.HGetAll(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants of %s: %w", roomID, err)
	}
	out := make([]models.Participant, 0, len(all))
	for userID, data := range all {
		var p models.Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("parse participant %s: %w", userID, err)
		}
		out = append(out, p)
	}
	sortParticipants(out)
	return out, nil
}

func (r *Redis) PutSignal(ctx context.Context, s models.Signal) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, signalKey(s.ID), data, signalTTL)
	pipe.SAdd(ctx, roomSignalsKey(s.RoomID), s.ID)
	pipe.Expire(ctx, roomSignalsKey(s.RoomID), roomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store signal %s: %w", s.ID, err)
	}
	return nil
}

func (r *Redis) GetSignal(ctx context.Context, signalID string) (models.Signal, error) {
	var s models.Signal
	data, err := r.client.Get(ctx, signalKey(signalID)).Bytes()
	if err != nil {
		return s, notFound(err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse signal %s: %w", signalID, err)
	}
	return s, nil
}

// ListSignals loads every queued signal of the room. Ids whose body has
// already expired are dropped from the room index on the way.
func (r *Redis) ListSignals(ctx context.Context, roomID string) ([]models.Signal, error) {
	ids, err := r.client.SMembers(ctx, roomSignalsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list signals of %s: %w", roomID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = signalKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load signals of %s: %w", roomID, err)
	}

	var out []models.Signal
	var expired []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var s models.Signal
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("parse signal %s: %w", ids[i], err)
		}
		out = append(out, s)
	}
	if len(expired) > 0 {
		r.client.SRem(ctx, roomSignalsKey(roomID), expired...)
	}
	sortSignals(out)
	return out, nil
}

func (r *Redis) DeleteSignal(ctx context.Context, s models.Signal) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, signalKey(s.ID))
	pipe.SRem(ctx, roomSignalsKey(s.RoomID), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete signal %s: %w", s.ID, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}
