package models

import "time"

// Room stores information about a call room
type Room struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"` // Short, shareable room code (e.g., "ABCD23")
	Name            string    `json:"name"`
	CreatorID       string    `json:"creatorId"`
	CreatedAt       time.Time `json:"createdAt"`
	EndTime         time.Time `json:"endTime"`
	IsActive        bool      `json:"isActive"`
	MaxParticipants int       `json:"maxParticipants"`
}

// Expired reports whether the room's end time has passed at now.
func (r Room) Expired(now time.Time) bool {
	return !r.EndTime.IsZero() && now.After(r.EndTime)
}

// Participant is an active member of a room
type Participant struct {
	RoomID   string    `json:"roomId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
	IsHost   bool      `json:"isHost"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"maxParticipants"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID  string    `json:"roomId"`
	Code    string    `json:"code"`
	EndTime time.Time `json:"endTime"`
}

// RoomView is a room plus its current occupancy
type RoomView struct {
	Room
	ParticipantCount int `json:"participantCount"`
}
