package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePayload(t *testing.T) {
	cases := []struct {
		name    string
		kind    SignalKind
		payload string
		ok      bool
	}{
		{"offer", SignalKindOffer, `{"sdp":"v=0","type":"offer"}`, true},
		{"offer with answer type", SignalKindOffer, `{"sdp":"v=0","type":"answer"}`, false},
		{"answer missing sdp", SignalKindAnswer, `{"type":"answer"}`, false},
		{"candidate", SignalKindCandidate, `{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`, true},
		{"candidate without mid", SignalKindCandidate, `{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`, true},
		{"empty candidate", SignalKindCandidate, `{"candidate":""}`, false},
		{"leave empty object", SignalKindLeave, `{}`, true},
		{"leave no payload", SignalKindLeave, ``, true},
		{"leave with fields", SignalKindLeave, `{"x":1}`, false},
		{"unknown kind", SignalKind("join"), `{}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayload(tc.kind, json.RawMessage(tc.payload))
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, CodeInvalidSignal, CodeOf(err))
		})
	}
}

func TestDecodeCandidateKeepsOptionalFields(t *testing.T) {
	s := Signal{Kind: SignalKindCandidate, Payload: json.RawMessage(`{"candidate":"c","sdpMid":"audio","sdpMLineIndex":1}`)}
	p, err := s.DecodeCandidate()
	require.NoError(t, err)
	require.NotNil(t, p.SDPMid)
	require.NotNil(t, p.SDPMLineIndex)
	assert.Equal(t, "audio", *p.SDPMid)
	assert.Equal(t, uint16(1), *p.SDPMLineIndex)

	s.Payload = json.RawMessage(`{"candidate":"c"}`)
	p, err = s.DecodeCandidate()
	require.NoError(t, err)
	assert.Nil(t, p.SDPMid)
	assert.Nil(t, p.SDPMLineIndex)
}

func TestParseError(t *testing.T) {
	code, msg := ParseError("NOT_IN_ROOM: Sender is not a participant in the room")
	assert.Equal(t, CodeNotInRoom, code)
	assert.Equal(t, "Sender is not a participant in the room", msg)

	code, msg = ParseError("dial tcp: connection refused")
	assert.Empty(t, code)
	assert.Equal(t, "dial tcp: connection refused", msg)

	code, msg = ParseError("plain")
	assert.Empty(t, code)
	assert.Equal(t, "plain", msg)
}

func TestErrorIsMatchesCode(t *testing.T) {
	err := NewError(CodeRoomAtCapacity, "Room is at capacity")
	assert.Equal(t, "ROOM_AT_CAPACITY: Room is at capacity", err.Error())
	assert.ErrorIs(t, err, NewError(CodeRoomAtCapacity, ""))
	assert.NotErrorIs(t, err, NewError(CodeRoomExpired, ""))
}
