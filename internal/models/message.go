package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SignalKind is the kind of a mailbox signaling message
type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "candidate"
	SignalKindLeave     SignalKind = "leave"
)

// Valid reports whether k is one of the known signal kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalKindOffer, SignalKindAnswer, SignalKindCandidate, SignalKindLeave:
		return true
	}
	return false
}

// Signal is one queued signaling message addressed to a single room member.
// It stays in the recipient's inbox until acknowledged or swept.
type Signal struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"roomId"`
	FromID    string          `json:"fromId"`
	ToID      string          `json:"toId"`
	Kind      SignalKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// DescriptionPayload carries an offer or answer session description
type DescriptionPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// CandidatePayload carries one trickled route descriptor
type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// LeavePayload is the empty leave body
type LeavePayload struct{}

// SendSignalRequest is the request body for posting a signal
type SendSignalRequest struct {
	FromID  string          `json:"fromId" binding:"required"`
	ToID    string          `json:"toId" binding:"required"`
	Kind    SignalKind      `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// SendSignalResponse returns the id assigned to a stored signal
type SendSignalResponse struct {
	SignalID string `json:"signalId"`
}

// AckSignalsRequest lists signal ids to acknowledge
type AckSignalsRequest struct {
	SignalIDs []string `json:"signalIds"`
}

// PushType is the type of a push notification frame
type PushType string

const (
	PushTypeSignals PushType = "signals"
	PushTypeRoster  PushType = "roster"
	PushTypeError   PushType = "error"
)

// PushEvent is a wake-up frame sent over the push channel. Clients react by
// polling; the frame itself never carries signal contents.
type PushEvent struct {
	Type   PushType `json:"type"`
	RoomID string   `json:"roomId"`
	Error  string   `json:"error,omitempty"`
}

// DecodeDescription parses and validates an offer or answer payload.
func (s Signal) DecodeDescription() (DescriptionPayload, error) {
	var p DescriptionPayload
	if s.Kind != SignalKindOffer && s.Kind != SignalKindAnswer {
		return p, fmt.Errorf("signal %s is %q, not a description", s.ID, s.Kind)
	}
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", s.Kind, err)
	}
	if strings.TrimSpace(p.SDP) == "" {
		return p, fmt.Errorf("%s payload missing sdp", s.Kind)
	}
	if p.Type != string(s.Kind) {
		return p, fmt.Errorf("%s payload has type %q", s.Kind, p.Type)
	}
	return p, nil
}

// DecodeCandidate parses and validates a candidate payload.
func (s Signal) DecodeCandidate() (CandidatePayload, error) {
	var p CandidatePayload
	if s.Kind != SignalKindCandidate {
		return p, fmt.Errorf("signal %s is %q, not a candidate", s.ID, s.Kind)
	}
	if err := json.Unmarshal(s.Payload, &p); err != nil {
		return p, fmt.Errorf("decode candidate payload: %w", err)
	}
	if strings.TrimSpace(p.Candidate) == "" {
		return p, fmt.Errorf("candidate payload missing candidate")
	}
	return p, nil
}

// ValidatePayload checks that payload matches the schema for kind. An empty
// payload is accepted only for leave.
func ValidatePayload(kind SignalKind, payload json.RawMessage) error {
	if !kind.Valid() {
		return NewError(CodeInvalidSignal, fmt.Sprintf("unknown kind %q", kind))
	}
	s := Signal{Kind: kind, Payload: payload}
	var err error
	switch kind {
	case SignalKindOffer, SignalKindAnswer:
		_, err = s.DecodeDescription()
	case SignalKindCandidate:
		_, err = s.DecodeCandidate()
	case SignalKindLeave:
		if len(payload) > 0 && string(payload) != "null" {
			var p map[string]json.RawMessage
			if jerr := json.Unmarshal(payload, &p); jerr != nil {
				err = fmt.Errorf("decode leave payload: %w", jerr)
			} else if len(p) != 0 {
				err = fmt.Errorf("leave payload must be empty")
			}
		}
	}
	if err != nil {
		return NewError(CodeInvalidSignal, err.Error())
	}
	return nil
}
