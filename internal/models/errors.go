package models

import (
	"errors"
	"strings"
)

// Error codes shared by the mailbox service, the HTTP API and the client.
const (
	CodeAuthRequired       = "AUTH_REQUIRED"
	CodeNotAllowed         = "NOT_ALLOWED"
	CodeNotInRoom          = "NOT_IN_ROOM"
	CodeRecipientNotInRoom = "RECIPIENT_NOT_IN_ROOM"
	CodeInvalidSignal      = "INVALID_SIGNAL"
	CodeSignalSendFailed   = "SIGNAL_SEND_FAILED"
	CodeSignalFetchFailed  = "SIGNAL_FETCH_FAILED"
	CodeSignalAckFailed    = "SIGNAL_ACK_FAILED"
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeRoomExpired        = "ROOM_EXPIRED"
	CodeRoomInactive       = "ROOM_INACTIVE"
	CodeRoomAtCapacity     = "ROOM_AT_CAPACITY"
	CodeInvalidRoomName    = "INVALID_ROOM_NAME"
	CodeInvalidCapacity    = "INVALID_CAPACITY"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInternal           = "INTERNAL"
)

// Error is a coded error rendered as "CODE: message".
type Error struct {
	Code    string
	Message string
}

// NewError builds a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code carried by err, or "" when err is not coded.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ParseError splits a "CODE: message" string. Strings without an upper-case
// code prefix come back with an empty code and the whole text as message.
func ParseError(s string) (code, message string) {
	idx := strings.Index(s, ": ")
	if idx <= 0 {
		return "", s
	}
	candidate := s[:idx]
	for _, r := range candidate {
		if (r < 'A' || r > 'Z') && r != '_' {
			return "", s
		}
	}
	return candidate, s[idx+2:]
}
