// Package client talks to the signal mailbox over HTTP and websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/internal/models"
)

// StatusError is a non-2xx response from the mailbox server.
type StatusError struct {
	Status int
	Err    *models.Error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Err.Error(), e.Status)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Client is an authenticated mailbox client for one user. It satisfies the
// mailbox and roster contracts consumed by the mesh session.
type Client struct {
	baseURL string
	http    *http.Client
	log     logrus.FieldLogger
	retry   RetryPolicy

	token  string
	userID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) { c.log = log }
}

// WithRetry overrides the retry policy for sends and acknowledgements.
func WithRetry(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// New creates an unauthenticated client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     logrus.StandardLogger(),
		retry:   DefaultRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserID returns the id assigned at login.
func (c *Client) UserID() string {
	return c.userID
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login authenticates as username and stores the token.
func (c *Client) Login(ctx context.Context, username string) error {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{"username": username}, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.token = resp.Token
	c.userID = resp.UserID
	return nil
}

// CreateRoom creates a room; the caller joins it as host.
func (c *Client) CreateRoom(ctx context.Context, name string, maxParticipants int) (models.CreateRoomResponse, error) {
	var resp models.CreateRoomResponse
	err := c.do(ctx, http.MethodPost, "/api/rooms", models.CreateRoomRequest{Name: name, MaxParticipants: maxParticipants}, &resp)
	return resp, err
}

// GetRoom resolves a room id or share code.
func (c *Client) GetRoom(ctx context.Context, room string) (models.RoomView, error) {
	var resp models.RoomView
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(room), nil, &resp)
	return resp, err
}

// JoinRoom joins the room and returns the membership record.
func (c *Client) JoinRoom(ctx context.Context, room string) (models.Participant, error) {
	var resp models.Participant
	err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(room)+"/join", nil, &resp)
	return resp, err
}

// LeaveRoom leaves the room.
func (c *Client) LeaveRoom(ctx context.Context, room string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(room)+"/leave", nil, nil)
}

// Participants returns the user ids currently in the room.
func (c *Client) Participants(ctx context.Context, roomID string) ([]string, error) {
	var members []models.Participant
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/participants", nil, &members); err != nil {
		return nil, err
	}
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids, nil
}

// SendSignal posts a signal, retrying transient failures.
func (c *Client) SendSignal(ctx context.Context, roomID, fromID, toID string, kind models.SignalKind, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	req := models.SendSignalRequest{FromID: fromID, ToID: toID, Kind: kind, Payload: raw}

	var resp models.SendSignalResponse
	err = Retry(ctx, c.retry, c.log, "send "+string(kind), func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/signals", req, &resp)
	})
	return resp.SignalID, err
}

// GetSignals fetches the caller's inbox. Polling is its own retry loop, so
// failures are returned as is.
func (c *Client) GetSignals(ctx context.Context, roomID, forUserID string) ([]models.Signal, error) {
	var signals []models.Signal
	path := "/api/rooms/" + url.PathEscape(roomID) + "/signals?for=" + url.QueryEscape(forUserID)
	if err := c.do(ctx, http.MethodGet, path, nil, &signals); err != nil {
		return nil, err
	}
	return signals, nil
}

// AcknowledgeSignals acknowledges processed signals, retrying transient
// failures.
func (c *Client) AcknowledgeSignals(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	req := models.AckSignalsRequest{SignalIDs: ids}
	return Retry(ctx, c.retry, c.log, "ack", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/signals/ack", req, nil)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.Unmarshal(body, &payload)

	code, message := models.ParseError(payload.Error)
	if code == "" {
		code = payload.Code
	}
	if code == "" {
		code = models.CodeInternal
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &StatusError{Status: status, Err: models.NewError(code, message)}
}
