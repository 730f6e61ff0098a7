package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/meshcall/internal/handlers"
	"github.com/mossy-p/meshcall/internal/logging"
	"github.com/mossy-p/meshcall/internal/mailbox"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := logging.Discard()
	svc := mailbox.NewService(store.NewMemory(), mailbox.Options{Logger: log})
	router := handlers.NewRouter(handlers.New(svc, log), handlers.RouterConfig{JWTSecret: "test"})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, user string) *Client {
	t.Helper()
	c := New(srv.URL, WithLogger(logging.Discard()), WithRetry(RetryPolicy{Attempts: 2, Backoff: time.Millisecond}))
	require.NoError(t, c.Login(context.Background(), user))
	require.Equal(t, user, c.UserID())
	return c
}

func TestClientMailboxFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")

	room, err := alice.CreateRoom(ctx, "consult", 4)
	require.NoError(t, err)
	_, err = bob.JoinRoom(ctx, room.Code)
	require.NoError(t, err)

	ids, err := alice.Participants(ctx, room.RoomID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)

	mid := "0"
	_, err = alice.SendSignal(ctx, room.RoomID, "alice", "bob", models.SignalKindCandidate,
		models.CandidatePayload{Candidate: "candidate:1 1 udp 1 10.0.0.1 4000 typ host", SDPMid: &mid})
	require.NoError(t, err)

	signals, err := bob.GetSignals(ctx, room.RoomID, "bob")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	p, err := signals[0].DecodeCandidate()
	require.NoError(t, err)
	assert.Equal(t, "0", *p.SDPMid)

	require.NoError(t, bob.AcknowledgeSignals(ctx, []string{signals[0].ID}))
	signals, err = bob.GetSignals(ctx, room.RoomID, "bob")
	require.NoError(t, err)
	assert.Empty(t, signals)

	require.NoError(t, bob.LeaveRoom(ctx, room.RoomID))
	_, err = alice.SendSignal(ctx, room.RoomID, "alice", "bob", models.SignalKindLeave, models.LeavePayload{})
	require.Error(t, err)
	assert.Equal(t, models.CodeRecipientNotInRoom, models.CodeOf(err))
	assert.False(t, IsTransient(err), "membership errors are permanent")
}

func TestRetryTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"SIGNAL_ACK_FAILED: Unable to acknowledge signals","code":"SIGNAL_ACK_FAILED"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, WithLogger(logging.Discard()), WithRetry(RetryPolicy{Attempts: 3, Backoff: time.Millisecond}))
	require.NoError(t, c.AcknowledgeSignals(context.Background(), []string{"x"}))
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	c = New(srv.URL, WithLogger(logging.Discard()), WithRetry(RetryPolicy{Attempts: 2, Backoff: time.Millisecond}))
	err := c.AcknowledgeSignals(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, models.CodeSignalAckFailed, models.CodeOf(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Backoff: time.Millisecond}, logging.Discard(), "op",
		func(context.Context) error {
			calls++
			return &StatusError{Status: http.StatusForbidden, Err: models.NewError(models.CodeNotInRoom, "no")}
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryPolicy{Attempts: 3, Backoff: time.Hour}, logging.Discard(), "op",
		func(context.Context) error {
			return &StatusError{Status: 503, Err: models.NewError(models.CodeInternal, "x")}
		})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSubscribe(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")
	room, err := alice.CreateRoom(ctx, "push", 0)
	require.NoError(t, err)
	_, err = bob.JoinRoom(ctx, room.RoomID)
	require.NoError(t, err)

	events, err := bob.Subscribe(ctx, room.RoomID)
	require.NoError(t, err)

	next := func() models.PushEvent {
		select {
		case ev, ok := <-events:
			require.True(t, ok)
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for push event")
		}
		return models.PushEvent{}
	}
	assert.Equal(t, models.PushTypeSignals, next().Type)

	_, err = alice.SendSignal(ctx, room.RoomID, "alice", "bob", models.SignalKindLeave, models.LeavePayload{})
	require.NoError(t, err)
	assert.Equal(t, models.PushTypeSignals, next().Type)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	outsider := login(t, srv, "mallory")
	_, err = outsider.Subscribe(context.Background(), room.RoomID)
	require.Error(t, err)
}
