package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/meshcall/internal/models"
)

// Subscribe opens the push channel for roomID. The returned channel yields
// wake-ups until ctx ends or the connection drops, then closes.
func (c *Client) Subscribe(ctx context.Context, roomID string) (<-chan models.PushEvent, error) {
	wsURL, err := c.pushURL(roomID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Status: resp.StatusCode, Err: models.NewError(models.CodeNotAllowed, "push subscription rejected")}
		}
		return nil, err
	}

	events := make(chan models.PushEvent, 8)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.log.WithError(err).Debug("push channel closed")
				}
				return
			}
			var ev models.PushEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				c.log.WithError(err).Debug("ignoring malformed push frame")
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			default:
				// Consumer is behind; it will poll anyway.
			}
		}
	}()
	return events, nil
}

func (c *Client) pushURL(roomID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/rooms/" + url.PathEscape(roomID)
	return u.String(), nil
}
