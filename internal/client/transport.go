package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"carechat/internal/models"
)

const writeWait = 10 * time.Second

// WebsocketTransport dials the server's /ws endpoint with a bearer token.
type WebsocketTransport struct {
	URL    string
	Dialer *websocket.Dialer
}

func NewWebsocketTransport(url string) *WebsocketTransport {
	return &WebsocketTransport{URL: url, Dialer: websocket.DefaultDialer}
}

func (t *WebsocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := t.Dialer.DialContext(ctx, t.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
	once sync.Once
}

func (c *wsConn) WriteEnvelope(env models.Envelope) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *wsConn) ReadEnvelope() (models.Envelope, error) {
	var env models.Envelope
	err := c.conn.ReadJSON(&env)
	return env, err
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}
