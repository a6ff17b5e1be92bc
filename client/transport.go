package client

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
)

// Conn is a single live full-duplex text-message connection to the
// server for one open document.
type Conn interface {
	// ReadMessage blocks until the next text frame arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one text frame.
	WriteMessage(data []byte) error

	// Close tears the connection down; a blocked ReadMessage returns
	// with an error.
	Close() error
}

// Dialer opens connections; the engine owns when and how often it is
// invoked.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials the pad server's document socket endpoint using
// gorilla/websocket.
type WebSocketDialer struct {
	// URL is the full socket endpoint, e.g.
	// "ws://host:port/api/socket/<document-id>".
	URL string

	// Header carries extra handshake headers, such as the trusted
	// gateway's authenticated-email header. Optional.
	Header http.Header

	// Dialer overrides the underlying websocket dialer. Optional.
	Dialer *websocket.Dialer
}

var _ Dialer = (*WebSocketDialer)(nil)

// Dial opens the WebSocket connection.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	wsd := d.Dialer
	if wsd == nil {
		wsd = websocket.DefaultDialer
	}
	c, resp, err := wsd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, kiterr.E(kiterr.Op("client.Dial"), kiterr.Component("client/transport"), kiterr.KindTransport, err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, kiterr.E(kiterr.Op("client.ReadMessage"), kiterr.Component("client/transport"), kiterr.KindTransport, err)
		}
		// Non-text frames are ignored, matching the server.
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	if err := w.c.WriteMessage(websocket.TextMessage, data); err != nil {
		return kiterr.E(kiterr.Op("client.WriteMessage"), kiterr.Component("client/transport"), kiterr.KindTransport, err)
	}
	return nil
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
