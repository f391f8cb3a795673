package websocket

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/tradingiq/tradingview-client/interfaces"
)

// MaxMessageSize is the read limit applied to every dialed connection.
const MaxMessageSize = 32 << 20

// CoderDialer dials sockets with github.com/coder/websocket.
type CoderDialer struct {
	HTTPClient *http.Client
}

func (d CoderDialer) Dial(ctx context.Context, url string, header http.Header) (interfaces.Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(MaxMessageSize)
	return &coderSocket{conn: conn}, nil
}

type coderSocket struct {
	conn *websocket.Conn
}

func (s *coderSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

func (s *coderSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *coderSocket) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *coderSocket) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}
