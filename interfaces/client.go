package interfaces

import (
	"context"
	"net/http"

	"github.com/tradingiq/tradingview-client/types"
)

// Sender is the only path from a session to the wire.
type Sender interface {
	// Send enqueues one frame and never blocks on the network.
	Send(method string, params ...any) error
}

// Transport owns the single socket shared by every session.
type Transport interface {
	Sender

	Connect(ctx context.Context) error

	Stream() error

	Disconnect()

	IsConnected() bool

	// OnFrame installs the dispatch point; a later call replaces the earlier handler.
	OnFrame(handler func(types.Packet))

	OnConnected(fn func())

	OnDisconnected(fn func())

	OnError(fn func(error))
}

// Socket is a connected full-duplex message socket. Write and Ping must be
// safe to call concurrently with Read.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)

	Write(ctx context.Context, data []byte) error

	Ping(ctx context.Context) error

	Close(reason string) error
}

// Dialer opens sockets; the default implementation uses coder/websocket.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// IndicatorResolver turns an indicator reference into an attachable indicator,
// fetching script body and token for scripted ones.
type IndicatorResolver interface {
	Resolve(ctx context.Context, id, version string) (types.Indicator, error)
}
