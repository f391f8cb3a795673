package tradingview

import (
	"context"
	"sync"
	"time"

	"github.com/tradingiq/tradingview-client/session"
	"github.com/tradingiq/tradingview-client/types"
	"github.com/tradingiq/tradingview-client/websocket"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Client multiplexes chart, quote and study sessions over one TradingView
// socket. Run Stream in its own goroutine after Connect; all session
// callbacks are invoked from that goroutine.
type Client struct {
	transport *websocket.Client
	registry  *session.Registry
	router    *session.Router
	logger    *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription
}

func NewClient(logger *zap.Logger, opts ...websocket.ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := session.NewRegistry(logger)
	c := &Client{
		transport:     websocket.NewClient(logger, opts...),
		registry:      registry,
		router:        session.NewRouter(registry, logger),
		logger:        logger,
		subscriptions: make(map[string]*subscription),
	}

	c.transport.OnFrame(c.router.Handle)
	c.transport.OnError(func(err error) {
		c.registry.DisconnectAll(err)
		c.dropSubscriptions()
	})
	c.transport.OnDisconnected(func() {
		c.registry.DisconnectAll(nil)
		c.dropSubscriptions()
	})
	return c
}

var _ FeedClient = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// ConnectWithRetry redials until connected. Sessions lost with the previous
// connection are not recreated.
func (c *Client) ConnectWithRetry(ctx context.Context, maxAttempts int, delay time.Duration) error {
	return c.transport.ConnectWithRetry(ctx, maxAttempts, delay)
}

func (c *Client) Stream() error {
	return c.transport.Stream()
}

// Disconnect closes the socket; every session becomes terminal.
func (c *Client) Disconnect() {
	c.transport.Disconnect()
}

// Close deletes every session, then disconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	c.subscriptions = make(map[string]*subscription)
	c.mu.Unlock()

	err := c.registry.DeleteAll()
	c.transport.Disconnect()
	return err
}

func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

func (c *Client) Hello() types.ServerHello {
	return c.transport.Hello()
}

func (c *Client) OnConnected(fn func()) {
	c.transport.OnConnected(fn)
}

func (c *Client) OnDisconnected(fn func()) {
	c.transport.OnDisconnected(fn)
}

// OnError receives transport failures, each already wrapped in *types.ConnectionError.
func (c *Client) OnError(fn func(error)) {
	c.transport.OnError(fn)
}

func (c *Client) NewChart() (*session.Chart, error) {
	return session.NewChart(c.transport, c.registry, c.logger)
}

func (c *Client) NewQuote(opts ...session.QuoteOption) (*session.Quote, error) {
	return session.NewQuote(c.transport, c.registry, c.logger, opts...)
}

// Sessions lists the live sessions in creation order.
func (c *Client) Sessions() []session.Info {
	return c.registry.Sessions()
}

// DeleteSessions deletes every live session but keeps the connection.
func (c *Client) DeleteSessions() error {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = make(map[string]*subscription)
	c.mu.Unlock()

	var errs error
	for _, sub := range subs {
		errs = multierr.Append(errs, sub.session.Delete())
	}
	return multierr.Append(errs, c.registry.DeleteAll())
}
