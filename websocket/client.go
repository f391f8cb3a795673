package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/types"

	"go.uber.org/zap"
)

const (
	DefaultServer      = "data"
	TradingViewOrigin  = "https://www.tradingview.com"
	AnonymousAuthToken = "unauthorized_user_token"

	PingInterval     = 3 * time.Minute
	PingTimeout      = 5 * time.Second
	HandshakeTimeout = 10 * time.Second
	WriteTimeout     = 10 * time.Second

	DefaultMaxReconnectAttempts = 0
	DefaultReconnectDelay       = 15 * time.Second
)

// ServerURL returns the chart socket endpoint of a TradingView data server.
func ServerURL(server string) string {
	return fmt.Sprintf("wss://%s.tradingview.com/socket.io/websocket?type=chart", server)
}

// Credentials are presented once per connection. AuthToken is sent with
// set_auth_token; SessionID and Signature travel as cookies on the upgrade.
type Credentials struct {
	AuthToken string
	SessionID string
	Signature string
}

// Client is the transport: one socket, a FIFO outbox drained by a writer
// goroutine, and a read loop (Stream) that answers heartbeats and hands every
// other packet to the single frame handler.
type Client struct {
	url              string
	dialer           interfaces.Dialer
	credentials      Credentials
	language         string
	country          string
	pingInterval     time.Duration
	handshakeTimeout time.Duration
	logger           *zap.Logger

	mu    sync.RWMutex
	link  *link
	hello types.ServerHello

	rateBurst int
	rateEvery time.Duration

	handlerMu      sync.RWMutex
	frameHandler   func(types.Packet)
	onConnected    []func()
	onDisconnected []func()
	onError        []func(error)
}

// link is one connection. Once ended its cause is fixed: nil after
// Disconnect, a *types.ConnectionError after a failure.
type link struct {
	conn    interfaces.Socket
	out     *outbox
	decoder *Decoder
	pending [][]byte
	ctx     context.Context
	cancel  context.CancelFunc

	streaming bool
	broken    *types.ConnectionError
	ended     bool
	cause     error
}

// usable reports whether frames may still be queued on l.
func (l *link) usable() bool {
	return l != nil && !l.ended && l.broken == nil
}

type ClientOption func(*Client)

func WithServer(server string) ClientOption {
	return func(c *Client) {
		c.url = ServerURL(server)
	}
}

func WithURL(url string) ClientOption {
	return func(c *Client) {
		c.url = url
	}
}

func WithCredentials(creds Credentials) ClientOption {
	return func(c *Client) {
		c.credentials = creds
	}
}

func WithLocale(language, country string) ClientOption {
	return func(c *Client) {
		c.language = language
		c.country = country
	}
}

func WithDialer(d interfaces.Dialer) ClientOption {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithRateLimit paces outbound frames to burst frames, refilled one per every.
// Pacing happens on the writer goroutine; Send never waits for a token.
func WithRateLimit(burst int, every time.Duration) ClientOption {
	return func(c *Client) {
		c.rateBurst = burst
		c.rateEvery = every
	}
}

func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = d
	}
}

func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

func NewClient(logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:              ServerURL(DefaultServer),
		dialer:           CoderDialer{},
		language:         "en",
		country:          "US",
		pingInterval:     PingInterval,
		handshakeTimeout: HandshakeTimeout,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ interfaces.Transport = (*Client)(nil)

func (c *Client) OnFrame(handler func(types.Packet)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.frameHandler = handler
}

func (c *Client) OnConnected(fn func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

func (c *Client) OnDisconnected(fn func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnected = append(c.onDisconnected, fn)
}

func (c *Client) OnError(fn func(error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onError = append(c.onError, fn)
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link.usable()
}

// Hello returns the server hello of the current connection.
func (c *Client) Hello() types.ServerHello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello
}

func (c *Client) header() http.Header {
	h := http.Header{}
	h.Set("Origin", TradingViewOrigin)
	if c.credentials.SessionID != "" {
		cookie := "sessionid=" + c.credentials.SessionID
		if c.credentials.Signature != "" {
			cookie += ";sessionid_sign=" + c.credentials.Signature
		}
		h.Set("Cookie", cookie)
	}
	return h
}

// Connect dials, waits for the server hello and queues the auth frames. It
// returns a *types.ConnectionError on failure and is a no-op when connected.
func (c *Client) Connect(ctx context.Context) error {
	connected, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if connected {
		c.emitConnected()
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != nil && !c.link.ended {
		return false, nil
	}

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer handshakeCancel()

	conn, err := c.dialer.Dial(handshakeCtx, c.url, c.header())
	if err != nil {
		return false, &types.ConnectionError{Err: fmt.Errorf("failed to connect to websocket: %w", err)}
	}

	decoder := &Decoder{}
	hello, pending, err := c.awaitHello(handshakeCtx, conn, decoder)
	if err != nil {
		conn.Close("handshake failed")
		return false, &types.ConnectionError{Err: err}
	}

	linkCtx, linkCancel := context.WithCancel(context.Background())
	l := &link{
		conn:    conn,
		out:     newOutbox(),
		decoder: decoder,
		pending: pending,
		ctx:     linkCtx,
		cancel:  linkCancel,
	}
	c.link = l
	c.hello = hello

	token := c.credentials.AuthToken
	if token == "" {
		token = AnonymousAuthToken
	}
	if err := c.enqueueLocked(l, "set_auth_token", token); err != nil {
		c.logger.Error("Failed to queue auth token", zap.Error(err))
	}
	if err := c.enqueueLocked(l, "set_locale", c.language, c.country); err != nil {
		c.logger.Error("Failed to queue locale", zap.Error(err))
	}

	var limiter chan struct{}
	if c.rateBurst > 0 && c.rateEvery > 0 {
		limiter = make(chan struct{}, c.rateBurst)
		for i := 0; i < c.rateBurst; i++ {
			limiter <- struct{}{}
		}
		go c.refillRateLimiter(linkCtx, limiter)
	}

	go c.writeLoop(l, limiter)
	if c.pingInterval > 0 {
		go c.handlePing(l)
	}

	c.logger.Info("Connected to TradingView WebSocket",
		zap.String("url", c.url),
		zap.String("server_session", hello.SessionID),
		zap.String("release", hello.Release),
	)
	return true, nil
}

// awaitHello reads until the first non-heartbeat payload. Payloads decoded
// after it are returned for Stream to dispatch.
func (c *Client) awaitHello(ctx context.Context, conn interfaces.Socket, decoder *Decoder) (types.ServerHello, [][]byte, error) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return types.ServerHello{}, nil, fmt.Errorf("failed to read server hello: %w", err)
		}

		payloads := decoder.Feed(data)
		for i, payload := range payloads {
			if IsHeartbeat(payload) {
				if err := conn.Write(ctx, EncodeFrame(payload)); err != nil {
					return types.ServerHello{}, nil, fmt.Errorf("failed to answer heartbeat: %w", err)
				}
				continue
			}

			var hello types.ServerHello
			if err := json.Unmarshal(payload, &hello); err != nil {
				return types.ServerHello{}, nil, fmt.Errorf("failed to decode server hello: %w", err)
			}
			return hello, payloads[i+1:], nil
		}
	}
}

// Disconnect closes the socket. Sessions learn about it through OnDisconnected
// and a running Stream returns nil.
func (c *Client) Disconnect() {
	c.mu.Lock()
	l := c.link
	if l == nil || l.ended {
		c.mu.Unlock()
		return
	}
	c.endLocked(l, nil)
	c.mu.Unlock()

	if err := l.conn.Close("client disconnect"); err != nil {
		c.logger.Debug("Close returned error", zap.Error(err))
	}
	c.logger.Info("Disconnected from TradingView WebSocket")
	c.emitDisconnected()
}

func (c *Client) endLocked(l *link, cause error) {
	l.ended = true
	l.cause = cause
	l.pending = nil
	l.cancel()
}

// fail ends l on the read loop and returns the cause Stream reports. A link
// that already ended keeps its first cause.
func (c *Client) fail(l *link, err error) error {
	c.mu.Lock()
	if l.ended {
		c.mu.Unlock()
		return l.cause
	}
	connErr := l.broken
	if connErr == nil {
		connErr = asConnectionError(err)
	}
	c.endLocked(l, connErr)
	c.mu.Unlock()

	c.report(l, connErr)
	return connErr
}

// abort handles a failure seen by the writer or the pinger. While Stream
// runs it only records the cause and closes the socket, so the failure is
// reported from the read loop. Without a Stream the link ends here.
func (c *Client) abort(l *link, err error) {
	connErr := asConnectionError(err)

	c.mu.Lock()
	if l.ended || l.broken != nil {
		c.mu.Unlock()
		return
	}
	if l.streaming {
		l.broken = connErr
		l.cancel()
		c.mu.Unlock()

		c.logger.Debug("Connection broken, waiting for read loop", zap.Error(err))
		if err := l.conn.Close("connection failed"); err != nil {
			c.logger.Debug("Close returned error", zap.Error(err))
		}
		return
	}
	c.endLocked(l, connErr)
	c.mu.Unlock()

	c.report(l, connErr)
}

func (c *Client) report(l *link, connErr *types.ConnectionError) {
	if err := l.conn.Close("connection failed"); err != nil {
		c.logger.Debug("Close returned error", zap.Error(err))
	}
	c.logger.Error("Connection lost", zap.Error(connErr))
	c.emitError(connErr)
	c.emitDisconnected()
}

func asConnectionError(err error) *types.ConnectionError {
	if connErr, ok := err.(*types.ConnectionError); ok {
		return connErr
	}
	return &types.ConnectionError{Err: err}
}

// ConnectWithRetry retries Connect until it succeeds, attempts run out
// (0 means unlimited) or ctx ends. It never resubscribes sessions.
func (c *Client) ConnectWithRetry(ctx context.Context, maxAttempts int, delay time.Duration) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts || maxAttempts == 0; attempt++ {
		c.logger.Info("Attempting to connect", zap.Int("attempt", attempt), zap.Int("maxAttempts", maxAttempts))

		err := c.Connect(ctx)
		if err == nil {
			c.logger.Info("Successfully connected", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		c.logger.Error("Connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == maxAttempts {
			break
		}

		c.logger.Info("Waiting before next reconnect attempt", zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, lastErr)
}

// Send encodes {m: method, p: params} and appends it to the outbox. Frames
// leave the socket in Send call order across all callers.
func (c *Client) Send(method string, params ...any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.link.usable() {
		return types.ErrNotConnected
	}
	return c.enqueueLocked(c.link, method, params...)
}

func (c *Client) enqueueLocked(l *link, method string, params ...any) error {
	packet, err := types.NewPacket(method, params...)
	if err != nil {
		return err
	}
	frame, err := EncodePacket(packet)
	if err != nil {
		return err
	}
	l.out.push(frame)
	c.logger.Debug("Queued frame", zap.String("method", method))
	return nil
}

// Stream runs the read loop until the connection ends. It returns nil after
// Disconnect and a *types.ConnectionError after a transport failure, also
// when the connection ended before Stream was called. Failure notifications
// are delivered from this goroutine.
func (c *Client) Stream() error {
	c.mu.Lock()
	l := c.link
	switch {
	case l == nil:
		c.mu.Unlock()
		return types.ErrNotConnected
	case l.ended:
		c.mu.Unlock()
		return l.cause
	case l.streaming:
		c.mu.Unlock()
		return types.ErrStreamRunning
	}
	l.streaming = true
	pending := l.pending
	l.pending = nil
	c.mu.Unlock()

	for _, payload := range pending {
		if err := c.dispatch(l, payload); err != nil {
			return c.fail(l, err)
		}
	}

	for {
		if err := l.ctx.Err(); err != nil {
			return c.fail(l, err)
		}

		data, err := l.conn.Read(l.ctx)
		if err != nil {
			return c.fail(l, err)
		}

		for _, payload := range l.decoder.Feed(data) {
			if err := c.dispatch(l, payload); err != nil {
				return c.fail(l, err)
			}
		}
	}
}

func (c *Client) dispatch(l *link, payload []byte) error {
	if IsHeartbeat(payload) {
		writeCtx, cancel := context.WithTimeout(l.ctx, WriteTimeout)
		defer cancel()
		if err := l.conn.Write(writeCtx, EncodeFrame(payload)); err != nil {
			return &types.ConnectionError{Err: fmt.Errorf("failed to answer heartbeat: %w", err)}
		}
		c.logger.Debug("Answered heartbeat", zap.ByteString("beat", payload))
		return nil
	}

	var packet types.Packet
	if err := json.Unmarshal(payload, &packet); err != nil {
		c.logger.Debug("Received unparsable frame", zap.ByteString("payload", payload), zap.Error(err))
		return nil
	}
	if packet.Method == "" {
		c.logger.Debug("Received packet without method", zap.ByteString("payload", payload))
		return nil
	}
	if packet.Method == "protocol_error" {
		return &types.ConnectionError{Err: &types.ProtocolError{Method: packet.Method, Detail: packet.Detail(0)}}
	}

	c.handlerMu.RLock()
	handler := c.frameHandler
	c.handlerMu.RUnlock()

	if handler == nil {
		c.logger.Debug("No frame handler installed", zap.String("method", packet.Method))
		return nil
	}
	handler(packet)
	return nil
}

func (c *Client) writeLoop(l *link, limiter chan struct{}) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.out.wake:
		}

		for {
			frame, ok := l.out.pop()
			if !ok {
				break
			}
			if !acquireRateLimit(l.ctx, limiter) {
				return
			}

			writeCtx, cancel := context.WithTimeout(l.ctx, WriteTimeout)
			err := l.conn.Write(writeCtx, frame)
			cancel()
			if err != nil {
				if l.ctx.Err() == nil {
					c.abort(l, fmt.Errorf("failed to write frame: %w", err))
				}
				return
			}
		}
	}
}

func (c *Client) refillRateLimiter(ctx context.Context, limiter chan struct{}) {
	ticker := time.NewTicker(c.rateEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case limiter <- struct{}{}:
			default:
			}
		}
	}
}

func acquireRateLimit(ctx context.Context, limiter chan struct{}) bool {
	if limiter == nil {
		return true
	}
	select {
	case <-limiter:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) handlePing(l *link) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(l.ctx, PingTimeout)
			err := l.conn.Ping(pingCtx)
			cancel()
			if err != nil && l.ctx.Err() == nil {
				c.logger.Error("Failed to send ping", zap.Error(err))
				c.abort(l, fmt.Errorf("ping failed: %w", err))
				return
			}
		}
	}
}

func (c *Client) emitConnected() {
	c.handlerMu.RLock()
	fns := append([]func(){}, c.onConnected...)
	c.handlerMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) emitDisconnected() {
	c.handlerMu.RLock()
	fns := append([]func(){}, c.onDisconnected...)
	c.handlerMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Client) emitError(err error) {
	c.handlerMu.RLock()
	fns := append([]func(error){}, c.onError...)
	c.handlerMu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

// outbox is an unbounded FIFO so Send never blocks on a slow socket.
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(frame []byte) {
	o.mu.Lock()
	o.frames = append(o.frames, frame)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return nil, false
	}
	frame := o.frames[0]
	o.frames[0] = nil
	o.frames = o.frames[1:]
	return frame, true
}
