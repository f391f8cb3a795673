package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/tradingiq/tradingview-client/interfaces"
	"github.com/tradingiq/tradingview-client/types"
	"go.uber.org/zap"
)

const testHello = `{"session_id":"<0.1.2>_test","timestamp":1700000000,"release":"test-release","protocol":"json"}`

// fakeServer speaks the framing protocol over a gorilla websocket.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader gorilla.Upgrader

	mu     sync.Mutex
	conn   *gorilla.Conn
	ready  chan struct{}
	frames chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:      t,
		ready:  make(chan struct{}),
		frames: make(chan string, 256),
		upgrader: gorilla.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fs.t.Errorf("upgrade failed: %v", err)
		return
	}
	if r.Header.Get("Origin") != TradingViewOrigin {
		fs.t.Errorf("Origin = %q, expected %q", r.Header.Get("Origin"), TradingViewOrigin)
	}

	fs.mu.Lock()
	fs.conn = conn
	fs.mu.Unlock()

	if err := conn.WriteMessage(gorilla.TextMessage, EncodeFrame([]byte(testHello))); err != nil {
		return
	}
	close(fs.ready)

	d := &Decoder{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, f := range d.Feed(data) {
			fs.frames <- string(f)
		}
	}
}

func (fs *fakeServer) send(raw string) {
	fs.t.Helper()
	<-fs.ready
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.conn.WriteMessage(gorilla.TextMessage, []byte(raw)); err != nil {
		fs.t.Fatalf("server write failed: %v", err)
	}
}

func (fs *fakeServer) sendFrame(payload string) {
	fs.t.Helper()
	fs.send(string(EncodeFrame([]byte(payload))))
}

func (fs *fakeServer) drop() {
	<-fs.ready
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.conn.Close()
}

func (fs *fakeServer) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return ""
	}
}

func connectTestClient(t *testing.T, fs *fakeServer, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithURL(fs.url()), WithPingInterval(0)}, opts...)
	c := NewClient(zap.NewNop(), opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestClient_ConnectHandshake(t *testing.T) {
	fs := newFakeServer(t)

	var connected int
	c := NewClient(zap.NewNop(), WithURL(fs.url()), WithPingInterval(0), WithCredentials(Credentials{AuthToken: "jwt-token"}))
	c.OnConnected(func() { connected++ })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if connected != 1 {
		t.Errorf("connected fired %d times, expected 1", connected)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if connected != 1 {
		t.Errorf("connected fired %d times after no-op Connect, expected 1", connected)
	}
	if got := c.Hello().Release; got != "test-release" {
		t.Errorf("Hello().Release = %q", got)
	}

	if got := fs.next(t); got != `{"m":"set_auth_token","p":["jwt-token"]}` {
		t.Errorf("first frame = %s", got)
	}
	if got := fs.next(t); got != `{"m":"set_locale","p":["en","US"]}` {
		t.Errorf("second frame = %s", got)
	}
}

func TestClient_SendPreservesOrder(t *testing.T) {
	fs := newFakeServer(t)
	c := connectTestClient(t, fs, WithRateLimit(4, time.Millisecond))
	fs.next(t)
	fs.next(t)

	for i := 0; i < 30; i++ {
		if err := c.Send("request_more_data", "cs_1", "$prices", i); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for i := 0; i < 30; i++ {
		p, err := types.NewPacket("request_more_data", "cs_1", "$prices", i)
		if err != nil {
			t.Fatal(err)
		}
		want, err := json.Marshal(p)
		if err != nil {
			t.Fatal(err)
		}
		if got := fs.next(t); got != string(want) {
			t.Fatalf("frame %d = %s, expected %s", i, got, want)
		}
	}
}

func TestClient_RateLimitPacesWrites(t *testing.T) {
	fs := newFakeServer(t)
	c := connectTestClient(t, fs, WithRateLimit(2, 40*time.Millisecond))
	// The handshake frames use up the initial burst.
	fs.next(t)
	fs.next(t)

	start := time.Now()
	for i := 0; i < 6; i++ {
		if err := c.Send("quote_add_symbols", "qs_1", i); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Send blocked for %s", elapsed)
	}

	for i := 0; i < 6; i++ {
		fs.next(t)
	}
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("6 frames written in %s, expected pacing at one per 40ms", elapsed)
	}
}

func TestClient_HeartbeatAndDispatch(t *testing.T) {
	fs := newFakeServer(t)
	c := connectTestClient(t, fs)
	fs.next(t)
	fs.next(t)

	packets := make(chan types.Packet, 8)
	c.OnFrame(func(p types.Packet) { packets <- p })
	go c.Stream()

	fs.sendFrame("~h~42")
	if got := fs.next(t); got != "~h~42" {
		t.Errorf("heartbeat reply = %q, expected ~h~42", got)
	}

	// two frames in one websocket message, the second without a method
	fs.send(string(EncodeFrame([]byte(`{"m":"du","p":["cs_1",{}]}`))) + string(EncodeFrame([]byte(`{"session_id":"again"}`))) + string(EncodeFrame([]byte(`{"m":"qsd","p":["qs_1",{}]}`))))

	for _, want := range []string{"du", "qsd"} {
		select {
		case p := <-packets:
			if p.Method != want {
				t.Errorf("method = %q, expected %q", p.Method, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	select {
	case p := <-packets:
		t.Errorf("unexpected packet %q", p.Method)
	default:
	}
}

func TestClient_ConnectionLoss(t *testing.T) {
	fs := newFakeServer(t)
	c := connectTestClient(t, fs)

	var mu sync.Mutex
	var errs []error
	disconnected := make(chan struct{}, 4)
	c.OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	c.OnDisconnected(func() { disconnected <- struct{}{} })

	streamErr := make(chan error, 1)
	go func() { streamErr <- c.Stream() }()

	fs.drop()

	select {
	case err := <-streamErr:
		var connErr *types.ConnectionError
		if !errors.As(err, &connErr) {
			t.Errorf("Stream() error = %v, expected ConnectionError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after connection loss")
	}

	<-disconnected
	select {
	case <-disconnected:
		t.Error("disconnected fired more than once")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	if len(errs) != 1 {
		t.Errorf("error fired %d times, expected 1", len(errs))
	}
	mu.Unlock()

	if err := c.Send("quote_create_session", "qs_1"); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Send after loss = %v, expected ErrNotConnected", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after loss")
	}
}

func TestClient_ProtocolErrorIsFatal(t *testing.T) {
	fs := newFakeServer(t)
	c := connectTestClient(t, fs)

	streamErr := make(chan error, 1)
	go func() { streamErr <- c.Stream() }()

	fs.sendFrame(`{"m":"protocol_error","p":["wrong data"]}`)

	select {
	case err := <-streamErr:
		var protoErr *types.ProtocolError
		if !errors.As(err, &protoErr) {
			t.Errorf("Stream() error = %v, expected ProtocolError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after protocol_error")
	}
}

func TestClient_DisconnectStopsStream(t *testing.T) {
	fs := newFakeServer(t)
	c := connectTestClient(t, fs)

	var disconnects int
	c.OnDisconnected(func() { disconnects++ })

	streamErr := make(chan error, 1)
	go func() { streamErr <- c.Stream() }()

	c.Disconnect()
	c.Disconnect()

	select {
	case err := <-streamErr:
		if err != nil {
			t.Errorf("Stream() after Disconnect = %v, expected nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after Disconnect")
	}
	if disconnects != 1 {
		t.Errorf("disconnected fired %d times, expected 1", disconnects)
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient(nil)

	if err := c.Send("set_locale", "en", "US"); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Send() = %v, expected ErrNotConnected", err)
	}
	if err := c.Stream(); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Stream() = %v, expected ErrNotConnected", err)
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := NewClient(zap.NewNop(), WithURL(url), WithHandshakeTimeout(time.Second))
	err := c.Connect(context.Background())

	var connErr *types.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect() = %v, expected ConnectionError", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.ConnectWithRetry(ctx, 3, time.Hour); err == nil {
		t.Error("ConnectWithRetry should fail against a closed server")
	}
}

// scriptedSocket is an in-memory Socket. Reads come from inbound; writes
// wait for writeGate and then return writeErr.
type scriptedSocket struct {
	inbound   chan []byte
	writeGate chan struct{}
	writeErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedSocket(writeErr error) *scriptedSocket {
	s := &scriptedSocket{
		inbound:   make(chan []byte, 16),
		writeGate: make(chan struct{}),
		writeErr:  writeErr,
		closed:    make(chan struct{}),
	}
	s.inbound <- EncodeFrame([]byte(testHello))
	return s
}

func (s *scriptedSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedSocket) Write(ctx context.Context, data []byte) error {
	select {
	case <-s.writeGate:
		return s.writeErr
	case <-s.closed:
		return errors.New("socket closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scriptedSocket) Ping(ctx context.Context) error { return nil }

func (s *scriptedSocket) Close(reason string) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type scriptedDialer struct {
	socket *scriptedSocket
}

func (d scriptedDialer) Dial(ctx context.Context, url string, header http.Header) (interfaces.Socket, error) {
	return d.socket, nil
}

func TestClient_StreamAfterDisconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := connectTestClient(t, fs)

	c.Disconnect()

	if err := c.Stream(); err != nil {
		t.Errorf("Stream() after Disconnect = %v, expected nil", err)
	}
}

func TestClient_StreamAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	c := connectTestClient(t, fs)
	fs.next(t)
	fs.next(t)

	fs.drop()
	_ = c.Send("quote_create_session", "qs_1")

	streamErr := make(chan error, 1)
	go func() { streamErr <- c.Stream() }()

	select {
	case err := <-streamErr:
		var connErr *types.ConnectionError
		if !errors.As(err, &connErr) {
			t.Errorf("Stream() error = %v, expected ConnectionError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after connection loss")
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after loss")
	}
}

func TestClient_WriteFailureReportedByStream(t *testing.T) {
	sock := newScriptedSocket(errors.New("broken pipe"))
	c := NewClient(zap.NewNop(), WithDialer(scriptedDialer{socket: sock}), WithPingInterval(0))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)

	// only the read loop touches events
	var events []string
	framed := make(chan struct{}, 1)
	c.OnFrame(func(p types.Packet) {
		events = append(events, p.Method)
		framed <- struct{}{}
	})
	c.OnError(func(err error) { events = append(events, "error") })
	c.OnDisconnected(func() { events = append(events, "disconnected") })

	streamErr := make(chan error, 1)
	go func() { streamErr <- c.Stream() }()

	sock.inbound <- EncodeFrame([]byte(`{"m":"du","p":["cs_1",{}]}`))
	select {
	case <-framed:
	case <-time.After(2 * time.Second):
		t.Fatal("frame not dispatched")
	}
	if err := c.Stream(); !errors.Is(err, types.ErrStreamRunning) {
		t.Errorf("second Stream() = %v, expected ErrStreamRunning", err)
	}

	close(sock.writeGate)

	select {
	case err := <-streamErr:
		var connErr *types.ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("Stream() error = %v, expected ConnectionError", err)
		}
		if !strings.Contains(err.Error(), "failed to write frame") {
			t.Errorf("Stream() error = %v, expected the write failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after write failure")
	}

	if got := strings.Join(events, ","); got != "du,error,disconnected" {
		t.Errorf("events = %s, expected du,error,disconnected", got)
	}
	if err := c.Send("quote_create_session", "qs_1"); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Send after failure = %v, expected ErrNotConnected", err)
	}
}

func TestClient_WriteFailureWithoutStream(t *testing.T) {
	sock := newScriptedSocket(errors.New("broken pipe"))
	close(sock.writeGate)

	c := NewClient(zap.NewNop(), WithDialer(scriptedDialer{socket: sock}), WithPingInterval(0))
	var errs []error
	disconnected := make(chan struct{})
	c.OnError(func(err error) { errs = append(errs, err) })
	c.OnDisconnected(func() { close(disconnected) })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Disconnect)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("write failure was not reported")
	}
	if len(errs) != 1 {
		t.Errorf("error fired %d times, expected 1", len(errs))
	}

	err := c.Stream()
	var connErr *types.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("Stream() after failure = %v, expected ConnectionError", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failure")
	}
}
