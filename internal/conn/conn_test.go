package conn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/streamsync/internal/bus"
	"github.com/basket/streamsync/internal/events"
)

type fakeSocket struct {
	inbound chan []byte
	writes  chan []byte
	done    chan struct{}
	once    sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		writes:  make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.done:
		return nil, errors.New("connection reset")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	s.writes <- data
	return nil
}

func (s *fakeSocket) Close(websocket.StatusCode, string) error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// drop severs the link from the server side.
func (s *fakeSocket) drop() {
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSocket) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-s.writes:
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func (s *fakeSocket) expectNoWrite(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case data := <-s.writes:
		t.Fatalf("unexpected outbound frame: %s", data)
	case <-time.After(within):
	}
}

type fixture struct {
	mgr   *Manager
	socks chan *fakeSocket
	dials chan struct{}
	now   time.Time
	nowMu sync.Mutex
}

func (fx *fixture) advance(d time.Duration) {
	fx.nowMu.Lock()
	fx.now = fx.now.Add(d)
	fx.nowMu.Unlock()
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	fx := &fixture{
		socks: make(chan *fakeSocket, 8),
		dials: make(chan struct{}, 8),
		now:   time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		URL:        "wss://gw.example.test/stream",
		AccountID:  "acct-1",
		SecureMode: SecureModeURL,
		Authorizer: StaticAuthorizer{Token: AccessToken{Token: "tok-1"}},
		Logger:     slog.New(slog.NewTextHandler(testWriter{t}, nil)),
		Dialer: func(ctx context.Context, urlStr string) (Socket, error) {
			sock := newFakeSocket()
			fx.socks <- sock
			fx.dials <- struct{}{}
			return sock, nil
		},
		Now: func() time.Time {
			fx.nowMu.Lock()
			defer fx.nowMu.Unlock()
			return fx.now
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	fx.mgr = New(cfg)
	t.Cleanup(fx.mgr.Disconnect)
	return fx
}

func (fx *fixture) connect(t *testing.T) *fakeSocket {
	t.Helper()
	if err := fx.mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v, want nil", err)
	}
	select {
	case sock := <-fx.socks:
		return sock
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func TestSubscribeDedupWithinThrottle(t *testing.T) {
	fx := newFixture(t, nil)
	sock := fx.connect(t)

	fx.mgr.Subscribe([]string{"a", "b"})
	frame := sock.nextWrite(t)
	if frame["type"] != "subscription" {
		t.Fatalf("frame type = %v, want subscription", frame["type"])
	}

	// Same set again inside the window: already active, nothing goes out.
	fx.mgr.Subscribe([]string{"a", "b"})
	sock.expectNoWrite(t, 50*time.Millisecond)
}

func TestResubscribeThrottledThenAllowed(t *testing.T) {
	fx := newFixture(t, nil)
	sock := fx.connect(t)

	fx.mgr.Subscribe([]string{"a"})
	sock.nextWrite(t)

	fx.mgr.Unsubscribe([]string{"a"})
	sock.nextWrite(t)

	// No longer active, but the identical set inside the throttle window
	// is still dropped.
	fx.mgr.Subscribe([]string{"a"})
	sock.expectNoWrite(t, 50*time.Millisecond)

	fx.advance(150 * time.Millisecond)
	fx.mgr.Subscribe([]string{"a"})
	frame := sock.nextWrite(t)
	sub := frame["subscription"].(map[string]any)
	if sub["mode"] != "s" {
		t.Fatalf("mode = %v, want s", sub["mode"])
	}
}

func TestSubscribeFiltersActiveChannels(t *testing.T) {
	fx := newFixture(t, nil)
	sock := fx.connect(t)

	fx.mgr.Subscribe([]string{"a"})
	sock.nextWrite(t)

	fx.advance(time.Second)
	fx.mgr.Subscribe([]string{"a", "c"})
	frame := sock.nextWrite(t)
	sub := frame["subscription"].(map[string]any)
	elements := sub["elements"].([]any)
	if len(elements) != 1 || elements[0] != "c" {
		t.Fatalf("elements = %v, want [c]", elements)
	}
}

func TestAckModeQueuesUntilSecured(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) { cfg.SecureMode = SecureModeAck })
	sock := fx.connect(t)

	auth := sock.nextWrite(t)
	if auth["type"] != "authenticate" {
		t.Fatalf("first frame type = %v, want authenticate", auth["type"])
	}
	if auth["token"] != "tok-1" {
		t.Fatalf("token = %v, want tok-1", auth["token"])
	}
	if fx.mgr.Secured() {
		t.Fatal("secured before ack")
	}

	fx.mgr.Subscribe([]string{"a"})
	fx.advance(time.Second)
	fx.mgr.Subscribe([]string{"b"})
	sock.expectNoWrite(t, 30*time.Millisecond)

	sock.inbound <- []byte(`{"type":"ack"}`)

	first := sock.nextWrite(t)
	second := sock.nextWrite(t)
	firstElems := first["subscription"].(map[string]any)["elements"].([]any)
	secondElems := second["subscription"].(map[string]any)["elements"].([]any)
	if firstElems[0] != "a" || secondElems[0] != "b" {
		t.Fatalf("flush order = %v, %v, want a then b", firstElems, secondElems)
	}
	if !fx.mgr.Secured() {
		t.Fatal("not secured after ack")
	}
}

func TestAckFrameNotForwarded(t *testing.T) {
	got := make(chan events.Frame, 8)
	fx := newFixture(t, func(cfg *Config) {
		cfg.SecureMode = SecureModeAck
		cfg.OnFrame = func(f events.Frame) { got <- f }
	})
	sock := fx.connect(t)
	sock.nextWrite(t)

	sock.inbound <- []byte(`{"type":"ack"}`)
	sock.inbound <- []byte(`{"type":"TASK_EVENT","data":{"id":"t-1"}}`)

	select {
	case f := <-got:
		if f.Type != "TASK_EVENT" {
			t.Fatalf("forwarded frame type = %q, want TASK_EVENT", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded frame")
	}
	select {
	case f := <-got:
		t.Fatalf("unexpected extra frame %+v", f)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestAckSwallowedInURLMode(t *testing.T) {
	got := make(chan events.Frame, 8)
	fx := newFixture(t, func(cfg *Config) {
		cfg.OnFrame = func(f events.Frame) { got <- f }
	})
	sock := fx.connect(t)

	// A stray ack on an already-secured socket is handshake traffic, not an
	// application frame.
	sock.inbound <- []byte(`{"type":"ack"}`)
	sock.inbound <- []byte(`{"type":"TASK_EVENT","data":{"id":"t-1"}}`)

	select {
	case f := <-got:
		if f.Type != "TASK_EVENT" {
			t.Fatalf("forwarded frame type = %q, want TASK_EVENT", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded frame")
	}
	if !fx.mgr.Secured() {
		t.Fatal("socket lost secured state on ack")
	}
}

func TestBase64FrameDecoded(t *testing.T) {
	got := make(chan events.Frame, 1)
	fx := newFixture(t, func(cfg *Config) {
		cfg.OnFrame = func(f events.Frame) { got <- f }
	})
	sock := fx.connect(t)

	raw := []byte(`{"type":"TASK_EVENT","data":{"id":"t-9"}}`)
	encoded := base64.StdEncoding.EncodeToString(raw)
	sock.inbound <- []byte(`"` + encoded + `"`)

	select {
	case f := <-got:
		if f.Type != "TASK_EVENT" || f.DataString("id") != "t-9" {
			t.Fatalf("decoded frame = %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded frame")
	}
}

func TestUndecodableFrameDropped(t *testing.T) {
	got := make(chan events.Frame, 1)
	fx := newFixture(t, func(cfg *Config) {
		cfg.OnFrame = func(f events.Frame) { got <- f }
	})
	sock := fx.connect(t)

	sock.inbound <- []byte("!!not json not base64!!")

	select {
	case f := <-got:
		t.Fatalf("garbage frame forwarded: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnectWaitsFullCooldown(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) { cfg.ReconnectCooldown = 120 * time.Millisecond })
	sock := fx.connect(t)
	<-fx.dials

	sock.drop()

	select {
	case <-fx.dials:
		t.Fatal("redialed before cooldown elapsed")
	case <-time.After(60 * time.Millisecond):
	}
	select {
	case <-fx.dials:
	case <-time.After(time.Second):
		t.Fatal("no reconnect after cooldown")
	}
	if !fx.mgr.IsOpen() {
		t.Fatal("manager not open after reconnect")
	}
}

func TestCloseClearsSubscriptions(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) { cfg.ReconnectCooldown = 20 * time.Millisecond })
	sock := fx.connect(t)
	<-fx.dials

	fx.mgr.Subscribe([]string{"a"})
	sock.nextWrite(t)
	if got := fx.mgr.ActiveChannels(); len(got) != 1 {
		t.Fatalf("ActiveChannels() = %v, want [a]", got)
	}

	sock.drop()
	select {
	case <-fx.dials:
	case <-time.After(time.Second):
		t.Fatal("no reconnect after close")
	}
	if got := fx.mgr.ActiveChannels(); len(got) != 0 {
		t.Fatalf("ActiveChannels() after close = %v, want empty", got)
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) { cfg.ReconnectCooldown = 30 * time.Millisecond })
	fx.connect(t)
	<-fx.dials

	fx.mgr.Disconnect()

	select {
	case <-fx.dials:
		t.Fatal("reconnect attempted after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}
	if fx.mgr.IsOpen() {
		t.Fatal("manager still open after Disconnect")
	}
}

func TestAuthFailureLogsOutNonGuest(t *testing.T) {
	logout := make(chan struct{}, 1)
	fx := newFixture(t, func(cfg *Config) {
		cfg.Authorizer = StaticAuthorizer{Err: errors.New("token expired")}
		cfg.Logout = func() { logout <- struct{}{} }
	})

	if err := fx.mgr.Connect(context.Background()); err == nil {
		t.Fatal("Connect() = nil, want error")
	}
	select {
	case <-logout:
	case <-time.After(time.Second):
		t.Fatal("logout not invoked")
	}
	select {
	case <-fx.dials:
		t.Fatal("dialed despite auth failure")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestAuthFailureGuestRetriesAfterCooldown(t *testing.T) {
	var mu sync.Mutex
	failing := true
	logoutCalled := false
	fx := newFixture(t, func(cfg *Config) {
		cfg.Guest = true
		cfg.ReconnectCooldown = 30 * time.Millisecond
		cfg.Logout = func() { logoutCalled = true }
		cfg.Authorizer = authorizerFunc(func(context.Context) (AccessToken, error) {
			mu.Lock()
			defer mu.Unlock()
			if failing {
				return AccessToken{}, errors.New("guest session invalid")
			}
			return AccessToken{Token: "tok-2", Guest: true}, nil
		})
	})

	if err := fx.mgr.Connect(context.Background()); err == nil {
		t.Fatal("Connect() = nil, want error")
	}
	if logoutCalled {
		t.Fatal("guest auth failure forced a logout")
	}

	mu.Lock()
	failing = false
	mu.Unlock()

	select {
	case <-fx.dials:
	case <-time.After(time.Second):
		t.Fatal("no retry after cooldown")
	}
}

type authorizerFunc func(context.Context) (AccessToken, error)

func (f authorizerFunc) Authorize(ctx context.Context) (AccessToken, error) { return f(ctx) }

func TestSendCommandRequiresSecured(t *testing.T) {
	fx := newFixture(t, func(cfg *Config) { cfg.SecureMode = SecureModeAck })
	sock := fx.connect(t)
	sock.nextWrite(t)

	if err := fx.mgr.SendCommand("resume_thread", map[string]any{"thread_id": "th-1"}); !errors.Is(err, ErrNotSecured) {
		t.Fatalf("SendCommand() = %v, want ErrNotSecured", err)
	}

	sock.inbound <- []byte(`{"type":"ack"}`)
	deadline := time.After(time.Second)
	for !fx.mgr.Secured() {
		select {
		case <-deadline:
			t.Fatal("never secured")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := fx.mgr.SendCommand("resume_thread", map[string]any{"thread_id": "th-1"}); err != nil {
		t.Fatalf("SendCommand() = %v, want nil", err)
	}
	frame := sock.nextWrite(t)
	if frame["command"] != "resume_thread" {
		t.Fatalf("command = %v, want resume_thread", frame["command"])
	}
}

func TestOverlappingConnectDialsOnce(t *testing.T) {
	var dialCount int32
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	fx := newFixture(t, func(cfg *Config) {
		inner := cfg.Dialer
		cfg.Dialer = func(ctx context.Context, urlStr string) (Socket, error) {
			atomic.AddInt32(&dialCount, 1)
			entered <- struct{}{}
			<-release
			return inner(ctx, urlStr)
		}
	})

	go func() {
		_ = fx.mgr.Connect(context.Background())
	}()
	<-entered

	// Second caller races the in-flight dial; it must back off, not open a
	// second socket.
	if err := fx.mgr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v, want nil", err)
	}

	close(release)
	select {
	case <-fx.socks:
	case <-time.After(time.Second):
		t.Fatal("first dial never completed")
	}
	select {
	case <-fx.socks:
		t.Fatal("overlapping Connect opened a second socket")
	case <-time.After(50 * time.Millisecond):
	}
	if n := atomic.LoadInt32(&dialCount); n != 1 {
		t.Fatalf("dial count = %d, want 1", n)
	}
}

func TestConnectPublishesBusTopics(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("conn.")
	defer b.Unsubscribe(sub)

	fx := newFixture(t, func(cfg *Config) { cfg.Bus = b })
	fx.connect(t)

	want := []string{bus.TopicConnOpened, bus.TopicConnSecured}
	for _, topic := range want {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != topic {
				t.Fatalf("topic = %q, want %q", ev.Topic, topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", topic)
		}
	}
}
