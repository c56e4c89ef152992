// Package conn owns one WebSocket's lifecycle against the agent-execution
// gateway: connect and authenticate, subscribe with queueing and throttling
// while unsecured, decode inbound frames, and reconnect after a fixed
// cooldown when the link drops.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/basket/streamsync/internal/bus"
	"github.com/basket/streamsync/internal/events"
	"github.com/basket/streamsync/internal/otel"
	"github.com/basket/streamsync/internal/shared"
)

// Handshake variants. In url mode the token rides the dial URL and the
// socket is secured immediately; in ack mode an authenticate frame goes out
// and the socket secures on the server's ack.
const (
	SecureModeURL = "url"
	SecureModeAck = "ack"
)

const (
	defaultReconnectCooldown = 5 * time.Second
	defaultSubscribeThrottle = 100 * time.Millisecond
	subscriptionTypeList     = "l"
)

// ErrNotSecured is returned when a command is sent before the handshake
// completes.
var ErrNotSecured = errors.New("conn: socket not secured")

// Socket is the minimal transport surface, satisfied by coder/websocket
// and by test fakes.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Socket. Tests substitute fakes.
type Dialer func(ctx context.Context, urlStr string) (Socket, error)

type wsSocket struct {
	c *websocket.Conn
}

func (s wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.c.Read(ctx)
	return data, err
}

func (s wsSocket) Write(ctx context.Context, data []byte) error {
	return s.c.Write(ctx, websocket.MessageText, data)
}

func (s wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.c.Close(code, reason)
}

func dialWebSocket(ctx context.Context, urlStr string) (Socket, error) {
	c, _, err := websocket.Dial(ctx, urlStr, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(1 << 22)
	return wsSocket{c: c}, nil
}

// Config holds the manager's dependencies.
type Config struct {
	URL        string
	AccountID  string
	SecureMode string

	ReconnectCooldown time.Duration
	SubscribeThrottle time.Duration

	Authorizer Authorizer
	// Guest marks the whole session as anonymous: auth failures are
	// abandoned and retried instead of forcing a logout.
	Guest bool
	// Logout is the application-level hard failure path for non-guest
	// auth failures.
	Logout func()

	// OnFrame receives every decoded non-handshake frame.
	OnFrame func(events.Frame)

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Dialer  Dialer
	Now     func() time.Time
}

type subRequest struct {
	channels []string
	subType  string
}

// Manager owns one socket per (account, auth) pair.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	sock       Socket
	open       bool
	secured    bool
	waiting    bool
	dialing    bool
	stopped    bool
	runCtx     context.Context
	readCancel context.CancelFunc
	reconnect  *time.Timer

	active   map[string]string
	queue    []subRequest
	queued   map[string]bool
	throttle map[string]time.Time
}

// New creates a Manager. It does not dial until Connect.
func New(cfg Config) *Manager {
	if cfg.SecureMode == "" {
		cfg.SecureMode = SecureModeURL
	}
	if cfg.ReconnectCooldown <= 0 {
		cfg.ReconnectCooldown = defaultReconnectCooldown
	}
	if cfg.SubscribeThrottle <= 0 {
		cfg.SubscribeThrottle = defaultSubscribeThrottle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialWebSocket
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OnFrame == nil {
		cfg.OnFrame = func(events.Frame) {}
	}
	return &Manager{
		cfg:      cfg,
		active:   make(map[string]string),
		queued:   make(map[string]bool),
		throttle: make(map[string]time.Time),
	}
}

// Connect authorizes and dials. No-op when already open, waiting out the
// reconnect cooldown, or mid-dial from another caller.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.open || m.waiting || m.dialing {
		m.mu.Unlock()
		return nil
	}
	m.dialing = true
	m.stopped = false
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	m.runCtx = ctx
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.dialing = false
		m.mu.Unlock()
	}()

	token, err := m.cfg.Authorizer.Authorize(ctx)
	if err != nil {
		return m.handleAuthFailure(ctx, err)
	}

	dialURL, err := m.dialURL(token)
	if err != nil {
		return err
	}

	logger := m.cfg.Logger.With("trace_id", shared.TraceID(ctx))
	logger.Info("connecting", "url", m.cfg.URL, "secure_mode", m.cfg.SecureMode)

	sock, err := m.cfg.Dialer(ctx, dialURL)
	if err != nil {
		logger.Error("dial failed", "error", err)
		m.scheduleReconnect(ctx)
		return fmt.Errorf("dial gateway: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.sock = sock
	m.open = true
	m.readCancel = cancel
	m.secured = m.cfg.SecureMode == SecureModeURL
	securedNow := m.secured
	m.mu.Unlock()

	m.publish(bus.TopicConnOpened, bus.ConnStateEvent{URL: m.cfg.URL})

	if securedNow {
		m.onSecured()
	} else if err := m.writeJSON(ctx, map[string]any{
		"type":  "authenticate",
		"token": token.Token,
	}); err != nil {
		logger.Error("authenticate frame failed", "error", err)
	}

	go m.readLoop(readCtx, sock, logger)
	return nil
}

func (m *Manager) handleAuthFailure(ctx context.Context, err error) error {
	if m.cfg.Guest {
		// Abandoned attempt; the cooldown timer stands in for the next
		// effect pass.
		m.cfg.Logger.Warn("guest authorization failed, retrying after cooldown", "error", err)
		m.scheduleReconnect(ctx)
		return fmt.Errorf("authorize: %w", err)
	}
	m.cfg.Logger.Error("authorization failed, logging out", "error", err)
	if m.cfg.Logout != nil {
		m.cfg.Logout()
	}
	return fmt.Errorf("authorize: %w", err)
}

func (m *Manager) dialURL(token AccessToken) (string, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	if m.cfg.AccountID != "" {
		q.Set("account_id", m.cfg.AccountID)
	}
	if m.cfg.SecureMode == SecureModeURL {
		q.Set("token", token.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) readLoop(ctx context.Context, sock Socket, logger *slog.Logger) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			m.mu.Lock()
			stopped := m.stopped
			m.mu.Unlock()
			if stopped || ctx.Err() != nil {
				return
			}
			logger.Warn("socket closed", "error", err)
			m.handleClose()
			return
		}
		m.count(func(mm *otel.Metrics) { mm.FramesReceived.Add(ctx, 1) })

		frame, ok := decodeFrame(data)
		if !ok {
			logger.Warn("undecodable frame dropped", "bytes", len(data))
			m.count(func(mm *otel.Metrics) { mm.DecodeErrors.Add(ctx, 1) })
			continue
		}

		// Acks are handshake traffic in either mode; they never reach the
		// frame consumer.
		if frame.Type == "ack" {
			m.mu.Lock()
			already := m.secured
			m.secured = true
			m.mu.Unlock()
			if !already {
				m.onSecured()
			}
			continue
		}
		m.cfg.OnFrame(frame)
	}
}

func (m *Manager) onSecured() {
	m.publish(bus.TopicConnSecured, bus.ConnStateEvent{URL: m.cfg.URL, Secured: true})

	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.queued = make(map[string]bool)
	ctx := m.runCtx
	m.mu.Unlock()

	// Flush in original order.
	for _, req := range pending {
		m.sendSubscription(ctx, req.channels, "s", req.subType)
	}
}

// Subscribe requests listen subscriptions for the given channels. Channels
// already active or queued are skipped; identical channel sets within the
// throttle window are dropped. While unsecured the request queues and
// flushes on secure.
func (m *Manager) Subscribe(channels []string) {
	m.SubscribeType(channels, subscriptionTypeList)
}

// SubscribeType is Subscribe with an explicit subscription type.
func (m *Manager) SubscribeType(channels []string, subType string) {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return
	}

	fresh := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, active := m.active[ch]; active || m.queued[ch] {
			continue
		}
		fresh = append(fresh, ch)
	}
	if len(fresh) == 0 {
		m.mu.Unlock()
		return
	}

	key := throttleKey(fresh, subType)
	now := m.cfg.Now()
	if last, ok := m.throttle[key]; ok && now.Sub(last) < m.cfg.SubscribeThrottle {
		m.mu.Unlock()
		return
	}
	m.throttle[key] = now

	if !m.secured {
		m.queue = append(m.queue, subRequest{channels: fresh, subType: subType})
		for _, ch := range fresh {
			m.queued[ch] = true
		}
		m.mu.Unlock()
		return
	}
	ctx := m.runCtx
	m.mu.Unlock()

	m.sendSubscription(ctx, fresh, "s", subType)
}

// Unsubscribe emits only for channels presently active.
func (m *Manager) Unsubscribe(channels []string) {
	m.mu.Lock()
	if !m.open || !m.secured {
		m.mu.Unlock()
		return
	}
	byType := make(map[string][]string)
	for _, ch := range channels {
		if subType, ok := m.active[ch]; ok {
			byType[subType] = append(byType[subType], ch)
		}
	}
	ctx := m.runCtx
	m.mu.Unlock()

	for subType, chs := range byType {
		m.sendSubscription(ctx, chs, "u", subType)
	}
}

func (m *Manager) sendSubscription(ctx context.Context, channels []string, mode, subType string) {
	frame := map[string]any{
		"type": "subscription",
		"subscription": map[string]any{
			"type":     subType,
			"mode":     mode,
			"elements": channels,
		},
	}
	if err := m.writeJSON(ctx, frame); err != nil {
		m.cfg.Logger.Error("subscription frame failed", "mode", mode, "error", err)
		return
	}
	m.mu.Lock()
	for _, ch := range channels {
		if mode == "s" {
			m.active[ch] = subType
		} else {
			delete(m.active, ch)
		}
	}
	m.mu.Unlock()
	m.cfg.Logger.Debug("subscription sent", "mode", mode, "channels", strings.Join(channels, ","))
}

// SendCommand sends a named command frame. Requires a secured socket.
func (m *Manager) SendCommand(name string, payload any) error {
	m.mu.Lock()
	ready := m.open && m.secured
	ctx := m.runCtx
	m.mu.Unlock()
	if !ready {
		return ErrNotSecured
	}
	return m.writeJSON(ctx, map[string]any{
		"type":    "command",
		"id":      uuid.NewString(),
		"command": name,
		"payload": payload,
	})
}

func (m *Manager) writeJSON(ctx context.Context, v any) error {
	m.mu.Lock()
	sock := m.sock
	m.mu.Unlock()
	if sock == nil {
		return ErrNotSecured
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return sock.Write(ctx, data)
}

// handleClose tears down subscription state and schedules exactly one
// reconnect after the fixed cooldown.
func (m *Manager) handleClose() {
	m.mu.Lock()
	sock := m.sock
	m.sock = nil
	m.open = false
	m.secured = false
	m.active = make(map[string]string)
	m.queue = nil
	m.queued = make(map[string]bool)
	ctx := m.runCtx
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close(websocket.StatusNormalClosure, "closing")
	}
	m.publish(bus.TopicConnClosed, bus.ConnStateEvent{URL: m.cfg.URL, Reason: "socket closed"})
	m.scheduleReconnect(ctx)
}

// scheduleReconnect arms the cooldown timer, guarded against overlap.
// Fixed cooldown, no backoff, no jitter.
func (m *Manager) scheduleReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.waiting || m.stopped {
		m.mu.Unlock()
		return
	}
	m.waiting = true
	cooldown := m.cfg.ReconnectCooldown
	m.reconnect = time.AfterFunc(cooldown, func() {
		m.mu.Lock()
		m.waiting = false
		stopped := m.stopped
		m.mu.Unlock()
		if stopped || ctx == nil || ctx.Err() != nil {
			return
		}
		if err := m.Connect(ctx); err != nil {
			m.cfg.Logger.Warn("reconnect attempt failed", "error", err)
		}
	})
	m.mu.Unlock()

	m.count(func(mm *otel.Metrics) { mm.Reconnects.Add(context.Background(), 1) })
	m.publish(bus.TopicConnReconnectScheduled, bus.ReconnectScheduledEvent{
		CooldownMillis: cooldown.Milliseconds(),
	})
	traceID := "-"
	if ctx != nil {
		traceID = shared.TraceID(ctx)
	}
	m.cfg.Logger.Info("reconnect scheduled", "cooldown", cooldown, "trace_id", traceID)
}

// Disconnect closes the socket and clears all state. Teardown path; no
// reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopped = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.waiting = false
	sock := m.sock
	m.sock = nil
	m.open = false
	m.secured = false
	m.active = make(map[string]string)
	m.queue = nil
	m.queued = make(map[string]bool)
	cancel := m.readCancel
	m.readCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sock != nil {
		_ = sock.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	m.publish(bus.TopicConnClosed, bus.ConnStateEvent{URL: m.cfg.URL, Reason: "disconnect"})
}

// IsOpen reports whether the socket is connected.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Secured reports whether the handshake completed.
func (m *Manager) Secured() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secured
}

// ActiveChannels returns the channels with live subscriptions.
func (m *Manager) ActiveChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for ch := range m.active {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) publish(topic string, payload any) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(topic, payload)
	}
}

func (m *Manager) count(fn func(*otel.Metrics)) {
	if m.cfg.Metrics != nil {
		fn(m.cfg.Metrics)
	}
}

func throttleKey(channels []string, subType string) string {
	sorted := make([]string, len(channels))
	copy(sorted, channels)
	sort.Strings(sorted)
	return subType + "|" + strings.Join(sorted, ",")
}
