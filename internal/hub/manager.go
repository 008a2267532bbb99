// Package hub owns the persistent duplex channel to the call relay hub.
//
// A Manager dials the hub over WebSocket, reconnects with a bounded backoff
// schedule when the connection drops, and delivers inbound invocations and
// connection state changes to subscribers as typed events.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
)

const (
	DefaultMaxRetries      = 10
	DefaultWriteTimeout    = 5 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultMaxMessageBytes = 256 * 1024
)

// DefaultBackoff is the reconnect delay schedule; the last entry repeats.
var DefaultBackoff = []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}

type Options struct {
	Backoff []time.Duration
	// MaxRetries bounds reconnect attempts after a drop. Zero selects
	// DefaultMaxRetries; a negative value disables reconnection.
	MaxRetries int

	Dialer          *websocket.Dialer
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Manager struct {
	opts  Options
	log   *slog.Logger
	clock clock.Clock

	mu      sync.Mutex
	state   State
	lastErr error
	conn    *conn
	run     *runHandle
	subs    map[uint64]*subscription
	nextSub uint64
	resync  map[uint64]func(context.Context)
	nextRes uint64
	closed  bool
}

func NewManager(opts Options) *Manager {
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		log:    logger.With("component", "hub"),
		clock:  opts.Clock,
		subs:   make(map[uint64]*subscription),
		resync: make(map[uint64]func(context.Context)),
	}
}

// runHandle tracks one Connect call: the initial dial, the read loop and any
// reconnect attempts.
type runHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	reason atomic.Int32
}

func (h *runHandle) stop(r ShutdownReason) {
	h.reason.CompareAndSwap(0, int32(r))
	h.cancel()
}

func (h *runHandle) shutdownReason() ShutdownReason {
	return ShutdownReason(h.reason.Load())
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	reason    atomic.Int32
	closeOnce sync.Once
}

func (c *conn) shutdown(r ShutdownReason) {
	c.reason.CompareAndSwap(0, int32(r))
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, r.String()),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *conn) drop() {
	c.closeOnce.Do(func() { _ = c.ws.Close() })
}

func (c *conn) shutdownReason() ShutdownReason {
	return ShutdownReason(c.reason.Load())
}

// Connect dials rawURL and keeps the connection alive until Close. tokens is
// consulted on this attempt and again on every reconnect attempt. A Connect
// on a manager that is already connected replaces the previous connection.
//
// The first dial is synchronous: its failure is returned and the manager
// stays Disconnected.
func (m *Manager) Connect(ctx context.Context, rawURL string, tokens auth.TokenProvider) error {
	if tokens == nil {
		return fmt.Errorf("hub: token provider is required")
	}
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("hub: invalid url: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	prev, prevConn := m.run, m.conn
	m.run, m.conn = nil, nil
	m.mu.Unlock()

	if prev != nil {
		prev.stop(ReasonSuperseded)
		if prevConn != nil {
			prevConn.shutdown(ReasonSuperseded)
		}
		<-prev.done
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &runHandle{ctx: runCtx, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return ErrClosed
	}
	m.run = h
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	c, err := m.dial(ctx, h, rawURL, tokens)
	if err == nil && !m.install(h, c) {
		c.shutdown(h.shutdownReason())
		err = fmt.Errorf("connection replaced during dial")
	}
	if err != nil {
		if r := h.shutdownReason(); r != 0 {
			err = &ShutdownError{Reason: r, Cause: err}
		} else if ctx.Err() != nil {
			err = &ShutdownError{Reason: ReasonContextCanceled, Cause: err}
		} else {
			m.opts.Metrics.Inc(metrics.HubConnectFailures)
		}
		m.finish(h, err)
		cancel()
		close(h.done)
		return err
	}

	m.opts.Metrics.Inc(metrics.HubConnects)
	m.log.Info("hub connected", "url", redactURL(rawURL))
	go m.runLoop(h, rawURL, tokens, c)
	return nil
}

// Close tears down the connection and every subscription. It is safe to call
// more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h, c := m.run, m.conn
	m.run, m.conn = nil, nil
	m.setStateLocked(StateDisconnected, nil)
	subs := m.subs
	m.subs = make(map[uint64]*subscription)
	m.mu.Unlock()

	if h != nil {
		h.stop(ReasonClosed)
	}
	if c != nil {
		c.shutdown(ReasonClosed)
	}
	if h != nil {
		<-h.done
	}
	for _, s := range subs {
		s.close()
	}
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the most recent genuine connection failure. Intentional
// shutdowns never show up here.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Send invokes target on the hub with payload as its single argument.
func (m *Manager) Send(ctx context.Context, target string, payload any) error {
	m.mu.Lock()
	c, st := m.conn, m.state
	m.mu.Unlock()
	if c == nil || st != StateConnected {
		return ErrNotConnected
	}

	f, err := NewInvocation(target, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("hub: encode %s: %w", target, err)
	}

	deadline := time.Now().Add(m.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop observes the dead socket and starts reconnecting.
		c.drop()
		return fmt.Errorf("%w: send %s: %v", ErrNotConnected, target, err)
	}
	return nil
}

// Subscribe returns a stream of events. Messages are filtered to the given
// targets (all targets when none are given); state changes are always
// delivered. Delivery never drops events and preserves arrival order. The
// returned function cancels the subscription and closes the channel.
func (m *Manager) Subscribe(targets ...string) (<-chan Event, func()) {
	s := newSubscription(targets)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.close()
		return s.out(), func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = s
	m.mu.Unlock()

	return s.out(), func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		s.close()
	}
}

// OnResync registers fn to run after every successful reconnect. fn runs on
// its own goroutine with a context that ends when the connection run ends.
func (m *Manager) OnResync(fn func(ctx context.Context)) func() {
	m.mu.Lock()
	id := m.nextRes
	m.nextRes++
	m.resync[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.resync, id)
		m.mu.Unlock()
	}
}

func (m *Manager) dial(ctx context.Context, h *runHandle, rawURL string, tokens auth.TokenProvider) (*conn, error) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	tok, err := tokens.Token(dctx)
	if err != nil {
		return nil, fmt.Errorf("hub: token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	ws, resp, err := m.opts.Dialer.DialContext(dctx, withAccessToken(rawURL, tok), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("hub: dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("hub: dial: %w", err)
	}
	ws.SetReadLimit(m.opts.MaxMessageBytes)
	return &conn{ws: ws}, nil
}

func (m *Manager) install(h *runHandle, c *conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.run != h {
		return false
	}
	m.conn = c
	m.lastErr = nil
	m.setStateLocked(StateConnected, nil)
	return true
}

// finish records the end of run h. A superseded or closed run no longer owns
// the manager state and leaves it untouched.
func (m *Manager) finish(h *runHandle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != h {
		return
	}
	m.run, m.conn = nil, nil
	if IsShutdown(err) {
		m.setStateLocked(StateDisconnected, nil)
		return
	}
	m.lastErr = err
	m.setStateLocked(StateDisconnected, err)
}

func (m *Manager) runLoop(h *runHandle, rawURL string, tokens auth.TokenProvider, c *conn) {
	defer close(h.done)
	defer h.cancel()

	for {
		err := m.readLoop(h, c)
		c.drop()

		reason := c.shutdownReason()
		if reason == 0 {
			reason = h.shutdownReason()
		}
		if reason != 0 {
			m.finish(h, &ShutdownError{Reason: reason, Cause: err})
			return
		}

		m.log.Warn("hub connection lost", "err", err)
		c, err = m.reconnect(h, rawURL, tokens, err)
		if err != nil {
			if !IsShutdown(err) {
				m.opts.Metrics.Inc(metrics.HubRetriesExhausted)
				m.log.Error("hub reconnect gave up", "err", err)
			}
			m.finish(h, err)
			return
		}
	}
}

func (m *Manager) reconnect(h *runHandle, rawURL string, tokens auth.TokenProvider, cause error) (*conn, error) {
	m.mu.Lock()
	if m.run == h {
		m.setStateLocked(StateReconnecting, cause)
	}
	m.mu.Unlock()

	last := cause
	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		if delay := m.backoff(attempt); delay > 0 {
			t := m.clock.Timer(delay)
			select {
			case <-t.C:
			case <-h.ctx.Done():
				t.Stop()
				return nil, &ShutdownError{Reason: h.shutdownReason(), Cause: last}
			}
		}
		if r := h.shutdownReason(); r != 0 {
			return nil, &ShutdownError{Reason: r, Cause: last}
		}

		c, err := m.dial(h.ctx, h, rawURL, tokens)
		if err == nil {
			if !m.install(h, c) {
				c.shutdown(ReasonSuperseded)
				return nil, &ShutdownError{Reason: ReasonSuperseded}
			}
			m.opts.Metrics.Inc(metrics.HubReconnects)
			m.log.Info("hub reconnected", "attempt", attempt+1)
			m.fireResync(h.ctx)
			return c, nil
		}
		if r := h.shutdownReason(); r != 0 {
			return nil, &ShutdownError{Reason: r, Cause: err}
		}
		m.opts.Metrics.Inc(metrics.HubConnectFailures)
		m.log.Warn("hub reconnect attempt failed", "attempt", attempt+1, "err", err)
		last = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, m.opts.MaxRetries, last)
}

func (m *Manager) backoff(attempt int) time.Duration {
	if attempt >= len(m.opts.Backoff) {
		return m.opts.Backoff[len(m.opts.Backoff)-1]
	}
	return m.opts.Backoff[attempt]
}

func (m *Manager) fireResync(ctx context.Context) {
	m.mu.Lock()
	fns := make([]func(context.Context), 0, len(m.resync))
	for _, fn := range m.resync {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		go fn(ctx)
	}
}

func (m *Manager) readLoop(h *runHandle, c *conn) error {
	idle := m.opts.IdleTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPingHandler(func(appData string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(m.opts.WriteTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		f, err := ParseFrame(data)
		if err != nil {
			m.opts.Metrics.Inc(metrics.FramesMalformed)
			m.log.Warn("dropping malformed hub frame", "err", err)
			continue
		}
		switch f.Type {
		case FramePing:
		case FrameClose:
			return fmt.Errorf("%w: %s", ErrRemoteClose, f.Error)
		case FrameInvoke:
			payload, err := f.Argument()
			if err != nil {
				m.opts.Metrics.Inc(metrics.FramesMalformed)
				m.log.Warn("dropping hub invocation", "target", f.Target, "err", err)
				continue
			}
			m.dispatch(Message{Target: f.Target, ID: f.ID, Payload: payload})
		}
	}
}

func (m *Manager) dispatch(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchLocked(ev)
}

func (m *Manager) dispatchLocked(ev Event) {
	for _, s := range m.subs {
		s.push(ev)
	}
}

func (m *Manager) setStateLocked(s State, err error) {
	if m.state == s && err == nil {
		return
	}
	prev := m.state
	m.state = s
	if err != nil {
		m.log.Warn("hub state changed", "from", prev.String(), "state", s.String(), "err", err)
	} else {
		m.log.Debug("hub state changed", "from", prev.String(), "state", s.String())
	}
	m.dispatchLocked(StateChange{State: s, Err: err})
}

func withAccessToken(rawURL, tok string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("access_token", tok)
	u.RawQuery = q.Encode()
	return u.String()
}

func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
