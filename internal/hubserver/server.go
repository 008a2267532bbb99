// Package hubserver is a development signaling hub. It authenticates users
// with bearer tokens, keeps a registry of connected users and routes call
// control invocations between the two parties of each call.
package hubserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/hub"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ratelimit"
)

const (
	wsWriteWait = 1 * time.Second

	DefaultMaxMessageBytes   = 64 * 1024
	DefaultMessagesPerSecond = 50
	DefaultPingInterval      = 20 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultGracePeriod       = 30 * time.Second
)

type Options struct {
	Verifier  *auth.Verifier
	Directory directory.Directory
	Clock     clock.Clock

	// GracePeriod is how long a call survives after one party's last
	// connection drops. Zero ends the call immediately.
	GracePeriod       time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int
	PingInterval      time.Duration
	IdleTimeout       time.Duration
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Server struct {
	verifier *auth.Verifier
	dir      directory.Directory
	clock    clock.Clock
	grace    time.Duration
	maxBytes int64
	perSec   int
	ping     time.Duration
	idle     time.Duration
	upgrader websocket.Upgrader
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	calls   map[string]*call
	// replay holds CallEnded notices for users who were offline when their
	// call ended.
	replay map[string][]json.RawMessage
	closed bool
	wg     sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	if opts.Verifier == nil {
		return nil, errors.New("hubserver: Verifier is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.MessagesPerSecond == 0 {
		opts.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		verifier: opts.Verifier,
		dir:      opts.Directory,
		clock:    opts.Clock,
		grace:    opts.GracePeriod,
		maxBytes: opts.MaxMessageBytes,
		perSec:   opts.MessagesPerSecond,
		ping:     opts.PingInterval,
		idle:     opts.IdleTimeout,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		log:      logger.With("component", "hubserver"),
		metrics:  opts.Metrics,
		clients:  make(map[string]map[*client]struct{}),
		calls:    make(map[string]*call),
		replay:   make(map[string][]json.RawMessage),
	}, nil
}

type client struct {
	id       string
	userID   string
	username string
	ws       *websocket.Conn
	out      *queue.Unbounded[outFrame]
	done     chan struct{}
	log      *slog.Logger
}

// outFrame is a queued text frame. A final frame is followed by a websocket
// close.
type outFrame struct {
	data  []byte
	final bool
	code  int
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tok, err := auth.CredentialFromRequest(r)
	var claims *auth.Claims
	if err == nil {
		claims, err = s.verifier.Verify(tok)
	}
	if err != nil {
		s.metrics.Inc(metrics.HubAuthFailures)
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		return
	}
	ws.SetReadLimit(s.maxBytes)

	c := &client{
		id:       uuid.NewString(),
		userID:   claims.UserID(),
		username: claims.Username,
		ws:       ws,
		out:      queue.NewUnbounded[outFrame](),
		done:     make(chan struct{}),
	}
	c.log = s.log.With("user_id", c.userID, "conn_id", c.id)

	if !s.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}
	defer s.wg.Done()

	go s.writeLoop(c)
	s.readLoop(c)
	s.unregister(c)
	c.out.Finish()
	<-c.done
}

func (s *Server) readLoop(c *client) {
	limiter := ratelimit.NewConnLimiter(s.clock, s.perSec, 0)
	extend := func() { _ = c.ws.SetReadDeadline(time.Now().Add(s.idle)) }
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.closeClient(c, websocket.CloseMessageTooBig, "message too large")
			} else if isTimeout(err) {
				s.closeClient(c, websocket.CloseGoingAway, "idle timeout")
			}
			return
		}
		extend()
		if !limiter.AllowMessage(len(data)) {
			s.metrics.Inc(metrics.HubRateLimited)
			s.closeClient(c, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.closeClient(c, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		f, err := hub.ParseFrame(data)
		if err != nil {
			s.metrics.Inc(metrics.FramesMalformed)
			c.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		switch f.Type {
		case hub.FrameInvoke:
			s.dispatch(c, f)
		case hub.FrameClose:
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer close(c.done)
	defer c.ws.Close()

	ticker := s.clock.Ticker(s.ping)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-c.out.Out():
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}
			if f.final {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(f.code, ""), time.Now().Add(wsWriteWait))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// closeClient sends a close frame carrying reason and ends the connection.
func (s *Server) closeClient(c *client, code int, reason string) {
	data, err := json.Marshal(hub.Frame{Type: hub.FrameClose, Error: reason})
	if err != nil {
		return
	}
	c.out.Push(outFrame{data: data, final: true, code: code})
	c.log.Info("closing hub connection", "reason", reason)
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	conns := s.clients[c.userID]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[*client]struct{})
		s.clients[c.userID] = conns
	}
	conns[c] = struct{}{}
	s.metrics.Inc(metrics.HubClientsConnected)
	c.log.Info("hub client connected")

	for _, data := range s.replay[c.userID] {
		c.out.Push(outFrame{data: data})
	}
	delete(s.replay, c.userID)

	if first {
		s.userArrivedLocked(c.userID)
	}
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.clients[c.userID]
	delete(conns, c)
	c.log.Info("hub client disconnected")
	if len(conns) > 0 {
		return
	}
	delete(s.clients, c.userID)
	if !s.closed {
		s.userLeftLocked(c.userID)
	}
}

// Connected reports whether userID has at least one open connection.
func (s *Server) Connected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients[userID]) > 0
}

// Close disconnects every client and waits for their handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var all []*client
	for _, conns := range s.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	for _, cl := range s.calls {
		cl.stopTimers()
	}
	s.mu.Unlock()

	for _, c := range all {
		s.closeClient(c, websocket.CloseGoingAway, "server shutting down")
	}
	s.wg.Wait()
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
