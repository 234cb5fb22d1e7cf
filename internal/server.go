package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomchat/internal/chat"
	"roomchat/internal/retention"
	"roomchat/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
	eventTimeout   = 5 * time.Second

	defaultMaxFrameBytes = 8 << 20
	defaultSendLimit     = 5
	defaultSendWindow    = 3 * time.Second
	defaultConnLimit     = 30
	defaultConnWindow    = time.Minute

	rateLimitNotice = "You're sending messages too quickly. Please wait a moment and try again."
)

// ServerOptions tunes the real-time server. Zero values pick defaults; a
// negative SendLimit or ConnLimit turns that limit off.
type ServerOptions struct {
	Logger         clog.Logger
	// Limiter is shared with the HTTP middleware when set. Otherwise the server
	// builds and owns a standalone one.
	Limiter        ratelimit.Limiter
	AllowedOrigins []string
	MaxFrameBytes  int64
	MaxImageBytes  int
	SendLimit      int
	SendWindow     time.Duration
	ConnLimit      int
	ConnWindow     time.Duration
}

// Server owns the websocket connections and publishes router events to them.
type Server struct {
	router   *chat.Router
	store    *storage.Store
	sweeper  *retention.Sweeper
	logger   clog.Logger
	metrics  *Metrics
	presence *PresenceTracker

	limiter     ratelimit.Limiter
	ownLimiter  bool
	sendLimiter *keyedLimiter
	connLimiter *keyedLimiter
	upgrader    websocket.Upgrader
	maxFrame    int64

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewServer builds the router around store and wires this server in as its
// publisher. sweeper may be nil when retention is disabled.
func NewServer(store *storage.Store, sweeper *retention.Sweeper, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = clog.Discard()
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	if opts.SendLimit == 0 {
		opts.SendLimit = defaultSendLimit
	}
	if opts.SendWindow <= 0 {
		opts.SendWindow = defaultSendWindow
	}
	if opts.ConnLimit == 0 {
		opts.ConnLimit = defaultConnLimit
	}
	if opts.ConnWindow <= 0 {
		opts.ConnWindow = defaultConnWindow
	}

	s := &Server{
		store:    store,
		sweeper:  sweeper,
		logger:   logger.WithNamespace("ws"),
		metrics:  NewMetrics(),
		presence: NewPresenceTracker(),
		limiter:  opts.Limiter,
		maxFrame: opts.MaxFrameBytes,
		clients:  make(map[string]*Client),
	}
	if s.limiter == nil {
		limiter, err := NewStandaloneLimiter(logger.WithNamespace("ratelimit"))
		if err != nil {
			s.logger.Error("rate limiter unavailable, limits disabled", clog.Error(err))
			limiter = ratelimit.Discard()
		}
		s.limiter = limiter
		s.ownLimiter = true
	}
	s.sendLimiter = newKeyedLimiter(s.limiter, "session:", windowLimit(opts.SendLimit, opts.SendWindow), s.logger)
	s.connLimiter = newKeyedLimiter(s.limiter, "upgrade:", windowLimit(opts.ConnLimit, opts.ConnWindow), s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	s.router = chat.NewRouter(chat.NewSessionRegistry(), chat.NewDirectory(), store, s,
		chat.WithLogger(logger.WithNamespace("router")),
		chat.WithMaxImageBytes(opts.MaxImageBytes))
	return s
}

func (s *Server) Router() *chat.Router {
	return s.router
}

func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) Presence() *PresenceTracker {
	return s.presence
}

// Publish implements chat.Publisher. The frame is encoded once and queued on
// every listed connection; a connection whose queue is full is dropped.
func (s *Server) Publish(sessionIDs []string, event chat.Event) {
	frame, err := event.Encode()
	if err != nil {
		s.logger.Error("failed to encode event", clog.String("event", event.Name), clog.Error(err))
		return
	}
	s.mu.RLock()
	targets := make([]*Client, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if client, ok := s.clients[id]; ok {
			targets = append(targets, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range targets {
		if !client.enqueue(frame) {
			s.metrics.IncSlowDrop()
			s.logger.Warn("dropping slow connection", clog.String("session_id", client.id))
		}
	}
}

// ServeWS upgrades the request and starts the connection pumps. Room
// membership is negotiated afterwards with a join-room event.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	ip := clientIP(request)
	if !s.connLimiter.Allow(request.Context(), ip) {
		s.metrics.IncRateLimited()
		http.Error(writer, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", clog.String("client_ip", ip), clog.Error(err))
		return
	}

	client := newClient(uuid.NewString(), conn, ip)
	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	s.metrics.IncConn()
	s.logger.Debug("connection opened", clog.String("session_id", client.id), clog.String("client_ip", ip))

	go client.writePump()
	go s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("panic in read pump",
				clog.Any("error", recovered),
				clog.String("session_id", client.id),
				clog.String("stack", string(debug.Stack())))
		}
		s.release(client)
	}()
	client.conn.SetReadLimit(s.maxFrame)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection read error", clog.String("session_id", client.id), clog.Error(err))
			}
			return
		}
		s.handleFrame(client, payload)
	}
}

func (s *Server) handleFrame(client *Client, payload []byte) {
	var env chat.Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
		s.metrics.IncRejected()
		s.Publish([]string{client.id}, chat.Event{Name: chat.EventError, Payload: chat.ErrorPayload{Message: "Malformed frame"}})
		return
	}
	if env.Event == chat.EventSendMessage && !s.sendLimiter.Allow(context.Background(), client.id) {
		s.metrics.IncRateLimited()
		s.Publish([]string{client.id}, chat.Event{Name: chat.EventError, Payload: chat.ErrorPayload{Message: rateLimitNotice}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	err := s.router.Handle(ctx, client.id, env)
	switch {
	case errors.Is(err, chat.ErrRoomLocked):
		s.metrics.IncLockedJoin()
		// room-locked is already queued; the writer flushes it and hangs up
		client.close()
		return
	case err != nil:
		s.metrics.IncRejected()
		if !errors.Is(err, chat.ErrStoreFailure) {
			return
		}
	}

	switch env.Event {
	case chat.EventJoinRoom:
		if user, ok := s.router.Session(client.id); ok {
			s.metrics.IncJoin()
			s.trackPresence(client, user.ID)
		}
	case chat.EventLeaveRoom:
		s.trackPresence(client, "")
	case chat.EventSendMessage:
		if err == nil {
			s.metrics.IncMessage()
		}
	case chat.EventEditMessage:
		if err == nil {
			s.metrics.IncEdit()
		}
	case chat.EventReceipt, chat.EventMarkRead, chat.EventMarkDelivered:
		s.metrics.IncReceipt()
	}
}

// trackPresence moves the connection's presence count to userID; an empty
// userID only releases the old one.
func (s *Server) trackPresence(client *Client, userID string) {
	previous := client.swapUser(userID)
	if previous == userID {
		return
	}
	if previous != "" {
		s.presence.Decrement(previous)
	}
	if userID != "" {
		s.presence.Increment(userID)
	}
}

func (s *Server) release(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	s.router.Disconnect(ctx, client.id)
	s.trackPresence(client, "")

	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()
	client.close()
	_ = client.conn.Close()
	s.metrics.DecConn()
	s.logger.Debug("connection closed", clog.String("session_id", client.id))
}

// ConnectionCount is the number of open websocket connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseAll hangs up every connection, e.g. during shutdown, and stops the
// limiter the server built for itself.
func (s *Server) CloseAll() {
	if s.ownLimiter {
		_ = s.limiter.Close()
	}
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()
	for _, client := range clients {
		client.close()
	}
}

// Client wraps a single websocket connection and its buffered send queue.
type Client struct {
	id   string
	ip   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	userID string
}

func newClient(id string, conn *websocket.Conn, ip string) *Client {
	return &Client{
		id:   id,
		ip:   ip,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

// enqueue queues frame without blocking. A full queue closes the connection
// and reports false.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) swapUser(userID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.userID
	c.userID = userID
	return previous
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// queue closed: say goodbye after everything buffered went out
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// non-browser clients do not send Origin
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
