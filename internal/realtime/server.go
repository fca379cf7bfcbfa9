// Package realtime serves a live view of recorded sessions over WebSocket and
// a small read-only REST API.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"incontrol/internal/event"
	"incontrol/internal/metrics"
	"incontrol/internal/observer"
	"incontrol/internal/protocol"
	"incontrol/internal/session"
	"incontrol/internal/terminal"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	clientSendBuffer   = 256
	defaultHistorySize = 200
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// SessionReader is the read side of the session store.
type SessionReader interface {
	ListSessions(ctx context.Context) ([]*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListEvents(ctx context.Context, sessionID string) ([]event.Event, error)
}

// InteractionReader reports the interaction currently open, if any.
type InteractionReader interface {
	CurrentInteraction() (observer.Interaction, bool)
}

// TerminalLister reports the terminals currently observed.
type TerminalLister interface {
	Terminals() []terminal.Handle
}

// Config wires a Server. Sessions is required.
type Config struct {
	Sessions     SessionReader
	Interactions InteractionReader
	Terminals    TerminalLister
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	HistorySize  int
	StaticDir    string
}

// Server manages WebSocket connections and broadcasts session changes and
// recorded events to every client. It implements session.Watcher.
type Server struct {
	sessions     SessionReader
	interactions InteractionReader
	terminals    TerminalLister
	log          *zap.Logger
	metrics      *metrics.Metrics
	staticDir    string

	// historyMu orders history writes and their broadcast against a new
	// client's catch-up, so each event reaches a client exactly once.
	historyMu sync.Mutex
	history   *RingBuffer[event.Event]
	clients   map[*client]bool
	clientsMu sync.RWMutex
}

var _ session.Watcher = (*Server)(nil)

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a new realtime server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Server{
		sessions:     cfg.Sessions,
		interactions: cfg.Interactions,
		terminals:    cfg.Terminals,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		staticDir:    cfg.StaticDir,
		history:      NewRingBuffer[event.Event](cfg.HistorySize),
		clients:      make(map[*client]bool),
	}
}

// SetInteractions sets the interaction reader. It must be called before the
// handler starts serving.
func (s *Server) SetInteractions(r InteractionReader) {
	s.interactions = r
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API endpoints.
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /interactions/current", s.handleCurrentInteraction)
	mux.HandleFunc("GET /terminals", s.handleListTerminals)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SessionChanged broadcasts a session.update to all clients.
func (s *Server) SessionChanged(sess session.Session) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdate(sess))
	if err != nil {
		s.log.Error("encode session update", zap.Error(err))
		return
	}
	s.broadcast(msg)
}

// EventRecorded remembers ev for late clients and broadcasts it.
func (s *Server) EventRecorded(ev event.Event) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.history.Write(ev)

	msg, err := protocol.NewMessage(protocol.TypeEventRecorded, ev)
	if err != nil {
		s.log.Error("encode recorded event", zap.Error(err))
		return
	}
	s.broadcast(msg)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		server: s,
	}

	// Catch the new client up: every known session, then the recent events.
	// Registration happens while history is held so no event is sent twice.
	s.sendSessionList(r.Context(), c)

	s.historyMu.Lock()
	s.sendHistory(c)
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.historyMu.Unlock()

	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the stored sessions to a client.
func (s *Server) sendSessionList(ctx context.Context, c *client) {
	sessions, err := s.sessions.ListSessions(ctx)
	if err != nil {
		s.log.Warn("list sessions for new client", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, sessionUpdate(*sess))
		if err != nil {
			continue
		}
		s.send(c, msg)
	}
}

// sessionUpdate converts a session to its session.update payload.
func sessionUpdate(sess session.Session) protocol.SessionUpdatePayload {
	p := protocol.SessionUpdatePayload{
		SessionID:       sess.ID,
		UserName:        sess.UserName,
		TaskDescription: sess.TaskDescription,
		StartTimestamp:  event.Millis(sess.StartedAt),
		IsActive:        sess.Active,
	}
	if !sess.Active {
		end := event.Millis(sess.EndedAt)
		reflection := sess.Reflection
		p.EndTimestamp = &end
		p.Reflection = &reflection
	}
	return p
}

// sendHistory queues the recent events. Callers hold historyMu.
func (s *Server) sendHistory(c *client) {
	for _, ev := range s.history.ReadAll() {
		msg, err := protocol.NewMessage(protocol.TypeEventRecorded, ev)
		if err != nil {
			continue
		}
		s.send(c, msg)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	close(c.send)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.WSConnections.Dec()
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.countMessage("in", "invalid")
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}
	s.countMessage("in", msg.Type)

	switch msg.Type {
	case protocol.TypeSessionRequestEvents:
		s.handleWSRequestEvents(c, msg)
	case protocol.TypeInteractionRequestCurrent:
		s.handleWSRequestCurrent(c)
	}
}

func (s *Server) handleWSRequestEvents(c *client, msg *protocol.Message) {
	var payload protocol.SessionIDPayload
	json.Unmarshal(msg.Payload, &payload)

	events, err := s.sessions.ListEvents(context.Background(), payload.SessionID)
	if err != nil {
		code := protocol.ErrStoreFailed
		if errors.Is(err, session.ErrNotFound) {
			code = protocol.ErrSessionNotFound
		}
		s.sendError(c, code, err.Error())
		return
	}
	if events == nil {
		events = []event.Event{}
	}

	resp, err := protocol.NewMessage(protocol.TypeSessionEvents, protocol.SessionEventsPayload{
		SessionID: payload.SessionID,
		Events:    events,
	})
	if err != nil {
		s.sendError(c, protocol.ErrStoreFailed, err.Error())
		return
	}
	s.send(c, resp)
}

func (s *Server) handleWSRequestCurrent(c *client) {
	resp, err := protocol.NewMessage(protocol.TypeInteractionCurrent, s.currentInteraction())
	if err != nil {
		return
	}
	s.send(c, resp)
}

func (s *Server) currentInteraction() protocol.InteractionCurrentPayload {
	if s.interactions == nil {
		return protocol.InteractionCurrentPayload{}
	}
	cur, ok := s.interactions.CurrentInteraction()
	if !ok {
		return protocol.InteractionCurrentPayload{}
	}
	return protocol.InteractionCurrentPayload{
		Open:          true,
		InteractionID: cur.ID,
		UserPrompt:    cur.UserPrompt,
		StartedAt:     event.Millis(cur.StartedAt),
		EventCount:    len(cur.EventIDs),
		ResponseBytes: len(cur.Response),
		Truncated:     cur.Truncated,
	}
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
			s.countMessage("out", msg.Type)
		default:
			// Client buffer full, skip.
		}
	}
}

// send queues a message for one client. Callers run before the client is
// removed, so c.send is still open.
func (s *Server) send(c *client, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
		s.countMessage("out", msg.Type)
	default:
	}
}

func (s *Server) sendError(c *client, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	s.send(c, msg)
}

func (s *Server) countMessage(direction, msgType string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}
