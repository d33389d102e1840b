// ABOUTME: Control-plane WebSocket server multiplexing all worker sessions.
// ABOUTME: Authenticates upgrades, enforces one session per agent, ingests telemetry.

package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rudycelekli/moltbot/internal/approval"
	"github.com/rudycelekli/moltbot/internal/fleet"
	"github.com/rudycelekli/moltbot/internal/protocol"
)

// CloseReplaced is the close code sent to a session displaced by a newer
// connection for the same agent id.
const CloseReplaced = 4000

// writeTimeout bounds every frame write to a worker.
const writeTimeout = 10 * time.Second

// session is the server-side handle for one connected worker.
type session struct {
	agentID     string
	conn        *websocket.Conn
	connectedAt time.Time
	remoteAddr  string

	mu            sync.Mutex
	lastHeartbeat time.Time
}

func (s *session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now().UTC()
	s.mu.Unlock()
}

// write serializes one message to the socket. Writes are serialized per
// session; gorilla connections allow one concurrent writer.
func (s *session) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// closeWith sends a close frame and tears the socket down.
func (s *session) closeWith(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
}

// Server accepts worker sessions and fans messages in and out. It owns the
// set of live sessions; fleet records are mutated only through the fleet
// manager's interface.
type Server struct {
	token     string
	fleet     *fleet.Manager
	approvals *approval.Manager
	metrics   *Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	httpSrv *http.Server
}

// New creates the server. metrics may be nil.
func New(token string, fleetMgr *fleet.Manager, approvals *approval.Manager, metrics *Metrics, logger *slog.Logger) *Server {
	return &Server{
		token:     token,
		fleet:     fleetMgr,
		approvals: approvals,
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// ServeHTTP admits one worker connection. The shared bearer token is accepted
// in the Authorization header or the token query parameter; agentId is
// mandatory. Rejections happen before any protocol data flows.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	sess := &session{
		agentID:     agentID,
		conn:        conn,
		connectedAt: time.Now().UTC(),
		remoteAddr:  r.RemoteAddr,
	}
	s.register(sess)
	s.readLoop(sess)
}

// authorized checks the shared bearer token.
func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if strings.TrimPrefix(header, "Bearer ") == s.token {
			return true
		}
	}
	return r.URL.Query().Get("token") == s.token
}

// register installs the session, displacing any previous one for the same
// agent id. The new connection always wins.
func (s *Server) register(sess *session) {
	s.mu.Lock()
	prev := s.sessions[sess.agentID]
	s.sessions[sess.agentID] = sess
	s.mu.Unlock()

	if prev != nil {
		prev.closeWith(CloseReplaced, "Replaced by new connection")
		s.logger.Info("session replaced", "agent_id", sess.agentID)
	} else if s.metrics != nil {
		s.metrics.ConnectedAgents.Inc()
	}

	s.fleet.UpdateConnection(sess.agentID, fleet.ConnOnline, sess.remoteAddr)
	s.logger.Info("agent connected",
		"agent_id", sess.agentID,
		"remote_addr", sess.remoteAddr,
	)
}

// readLoop processes frames from one session until the socket dies.
func (s *Server) readLoop(sess *session) {
	defer s.unregister(sess)
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, ok := protocol.Decode(data)
		if !ok {
			// The wire is untrusted against bugs; malformed frames are dropped.
			continue
		}
		s.dispatch(sess, msg)
	}
}

// dispatch routes one inbound frame. Unknown types are dropped silently.
func (s *Server) dispatch(sess *session, msg protocol.Message) {
	if s.metrics != nil {
		s.metrics.InboundMessages.WithLabelValues(msg.Type).Inc()
	}

	agentID := sess.agentID
	switch msg.Type {
	case protocol.TypeHeartbeat:
		sess.touchHeartbeat()
		s.fleet.UpdateHeartbeat(agentID, msg.UptimeSec)

	case protocol.TypeStatus:
		if msg.Report != nil {
			s.fleet.UpdateStatus(agentID, msg.Report)
		}

	case protocol.TypeAction:
		if msg.Entry != nil {
			if err := s.fleet.RecordAction(agentID, *msg.Entry); err != nil {
				s.logger.Warn("recording action", "agent_id", agentID, "error", err)
			}
		}

	case protocol.TypeApprovalRequest:
		if msg.Request != nil {
			s.approvals.AddRequest(agentID, *msg.Request)
		}

	case protocol.TypeError:
		s.fleet.RecordError(agentID, msg.ErrorMessage)

	default:
		s.logger.Debug("dropping frame with unknown type", "type", msg.Type, "agent_id", agentID)
	}
}

// unregister removes the session if it still owns its slot. A session that
// was replaced leaves the slot alone; the replacement path already rewrote
// ownership.
func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	owned := s.sessions[sess.agentID] == sess
	if owned {
		delete(s.sessions, sess.agentID)
	}
	s.mu.Unlock()

	_ = sess.conn.Close()
	if !owned {
		return
	}

	if s.metrics != nil {
		s.metrics.ConnectedAgents.Dec()
	}
	s.fleet.UpdateConnection(sess.agentID, fleet.ConnOffline, "")
	s.logger.Info("agent disconnected", "agent_id", sess.agentID)
}

// SendToAgent serializes a message to the agent's live session. Returns
// whether a delivery attempt succeeded; false when the agent is offline or
// the write fails.
func (s *Server) SendToAgent(agentID string, msg protocol.Message) bool {
	s.mu.RLock()
	sess, ok := s.sessions[agentID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if err := sess.write(msg); err != nil {
		s.logger.Warn("writing to agent failed", "agent_id", agentID, "error", err)
		return false
	}
	return true
}

// SendApprovalResponse relays an approval decision to the originating worker.
func (s *Server) SendApprovalResponse(agentID, requestID string, approved bool, reason string) bool {
	return s.SendToAgent(agentID, protocol.ApprovalResponse(requestID, approved, reason))
}

// OnlineAgents returns the ids with a live session.
func (s *Server) OnlineAgents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether an agent currently holds a session.
func (s *Server) IsOnline(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[agentID]
	return ok
}

// ListenAndServe runs the server standalone on its own port.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops accepting upgrades and closes every session with 1001.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session)
	httpSrv := s.httpSrv
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		s.fleet.UpdateConnection(sess.agentID, fleet.ConnOffline, "")
		if s.metrics != nil {
			s.metrics.ConnectedAgents.Dec()
		}
	}
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}
}
