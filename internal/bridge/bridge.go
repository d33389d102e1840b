// ABOUTME: Worker-side reconnecting session to the control plane.
// ABOUTME: Heartbeats, outbound telemetry, inbound commands, approval correlation.

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rudycelekli/moltbot/internal/manifest"
	"github.com/rudycelekli/moltbot/internal/protocol"
)

// State of the bridge's connection machine. Closed is a sink reached only by
// explicit local shutdown.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

const (
	// reconnectBase is the first retry delay; doubles per attempt.
	reconnectBase = time.Second

	// reconnectMax caps the retry delay.
	reconnectMax = 60 * time.Second

	// defaultApprovalTimeout resolves an unanswered approval to deny.
	defaultApprovalTimeout = 5 * time.Minute

	writeTimeout = 10 * time.Second
)

// approvalOutcome fulfils one pending approval completion.
type approvalOutcome struct {
	approved bool
	reason   string
}

// Bridge maintains the worker's link to the control plane. Callback hooks
// surface operator commands to the worker runtime; absent a hook the command
// is logged and dropped.
type Bridge struct {
	agentID           string
	dialURL           string
	token             string
	heartbeatInterval time.Duration
	approvalTimeout   time.Duration
	startedAt         time.Time
	logger            *slog.Logger

	// Hooks are set before Run and surface inbound operator commands.
	OnMessage      func(content, channel string)
	OnGoals        func(goals []manifest.Goal)
	OnKnowledge    func(docs []manifest.Document)
	OnConfigUpdate func(patch json.RawMessage)

	// exit terminates the process on restart/shutdown; replaced in tests.
	exit func(code int)

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	attempt int

	// writeMu serializes frame writes; the socket allows one writer.
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan approvalOutcome

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a bridge from the worker's manifest.
func New(m *manifest.Manifest, logger *slog.Logger) (*Bridge, error) {
	u, err := url.Parse(m.ControlPlane.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing control plane URL: %w", err)
	}
	q := u.Query()
	q.Set("agentId", m.Identity.ID)
	u.RawQuery = q.Encode()

	return &Bridge{
		agentID:           m.Identity.ID,
		dialURL:           u.String(),
		token:             m.ControlPlane.Token,
		heartbeatInterval: time.Duration(m.ControlPlane.HeartbeatIntervalSec) * time.Second,
		approvalTimeout:   defaultApprovalTimeout,
		startedAt:         time.Now().UTC(),
		logger:            logger,
		exit:              os.Exit,
		state:             StateDisconnected,
		pending:           make(map[string]chan approvalOutcome),
		done:              make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Run drives the connect/reconnect loop until Close or context cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		if b.isClosed() || ctx.Err() != nil {
			return nil
		}

		b.setState(StateConnecting)
		conn, err := b.dial(ctx)
		if err != nil {
			if b.isClosed() || ctx.Err() != nil {
				return nil
			}
			delay := b.nextRetryDelay()
			b.setState(StateDisconnected)
			b.logger.Warn("control plane unreachable, retrying",
				"attempt", b.currentAttempt(),
				"delay", delay,
				"error", err,
			)
			select {
			case <-time.After(delay):
			case <-b.done:
				return nil
			case <-ctx.Done():
				return nil
			}
			continue
		}

		b.onConnected(conn)
		b.runSession(ctx, conn)
		if b.isClosed() {
			return nil
		}
		b.setState(StateDisconnected)
	}
}

// dial opens one WebSocket connection with the bearer token.
func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+b.token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, b.dialURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// onConnected installs the socket and resets the reconnect counter.
func (b *Bridge) onConnected(conn *websocket.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.attempt = 0
	b.state = StateConnected
	b.mu.Unlock()
	b.logger.Info("connected to control plane", "agent_id", b.agentID)
}

// nextRetryDelay advances the attempt counter and returns
// min(base * 2^(attempt-1), max).
func (b *Bridge) nextRetryDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt++
	return retryDelay(b.attempt)
}

func (b *Bridge) currentAttempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// retryDelay computes the backoff for the nth attempt (n >= 1).
func retryDelay(attempt int) time.Duration {
	delay := reconnectBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMax {
			return reconnectMax
		}
	}
	if delay > reconnectMax {
		return reconnectMax
	}
	return delay
}

// runSession services one live connection: heartbeats out, commands in.
// Returns when the socket dies or the bridge closes.
func (b *Bridge) runSession(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.heartbeatLoop(stop)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		msg, ok := protocol.Decode(data)
		if !ok {
			continue
		}
		b.handleInbound(msg)
	}

	close(stop)
	wg.Wait()

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	conn.Close()

	if !b.isClosed() {
		b.logger.Info("disconnected from control plane", "agent_id", b.agentID)
	}
}

// heartbeatLoop sends heartbeats at the configured cadence while connected.
func (b *Bridge) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			uptime := int64(time.Since(b.startedAt).Seconds())
			if err := b.send(protocol.Heartbeat(b.agentID, time.Now(), uptime)); err != nil {
				return
			}
		case <-stop:
			return
		case <-b.done:
			return
		}
	}
}

// handleInbound dispatches one operator command. Unknown types are dropped.
func (b *Bridge) handleInbound(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeApprovalResponse:
		approved := msg.Approved != nil && *msg.Approved
		b.fulfilApproval(msg.RequestID, approved, msg.Reason)

	case protocol.TypeSendMessage:
		if b.OnMessage != nil {
			b.OnMessage(msg.Content, msg.Channel)
			return
		}
		b.logger.Info("send_message received with no handler", "channel", msg.Channel)

	case protocol.TypeUpdateGoals:
		if b.OnGoals != nil {
			b.OnGoals(msg.Goals)
			return
		}
		b.logger.Info("update_goals received with no handler", "count", len(msg.Goals))

	case protocol.TypeInjectKnowledge:
		if b.OnKnowledge != nil {
			b.OnKnowledge(msg.Documents)
			return
		}
		b.logger.Info("inject_knowledge received with no handler", "count", len(msg.Documents))

	case protocol.TypeUpdateConfig:
		if b.OnConfigUpdate != nil {
			b.OnConfigUpdate(msg.ConfigPatch)
			return
		}
		b.logger.Info("update_config received with no handler")

	case protocol.TypeRestart:
		b.logger.Info("restart requested by control plane")
		b.exit(0)

	case protocol.TypeShutdown:
		b.logger.Info("shutdown requested by control plane")
		b.exit(0)

	case protocol.TypePing:
		// Liveness probe; the transport-level pong suffices.

	default:
		b.logger.Debug("dropping frame with unknown type", "type", msg.Type)
	}
}

// fulfilApproval completes a pending approval. Responses for unknown request
// ids are dropped without error.
func (b *Bridge) fulfilApproval(requestID string, approved bool, reason string) {
	b.pendingMu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.pendingMu.Unlock()
	if !ok {
		b.logger.Warn("approval response for unknown request", "request_id", requestID)
		return
	}
	ch <- approvalOutcome{approved: approved, reason: reason}
}

// send writes one frame to the current socket.
func (b *Bridge) send(msg protocol.Message) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// SendStatus reports a full status snapshot.
func (b *Bridge) SendStatus(report protocol.StatusReport) error {
	return b.send(protocol.Message{Type: protocol.TypeStatus, AgentID: b.agentID, Report: &report})
}

// SendAction reports one completed action.
func (b *Bridge) SendAction(entry protocol.ActionLogEntry) error {
	return b.send(protocol.Message{Type: protocol.TypeAction, AgentID: b.agentID, Entry: &entry})
}

// SendError reports a worker-side error.
func (b *Bridge) SendError(message string) error {
	return b.send(protocol.Message{Type: protocol.TypeError, AgentID: b.agentID, ErrorMessage: message})
}

// RequestApproval registers a one-shot completion keyed by the request id,
// sends the approval_request, and blocks until a matching response arrives
// or the timeout fires. Timeout and bridge shutdown both resolve to deny.
func (b *Bridge) RequestApproval(ctx context.Context, req protocol.ApprovalRequest) (approved bool, reason string) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = time.Now().UTC().Add(b.approvalTimeout)
	}

	ch := make(chan approvalOutcome, 1)
	b.pendingMu.Lock()
	b.pending[req.ID] = ch
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, req.ID)
		b.pendingMu.Unlock()
	}()

	if err := b.send(protocol.Message{Type: protocol.TypeApprovalRequest, AgentID: b.agentID, Request: &req}); err != nil {
		b.logger.Warn("sending approval request failed", "request_id", req.ID, "error", err)
	}

	timer := time.NewTimer(b.approvalTimeout)
	defer timer.Stop()

	select {
	case outcome := <-ch:
		return outcome.approved, outcome.reason
	case <-timer.C:
		b.logger.Warn("approval timed out, denying", "request_id", req.ID)
		return false, "approval timed out"
	case <-b.done:
		return false, "bridge closed"
	case <-ctx.Done():
		return false, "cancelled"
	}
}

// Close permanently shuts the bridge down. No reconnect is scheduled after
// an explicit close.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.state = StateClosed
		conn := b.conn
		b.conn = nil
		b.mu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(writeTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker shutting down"), deadline)
			conn.Close()
		}
	})
}
