// Package client provides a session proxy for the collaboration
// service. It owns one websocket connection, mirrors session state
// locally, and applies remote commands through caller hooks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"casefile-backend/domain/collab"
	ws "casefile-backend/interfaces/websocket"
)

// maxPendingCommands bounds the optimistic-send bookkeeping. The
// server never echoes a command to its sender, so confirmed entries
// are evicted oldest first once the bound is reached.
const maxPendingCommands = 256

var (
	ErrNotConnected = errors.New("session is not connected")
	ErrNotJoined    = errors.New("session has not joined a graph")
	ErrGraphGone    = errors.New("graph does not exist")
	ErrJoinRejected = errors.New("join rejected")
)

// Config controls how the session connects and recovers.
type Config struct {
	// ServerURL is the http(s) base URL of the service.
	ServerURL string
	// Token is the bearer token used for both REST and the upgrade.
	Token string
	// ReconnectAttempts bounds automatic reconnection. Zero disables
	// it.
	ReconnectAttempts int
	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Handlers receive server events. All handlers are optional and are
// invoked from the session's read loop; they must not block.
type Handlers struct {
	// OnApply applies a command to local state: replayed history,
	// remote commands, and the caller's own optimistic sends.
	OnApply func(cmd collab.Command)
	// OnRevert rolls back an optimistic command the server rejected.
	OnRevert func(commandID string)
	// OnPresence replaces the collaborator list for the joined graph.
	OnPresence func(collaborators []collab.Presence)
	OnCursor   func(update ws.CursorUpdatePayload)
	OnSelect   func(update ws.EntitySelectedPayload)
	// OnInvitation is called when another leader invites this user.
	OnInvitation func(inv collab.Invitation)
	OnPromoted   func(newLeaderUserID string)
	OnUserLeft   func(userID string)
	// OnNotice carries human-readable session interruptions: kicked,
	// graph deleted, connection lost.
	OnNotice func(reason string)
}

// Session is a client-side proxy for one user's collaboration
// session. Methods are safe for concurrent use.
type Session struct {
	cfg      Config
	handlers Handlers
	http     *http.Client
	logger   *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	graphID      string
	role         collab.Role
	pending      map[string]struct{}
	pendingOrder []string

	joinWait chan joinResult
	closed   bool
}

type joinResult struct {
	role collab.Role
	err  error
}

func NewSession(cfg Config, handlers Handlers) *Session {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Session{
		cfg:      cfg,
		handlers: handlers,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
		pending:  make(map[string]struct{}),
	}
}

// Connect dials the websocket endpoint and starts the read loop.
func (s *Session) Connect(ctx context.Context) error {
	wsURL, err := s.websocketURL()
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

// Close tears the connection down without leaving the graph.
// Membership survives; presence does not.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.graphID = ""
	s.pending = make(map[string]struct{})
	s.pendingOrder = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// GraphID returns the currently joined graph, if any.
func (s *Session) GraphID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graphID
}

// Role returns the caller's role in the joined graph.
func (s *Session) Role() collab.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// JoinGraph ensures membership over REST, then joins the realtime
// session and waits for confirmation. A missing graph clears local
// session state and fails.
func (s *Session) JoinGraph(ctx context.Context, graphID string) error {
	status, err := s.restJoin(ctx, graphID)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound:
		s.clearGraphState()
		return fmt.Errorf("%w: %s", ErrGraphGone, graphID)
	case status == http.StatusOK:
	default:
		// Admission may still succeed over the realtime path, for
		// example when an invitation is pending. Let the server
		// decide.
		s.logger.Debug("REST join not conclusive", zap.Int("status", status))
	}

	wait := make(chan joinResult, 1)
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.joinWait = wait
	s.mu.Unlock()

	if err := s.send(ws.EventJoinGraph, ws.JoinGraphPayload{GraphID: graphID}); err != nil {
		return err
	}

	select {
	case res := <-wait:
		if res.err != nil {
			return res.err
		}
		s.mu.Lock()
		s.graphID = graphID
		s.role = res.role
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LeaveGraph leaves the joined graph, giving up membership.
func (s *Session) LeaveGraph() error {
	s.mu.Lock()
	graphID := s.graphID
	s.mu.Unlock()
	if graphID == "" {
		return ErrNotJoined
	}
	if err := s.send(ws.EventLeaveGraph, ws.LeaveGraphPayload{GraphID: graphID}); err != nil {
		return err
	}
	s.clearGraphState()
	return nil
}

// SendCommand applies a command optimistically and replicates it. The
// returned id identifies the command in a later revert, if any.
func (s *Session) SendCommand(cmdType collab.CommandType, payload interface{}) (string, error) {
	s.mu.Lock()
	graphID := s.graphID
	s.mu.Unlock()
	if graphID == "" {
		return "", ErrNotJoined
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	id := ulid.Make().String()
	now := time.Now()
	cmd := collab.Command{
		ID:        id,
		GraphID:   graphID,
		Type:      cmdType,
		Payload:   raw,
		Timestamp: now,
	}

	// Apply locally first; the server's error event reverts it.
	if s.handlers.OnApply != nil {
		s.handlers.OnApply(cmd)
	}
	s.mu.Lock()
	s.pending[id] = struct{}{}
	s.pendingOrder = append(s.pendingOrder, id)
	for len(s.pendingOrder) > maxPendingCommands || len(s.pending) > maxPendingCommands {
		oldest := s.pendingOrder[0]
		s.pendingOrder = s.pendingOrder[1:]
		delete(s.pending, oldest)
	}
	s.mu.Unlock()

	err = s.send(ws.EventCommand, ws.CommandPayload{
		ID:        id,
		GraphID:   graphID,
		Type:      string(cmdType),
		Payload:   raw,
		Timestamp: now,
	})
	if err != nil {
		s.revert(id)
		return "", err
	}
	return id, nil
}

// SendChatMessage replicates a chat line through the command log so
// late joiners see recent conversation in the replay.
func (s *Session) SendChatMessage(text string) (string, error) {
	return s.SendCommand(collab.CommandChat, map[string]string{"text": text})
}

// MoveCursor shares the local cursor position. Best effort.
func (s *Session) MoveCursor(x, y float64) error {
	return s.send(ws.EventCursorMove, ws.CursorMovePayload{X: x, Y: y})
}

// SelectEntity shares the locally selected entity. Best effort.
func (s *Session) SelectEntity(entityID string) error {
	return s.send(ws.EventEntitySelect, ws.EntitySelectPayload{EntityID: entityID})
}

// InviteUser invites a non-member to the joined graph. Leader only.
func (s *Session) InviteUser(targetUserID, graphName string) error {
	s.mu.Lock()
	graphID := s.graphID
	s.mu.Unlock()
	if graphID == "" {
		return ErrNotJoined
	}
	return s.send(ws.EventSendInvitation, ws.SendInvitationPayload{
		GraphID:      graphID,
		TargetUserID: targetUserID,
		GraphName:    graphName,
	})
}

// AcceptInvitation resolves an invitation and joins its graph. The
// join result arrives through the usual confirmation flow.
func (s *Session) AcceptInvitation(ctx context.Context, invitationID string) error {
	wait := make(chan joinResult, 1)
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.joinWait = wait
	s.mu.Unlock()

	if err := s.send(ws.EventAcceptInvitation, ws.AcceptInvitationPayload{InvitationID: invitationID}); err != nil {
		return err
	}
	select {
	case res := <-wait:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RejectInvitation discards an invitation.
func (s *Session) RejectInvitation(invitationID string) error {
	return s.send(ws.EventRejectInvitation, ws.RejectInvitationPayload{InvitationID: invitationID})
}

// KickUser removes a member from the joined graph. Leader only.
func (s *Session) KickUser(targetUserID string) error {
	s.mu.Lock()
	graphID := s.graphID
	s.mu.Unlock()
	if graphID == "" {
		return ErrNotJoined
	}
	return s.send(ws.EventKickUser, ws.KickUserPayload{
		GraphID:      graphID,
		TargetUserID: targetUserID,
	})
}

// PromoteToLeader hands leadership to another member. Leader only.
func (s *Session) PromoteToLeader(targetUserID string) error {
	s.mu.Lock()
	graphID := s.graphID
	s.mu.Unlock()
	if graphID == "" {
		return ErrNotJoined
	}
	return s.send(ws.EventPromote, ws.PromotePayload{
		GraphID:      graphID,
		TargetUserID: targetUserID,
	})
}

func (s *Session) send(event string, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(ws.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// readLoop consumes server frames until the connection drops, then
// attempts a bounded reconnect. After a reconnect the session is
// deliberately not rejoined; the caller decides whether to resume.
func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env ws.Envelope
		if jsonErr := json.Unmarshal(message, &env); jsonErr != nil {
			s.logger.Warn("Malformed server frame", zap.Error(jsonErr))
			continue
		}
		s.handleEvent(env)
	}

	s.mu.Lock()
	closed := s.closed
	s.conn = nil
	s.mu.Unlock()
	if closed {
		return
	}

	s.clearGraphState()
	s.notify("connection lost")
	s.reconnect()
}

func (s *Session) reconnect() {
	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(s.cfg.ReconnectDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.Connect(ctx)
		cancel()
		if err == nil {
			s.logger.Info("Reconnected", zap.Int("attempt", attempt))
			s.notify("connection re-established; rejoin the graph to resume")
			return
		}
		s.logger.Warn("Reconnect failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", s.cfg.ReconnectAttempts),
			zap.Error(err))
	}
	if s.cfg.ReconnectAttempts > 0 {
		s.notify("connection lost for good; reconnect attempts exhausted")
	}
}

func (s *Session) handleEvent(env ws.Envelope) {
	switch env.Event {
	case ws.EventJoinConfirmed:
		var p ws.JoinConfirmedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.mu.Lock()
		s.graphID = p.GraphID
		s.role = p.Role
		wait := s.joinWait
		s.joinWait = nil
		s.mu.Unlock()
		if wait != nil {
			wait <- joinResult{role: p.Role}
		}

	case ws.EventJoinFailed:
		var p ws.JoinFailedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.mu.Lock()
		wait := s.joinWait
		s.joinWait = nil
		s.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrJoinRejected, p.Message)
		if wait != nil {
			wait <- joinResult{err: err}
		} else {
			s.notify("join failed: " + p.Message)
		}

	case ws.EventCommandReceived:
		var cmd collab.Command
		if json.Unmarshal(env.Data, &cmd) != nil {
			return
		}
		s.mu.Lock()
		_, own := s.pending[cmd.ID]
		if own {
			delete(s.pending, cmd.ID)
		}
		s.mu.Unlock()
		// Own commands were already applied optimistically.
		if !own && s.handlers.OnApply != nil {
			s.handlers.OnApply(cmd)
		}

	case ws.EventCollaboratorsUpdate:
		var p ws.CollaboratorsUpdatePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		if s.handlers.OnPresence != nil {
			s.handlers.OnPresence(p.Collaborators)
		}

	case ws.EventCursorUpdate:
		var p ws.CursorUpdatePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		if s.handlers.OnCursor != nil {
			s.handlers.OnCursor(p)
		}

	case ws.EventEntitySelected:
		var p ws.EntitySelectedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		if s.handlers.OnSelect != nil {
			s.handlers.OnSelect(p)
		}

	case ws.EventInvitationReceived:
		var inv collab.Invitation
		if json.Unmarshal(env.Data, &inv) != nil {
			return
		}
		if s.handlers.OnInvitation != nil {
			s.handlers.OnInvitation(inv)
		}

	case ws.EventCollaboratorPromoted:
		var p ws.CollaboratorPromotedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.mu.Lock()
		if p.GraphID == s.graphID {
			if p.NewLeader == "" {
				s.role = collab.RoleMember
			}
		}
		s.mu.Unlock()
		if s.handlers.OnPromoted != nil {
			s.handlers.OnPromoted(p.NewLeader)
		}

	case ws.EventUserLeft:
		var p ws.UserLeftPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		if s.handlers.OnUserLeft != nil {
			s.handlers.OnUserLeft(p.UserID)
		}

	case ws.EventKickNotification:
		var p ws.KickNotificationPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.clearGraphState()
		s.notify(p.Reason)

	case ws.EventGraphDeleted:
		var p ws.GraphDeletedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.clearGraphState()
		s.notify("graph " + p.GraphID + " was deleted")

	case ws.EventError:
		var p ws.ErrorPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		if p.CommandID != "" {
			s.revert(p.CommandID)
		}
		s.logger.Warn("Server error",
			zap.String("code", p.Code),
			zap.String("message", p.Message),
			zap.String("commandID", p.CommandID))

	default:
		s.logger.Debug("Unhandled server event", zap.String("event", env.Event))
	}
}

// revert undoes an optimistic apply for a rejected command.
func (s *Session) revert(commandID string) {
	s.mu.Lock()
	_, ok := s.pending[commandID]
	if ok {
		delete(s.pending, commandID)
	}
	s.mu.Unlock()
	if ok && s.handlers.OnRevert != nil {
		s.handlers.OnRevert(commandID)
	}
}

func (s *Session) clearGraphState() {
	s.mu.Lock()
	s.graphID = ""
	s.role = ""
	s.pending = make(map[string]struct{})
	s.pendingOrder = nil
	s.mu.Unlock()
}

func (s *Session) notify(reason string) {
	if s.handlers.OnNotice != nil {
		s.handlers.OnNotice(reason)
	}
}

// restJoin calls the membership endpoint and returns the HTTP status.
func (s *Session) restJoin(ctx context.Context, graphID string) (int, error) {
	endpoint := strings.TrimRight(s.cfg.ServerURL, "/") + "/api/graphs/" + url.PathEscape(graphID) + "/join"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("join request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// websocketURL converts the configured base URL into the upgrade URL
// with the token in the query string.
func (s *Session) websocketURL() (string, error) {
	u, err := url.Parse(s.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", s.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
