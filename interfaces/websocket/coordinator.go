package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"casefile-backend/application/ports"
	"casefile-backend/domain/collab"
	apperrors "casefile-backend/pkg/errors"
)

const (
	// Capacity of the coordinator's inbound event queue. Read pumps
	// block when it fills, which backpressures noisy clients.
	eventQueueSize = 1024

	// Deadline for any single store call made from the event loop.
	storeCallTimeout = 5 * time.Second
)

// binding attaches a connection to the graph session it joined.
type binding struct {
	client   *Client
	graphID  string
	joinedAt time.Time
}

// graphSession holds the participants of one graph in join order.
type graphSession struct {
	participants []*binding
}

func (s *graphSession) remove(b *binding) {
	for i, p := range s.participants {
		if p == b {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			return
		}
	}
}

// Coordinator events. Everything that mutates session state flows
// through the event queue and is handled by the single Run loop, so
// per-graph operations are totally ordered without locks.

type registerEvent struct {
	client *Client
}

type disconnectEvent struct {
	client *Client
}

type inboundEvent struct {
	client   *Client
	envelope Envelope
}

type ensureMembershipOp struct {
	graphID string
	userID  string
	reply   chan ensureMembershipResult
}

type ensureMembershipResult struct {
	created bool
	role    collab.Role
	err     error
}

type leaveOp struct {
	graphID string
	userID  string
	reply   chan error
}

type promoteOp struct {
	graphID    string
	fromUserID string
	toUserID   string
	reply      chan error
}

// Coordinator serializes all session mutations for every graph
// through one event loop. Store calls block the loop; with command
// volume in the tens per second this is far cheaper than per-graph
// locking and makes the ordering guarantees trivial to audit.
type Coordinator struct {
	registry    *Registry
	memberships ports.MembershipStore
	commands    ports.CommandLog
	invitations ports.InvitationStore
	graphs      ports.GraphDirectory
	metrics     *Metrics
	validate    *validator.Validate
	logger      *zap.Logger

	historyLimit int

	events   chan interface{}
	sessions map[string]*graphSession
	bindings map[string]*binding
	clients  map[string]*Client

	done chan struct{}
}

type CoordinatorConfig struct {
	Registry     *Registry
	Memberships  ports.MembershipStore
	Commands     ports.CommandLog
	Invitations  ports.InvitationStore
	Graphs       ports.GraphDirectory
	Metrics      *Metrics
	Logger       *zap.Logger
	HistoryLimit int
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &Coordinator{
		registry:     cfg.Registry,
		memberships:  cfg.Memberships,
		commands:     cfg.Commands,
		invitations:  cfg.Invitations,
		graphs:       cfg.Graphs,
		metrics:      cfg.Metrics,
		validate:     validator.New(),
		logger:       cfg.Logger,
		historyLimit: historyLimit,
		events:       make(chan interface{}, eventQueueSize),
		sessions:     make(map[string]*graphSession),
		bindings:     make(map[string]*binding),
		clients:      make(map[string]*Client),
		done:         make(chan struct{}),
	}
}

// Run consumes the event queue until ctx is cancelled. It must be
// started exactly once before any client connects.
func (co *Coordinator) Run(ctx context.Context) {
	defer close(co.done)
	co.logger.Info("Session coordinator started")

	for {
		select {
		case <-ctx.Done():
			co.shutdown()
			co.logger.Info("Session coordinator stopped")
			return
		case ev := <-co.events:
			co.handle(ctx, ev)
		}
	}
}

// Done is closed when the run loop has exited.
func (co *Coordinator) Done() <-chan struct{} {
	return co.done
}

// Register enqueues a freshly upgraded connection.
func (co *Coordinator) Register(c *Client) {
	co.events <- registerEvent{client: c}
}

// Disconnect enqueues a connection teardown. Membership is retained;
// only presence and session attachment are dropped.
func (co *Coordinator) Disconnect(c *Client) {
	co.events <- disconnectEvent{client: c}
}

// Dispatch enqueues an inbound frame from a client's read pump.
func (co *Coordinator) Dispatch(c *Client, env Envelope) {
	co.events <- inboundEvent{client: c, envelope: env}
}

// EnsureMembership runs the join admission path on behalf of the REST
// API. No connection is bound; only membership state changes.
func (co *Coordinator) EnsureMembership(ctx context.Context, graphID, userID string) (bool, collab.Role, error) {
	reply := make(chan ensureMembershipResult, 1)
	select {
	case co.events <- ensureMembershipOp{graphID: graphID, userID: userID, reply: reply}:
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
	select {
	case res := <-reply:
		return res.created, res.role, res.err
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// LeaveGraph removes a membership on behalf of the REST API, running
// the same succession rules as a realtime leave.
func (co *Coordinator) LeaveGraph(ctx context.Context, graphID, userID string) error {
	reply := make(chan error, 1)
	select {
	case co.events <- leaveOp{graphID: graphID, userID: userID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PromoteLeader transfers leadership on behalf of the REST API.
func (co *Coordinator) PromoteLeader(ctx context.Context, graphID, fromUserID, toUserID string) error {
	reply := make(chan error, 1)
	select {
	case co.events <- promoteOp{graphID: graphID, fromUserID: fromUserID, toUserID: toUserID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (co *Coordinator) handle(ctx context.Context, ev interface{}) {
	switch e := ev.(type) {
	case registerEvent:
		co.handleRegister(e.client)
	case disconnectEvent:
		co.handleDisconnect(e.client)
	case inboundEvent:
		co.handleInbound(ctx, e.client, e.envelope)
	case ensureMembershipOp:
		created, role, err := co.ensureMembership(ctx, e.graphID, e.userID, false)
		e.reply <- ensureMembershipResult{created: created, role: role, err: err}
	case leaveOp:
		e.reply <- co.departUser(ctx, e.graphID, e.userID)
	case promoteOp:
		e.reply <- co.promote(ctx, e.graphID, e.fromUserID, e.toUserID)
	default:
		co.logger.Error("Unknown coordinator event", zap.Any("event", ev))
	}
}

func (co *Coordinator) handleRegister(c *Client) {
	co.clients[c.id] = c
	if co.metrics != nil {
		co.metrics.ActiveConnections.Set(float64(len(co.clients)))
	}
	co.logger.Info("Connection registered",
		zap.String("connectionID", c.id),
		zap.String("userID", c.userID))
}

// handleDisconnect drops presence and session attachment for a closed
// connection. The user stays a member of whatever graphs they joined.
func (co *Coordinator) handleDisconnect(c *Client) {
	delete(co.clients, c.id)

	if b, ok := co.bindings[c.id]; ok {
		co.detachBinding(b, true)
	}
	co.registry.Unbind(c.id)
	close(c.send)

	if co.metrics != nil {
		co.metrics.ActiveConnections.Set(float64(len(co.clients)))
		co.metrics.ActiveSessions.Set(float64(len(co.sessions)))
	}
	co.logger.Info("Connection closed",
		zap.String("connectionID", c.id),
		zap.String("userID", c.userID))
}

// detachBinding removes a connection from its graph session and emits
// user-left when the user has no other connection in the session.
func (co *Coordinator) detachBinding(b *binding, announce bool) {
	delete(co.bindings, b.client.id)
	sess, ok := co.sessions[b.graphID]
	if !ok {
		return
	}
	sess.remove(b)
	co.registry.ClearGraph(b.client.id)

	if len(sess.participants) == 0 {
		delete(co.sessions, b.graphID)
		return
	}
	if announce && !co.userInSession(sess, b.client.userID) {
		co.broadcast(sess, EventUserLeft, UserLeftPayload{
			GraphID: b.graphID,
			UserID:  b.client.userID,
		}, nil)
		co.pushPresence(b.graphID)
	}
}

func (co *Coordinator) userInSession(sess *graphSession, userID string) bool {
	for _, p := range sess.participants {
		if p.client.userID == userID {
			return true
		}
	}
	return false
}

func (co *Coordinator) handleInbound(ctx context.Context, c *Client, env Envelope) {
	switch env.Event {
	case EventJoinGraph:
		var p JoinGraphPayload
		if !co.decode(c, env.Data, &p, "") {
			return
		}
		co.handleJoin(ctx, c, p.GraphID, false)
	case EventLeaveGraph:
		var p LeaveGraphPayload
		if !co.decode(c, env.Data, &p, "") {
			return
		}
		co.handleLeave(ctx, c, p.GraphID)
	case EventCommand:
		var p CommandPayload
		if !co.decode(c, env.Data, &p, "") {
			return
		}
		co.handleCommand(ctx, c, p)
	case EventCursorMove:
		var p CursorMovePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		co.handleCursorMove(c, p)
	case EventEntitySelect:
		var p EntitySelectPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		co.handleEntitySelect(c, p)
	case EventSendInvitation:
		var p SendInvitationPayload
		if !co.decode(c, env.Data, &p, "") {
			return
		}
		co.handleInvite(ctx, c, p)
	case EventAcceptInvitation:
		var p AcceptInvitationPayload
		if !co.decode(c, env.Data, &p, "") {
			return
		}
		co.handleAccept(ctx, c, p)
	case EventRejectInvitation:
		var p RejectInvitationPayload
		if !co.decode(c, env.Data, &p, "") {
			return
		}
		co.handleReject(ctx, c, p)
	case EventKickUser:
		var p KickUserPayload
		if !co.decode(c, env.Data, &p, "") {
			return
		}
		co.handleKick(ctx, c, p)
	case EventPromote:
		var p PromotePayload
		if !co.decode(c, env.Data, &p, "") {
			return
		}
		co.sendAppError(c, co.promote(ctx, p.GraphID, c.userID, p.TargetUserID), "")
	default:
		co.sendError(c, "unknown event: "+env.Event, "VALIDATION", "")
	}
}

// decode unmarshals and validates an inbound payload, reporting a
// validation error to the requester on failure.
func (co *Coordinator) decode(c *Client, data json.RawMessage, out interface{}, commandID string) bool {
	if err := json.Unmarshal(data, out); err != nil {
		co.sendError(c, "malformed payload", "VALIDATION", commandID)
		return false
	}
	if err := co.validate.Struct(out); err != nil {
		co.sendError(c, "invalid payload: "+err.Error(), "VALIDATION", commandID)
		return false
	}
	return true
}

// ensureMembership applies the admission rules shared by realtime
// join, invitation acceptance, and the REST join endpoint.
func (co *Coordinator) ensureMembership(ctx context.Context, graphID, userID string, invited bool) (bool, collab.Role, error) {
	opCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	exists, err := co.graphs.Exists(opCtx, graphID)
	if err != nil {
		return false, "", apperrors.NewPersistenceError("graph lookup", err)
	}
	if !exists {
		return false, "", apperrors.NewNoSuchGraphError(graphID)
	}
	return co.memberships.EnsureMembership(opCtx, graphID, userID, invited)
}

// handleJoin admits a connection into a graph session. Joining the
// graph a connection is already in re-sends the confirmation and
// presence list.
func (co *Coordinator) handleJoin(ctx context.Context, c *Client, graphID string, invited bool) {
	if b, ok := co.bindings[c.id]; ok && b.graphID == graphID {
		role := co.roleOf(ctx, graphID, c.userID)
		co.sendEvent(c, EventJoinConfirmed, JoinConfirmedPayload{GraphID: graphID, Role: role})
		co.sendPresence(c, graphID)
		return
	}

	// Admission runs before any state change so a rejected join leaves
	// the connection's current session intact.
	_, role, err := co.ensureMembership(ctx, graphID, c.userID, invited)
	if err != nil {
		if co.metrics != nil {
			co.metrics.JoinFailures.Inc()
		}
		co.sendEvent(c, EventJoinFailed, JoinFailedPayload{
			GraphID: graphID,
			Message: apperrors.Message(err),
			Code:    apperrors.Code(err),
		})
		return
	}

	// One session per connection: switching graphs detaches the old
	// session without touching membership.
	if b, ok := co.bindings[c.id]; ok {
		co.detachBinding(b, true)
	}

	co.registry.SetGraph(c.id, graphID)
	b := &binding{client: c, graphID: graphID, joinedAt: time.Now()}
	co.bindings[c.id] = b
	sess, ok := co.sessions[graphID]
	if !ok {
		sess = &graphSession{}
		co.sessions[graphID] = sess
	}
	sess.participants = append(sess.participants, b)

	co.sendEvent(c, EventJoinConfirmed, JoinConfirmedPayload{GraphID: graphID, Role: role})
	co.pushPresence(graphID)
	co.replayHistory(ctx, c, graphID)

	if co.metrics != nil {
		co.metrics.ActiveSessions.Set(float64(len(co.sessions)))
	}
	co.logger.Info("User joined graph",
		zap.String("graphID", graphID),
		zap.String("userID", c.userID),
		zap.String("role", string(role)))
}

// replayHistory streams the most recent commands to a fresh joiner in
// ascending sequence order.
func (co *Coordinator) replayHistory(ctx context.Context, c *Client, graphID string) {
	opCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	cmds, err := co.commands.Fetch(opCtx, graphID, co.historyLimit)
	if err != nil {
		co.logger.Warn("History replay failed",
			zap.String("graphID", graphID), zap.Error(err))
		co.sendError(c, "history unavailable: "+apperrors.Message(err), apperrors.Code(err), "")
		return
	}
	for _, cmd := range cmds {
		co.sendEvent(c, EventCommandReceived, cmd)
	}
}

// handleCommand persists a command and fans it out to every other
// participant. The sender never receives its own command back.
func (co *Coordinator) handleCommand(ctx context.Context, c *Client, p CommandPayload) {
	b, ok := co.bindings[c.id]
	if !ok || b.graphID != p.GraphID {
		co.sendError(c, "not joined to graph "+p.GraphID, "NOT_A_MEMBER", p.ID)
		if co.metrics != nil {
			co.metrics.CommandsRejected.Inc()
		}
		return
	}

	cmdType := collab.CommandType(p.Type)
	if !cmdType.Valid() {
		co.sendError(c, "unknown command type: "+p.Type, "VALIDATION", p.ID)
		if co.metrics != nil {
			co.metrics.CommandsRejected.Inc()
		}
		return
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	cmd := collab.Command{
		ID:      p.ID,
		GraphID: p.GraphID,
		// The sender's identity comes from the connection, never
		// from the payload.
		UserID:    c.userID,
		Type:      cmdType,
		Payload:   p.Payload,
		Timestamp: ts,
	}

	opCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	seq, duplicate, err := co.commands.Append(opCtx, p.GraphID, cmd)
	cancel()
	if err != nil {
		co.sendError(c, apperrors.Message(err), apperrors.Code(err), p.ID)
		if co.metrics != nil {
			co.metrics.CommandsRejected.Inc()
		}
		return
	}
	if duplicate {
		// A retried command was already appended and broadcast once;
		// re-broadcasting would double-apply it at every receiver.
		co.logger.Debug("Duplicate command dropped",
			zap.String("graphID", p.GraphID),
			zap.String("commandID", p.ID),
			zap.Int64("seq", seq))
		return
	}
	cmd.Seq = seq

	sess := co.sessions[p.GraphID]
	if sess != nil {
		co.broadcast(sess, EventCommandReceived, cmd, c)
	}
	co.registry.UpdatePresence(c.id, collab.PresencePatch{})
	if co.metrics != nil {
		co.metrics.CommandsAccepted.Inc()
	}
}

// handleCursorMove relays a cursor position to the other
// participants. Best effort: no persistence, drops are acceptable.
func (co *Coordinator) handleCursorMove(c *Client, p CursorMovePayload) {
	b, ok := co.bindings[c.id]
	if !ok {
		return
	}
	cursor := collab.CursorPosition{X: p.X, Y: p.Y}
	co.registry.UpdatePresence(c.id, collab.PresencePatch{Cursor: &cursor})

	sess := co.sessions[b.graphID]
	if sess != nil {
		co.broadcast(sess, EventCursorUpdate, CursorUpdatePayload{
			CollaboratorID: c.id,
			UserID:         c.userID,
			X:              p.X,
			Y:              p.Y,
		}, c)
	}
}

// handleEntitySelect relays an entity selection to the other
// participants.
func (co *Coordinator) handleEntitySelect(c *Client, p EntitySelectPayload) {
	b, ok := co.bindings[c.id]
	if !ok {
		return
	}
	entityID := p.EntityID
	co.registry.UpdatePresence(c.id, collab.PresencePatch{SelectedEntityID: &entityID})

	sess := co.sessions[b.graphID]
	if sess != nil {
		co.broadcast(sess, EventEntitySelected, EntitySelectedPayload{
			CollaboratorID: c.id,
			UserID:         c.userID,
			EntityID:       p.EntityID,
		}, c)
	}
}

// handleInvite creates an invitation and delivers it to every live
// connection of the target user. Leader only.
func (co *Coordinator) handleInvite(ctx context.Context, c *Client, p SendInvitationPayload) {
	members, err := co.listMembers(ctx, p.GraphID)
	if err != nil {
		co.sendAppError(c, err, "")
		return
	}
	caller, ok := findMember(members, c.userID)
	if !ok {
		co.sendAppError(c, apperrors.NewNotAMemberError(p.GraphID), "")
		return
	}
	if !caller.IsLeader() {
		co.sendAppError(c, apperrors.NewNotLeaderError(p.GraphID), "")
		return
	}
	if _, exists := findMember(members, p.TargetUserID); exists {
		co.sendAppError(c, apperrors.NewConflictError("user is already a member of this graph"), "")
		return
	}

	inv := collab.Invitation{
		ID:           uuid.New().String(),
		GraphID:      p.GraphID,
		GraphName:    p.GraphName,
		FromUserID:   c.userID,
		FromUserName: c.displayName,
		TargetUserID: p.TargetUserID,
		CreatedAt:    time.Now(),
	}

	opCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	err = co.invitations.Put(opCtx, inv)
	cancel()
	if err != nil {
		co.sendAppError(c, apperrors.NewPersistenceError("store invitation", err), "")
		return
	}

	for _, connID := range co.registry.ConnectionsForUser(p.TargetUserID) {
		if target, ok := co.clients[connID]; ok {
			co.sendEvent(target, EventInvitationReceived, inv)
		}
	}
	co.logger.Info("Invitation sent",
		zap.String("graphID", p.GraphID),
		zap.String("fromUserID", c.userID),
		zap.String("targetUserID", p.TargetUserID))
}

// handleAccept resolves an invitation exactly once and runs the join
// flow for its graph. The addressee is checked before the invitation
// is consumed so a wrong caller cannot destroy it.
func (co *Coordinator) handleAccept(ctx context.Context, c *Client, p AcceptInvitationPayload) {
	inv, err := co.resolveInvitation(ctx, c, p.InvitationID)
	if err != nil {
		co.sendAppError(c, err, "")
		return
	}
	co.handleJoin(ctx, c, inv.GraphID, true)
}

// handleReject discards an invitation. Rejecting an unknown or
// expired invitation is a no-op; rejecting someone else's is an error.
func (co *Coordinator) handleReject(ctx context.Context, c *Client, p RejectInvitationPayload) {
	_, err := co.resolveInvitation(ctx, c, p.InvitationID)
	if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
		co.sendAppError(c, err, "")
	}
}

// resolveInvitation consumes an invitation addressed to the caller.
func (co *Coordinator) resolveInvitation(ctx context.Context, c *Client, invitationID string) (collab.Invitation, error) {
	opCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	inv, found, err := co.invitations.Get(opCtx, invitationID)
	if err != nil {
		return collab.Invitation{}, apperrors.NewPersistenceError("look up invitation", err)
	}
	if !found {
		return collab.Invitation{}, apperrors.NewConflictError("invitation expired or already resolved")
	}
	if inv.TargetUserID != c.userID {
		return collab.Invitation{}, apperrors.NewValidationError("invitation is not addressed to this user")
	}

	inv, found, err = co.invitations.Take(opCtx, invitationID)
	if err != nil {
		return collab.Invitation{}, apperrors.NewPersistenceError("resolve invitation", err)
	}
	if !found {
		return collab.Invitation{}, apperrors.NewConflictError("invitation expired or already resolved")
	}
	return inv, nil
}

// handleLeave removes the caller's membership and applies leader
// succession or graph teardown.
func (co *Coordinator) handleLeave(ctx context.Context, c *Client, graphID string) {
	if err := co.departUser(ctx, graphID, c.userID); err != nil {
		co.sendAppError(c, err, "")
	}
}

// departUser runs the full leave sequence for a user: succession if
// they lead a populated graph, teardown if they are the last member.
func (co *Coordinator) departUser(ctx context.Context, graphID, userID string) error {
	members, err := co.listMembers(ctx, graphID)
	if err != nil {
		return err
	}
	leaver, ok := findMember(members, userID)
	if !ok {
		return apperrors.NewNoSuchMemberError(userID)
	}

	opCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()

	sess := co.sessions[graphID]

	if len(members) == 1 {
		if _, _, err := co.memberships.Remove(opCtx, graphID, userID); err != nil {
			return err
		}
		// Last member out deletes the graph session. Any connection
		// still attached, including the leaver's other tabs, is told
		// so it can clear local state.
		if sess != nil {
			co.broadcast(sess, EventGraphDeleted, GraphDeletedPayload{GraphID: graphID}, nil)
			co.detachAll(sess, graphID)
		}
		co.logger.Info("Graph session deleted",
			zap.String("graphID", graphID), zap.String("lastMember", userID))
		return nil
	}

	if leaver.IsLeader() {
		successor, ok := firstOtherMember(members, userID)
		if !ok {
			return apperrors.NewInternalError("no successor available")
		}
		if err := co.memberships.Promote(opCtx, graphID, userID, successor.UserID); err != nil {
			return err
		}
		if sess != nil {
			co.broadcast(sess, EventCollaboratorPromoted, CollaboratorPromotedPayload{
				GraphID:   graphID,
				NewLeader: successor.UserID,
			}, nil)
		}
		co.logger.Info("Leadership transferred on leave",
			zap.String("graphID", graphID),
			zap.String("from", userID),
			zap.String("to", successor.UserID))
	}

	if _, _, err := co.memberships.Remove(opCtx, graphID, userID); err != nil {
		return err
	}
	co.detachUser(graphID, userID)
	return nil
}

// handleKick removes another member from a graph. Leader only, and a
// leader cannot kick themself.
func (co *Coordinator) handleKick(ctx context.Context, c *Client, p KickUserPayload) {
	if p.TargetUserID == c.userID {
		co.sendError(c, "a leader cannot kick themself; leave the graph instead", "VALIDATION", "")
		return
	}
	members, err := co.listMembers(ctx, p.GraphID)
	if err != nil {
		co.sendAppError(c, err, "")
		return
	}
	caller, ok := findMember(members, c.userID)
	if !ok {
		co.sendAppError(c, apperrors.NewNotAMemberError(p.GraphID), "")
		return
	}
	if !caller.IsLeader() {
		co.sendAppError(c, apperrors.NewNotLeaderError(p.GraphID), "")
		return
	}
	if _, ok := findMember(members, p.TargetUserID); !ok {
		co.sendAppError(c, apperrors.NewNoSuchMemberError(p.TargetUserID), "")
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	_, _, err = co.memberships.Remove(opCtx, p.GraphID, p.TargetUserID)
	cancel()
	if err != nil {
		co.sendAppError(c, err, "")
		return
	}

	// Notify the kicked user's connections before detaching them so
	// the frame still reaches their session.
	if sess := co.sessions[p.GraphID]; sess != nil {
		for _, b := range sess.participants {
			if b.client.userID == p.TargetUserID {
				co.sendEvent(b.client, EventKickNotification, KickNotificationPayload{
					GraphID: p.GraphID,
					Reason:  "removed from the graph by the session leader",
				})
			}
		}
	}
	co.detachUser(p.GraphID, p.TargetUserID)
	co.logger.Info("User kicked",
		zap.String("graphID", p.GraphID),
		zap.String("leaderID", c.userID),
		zap.String("targetUserID", p.TargetUserID))
}

// promote transfers leadership between two current members.
func (co *Coordinator) promote(ctx context.Context, graphID, fromUserID, toUserID string) error {
	opCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	err := co.memberships.Promote(opCtx, graphID, fromUserID, toUserID)
	cancel()
	if err != nil {
		return err
	}
	if fromUserID == toUserID {
		return nil
	}
	if sess := co.sessions[graphID]; sess != nil {
		co.broadcast(sess, EventCollaboratorPromoted, CollaboratorPromotedPayload{
			GraphID:   graphID,
			NewLeader: toUserID,
		}, nil)
	}
	co.logger.Info("Leadership transferred",
		zap.String("graphID", graphID),
		zap.String("from", fromUserID),
		zap.String("to", toUserID))
	return nil
}

// detachUser removes every connection a user has in a graph session
// and announces their departure to the remaining participants.
func (co *Coordinator) detachUser(graphID, userID string) {
	sess := co.sessions[graphID]
	if sess == nil {
		return
	}
	var detached []*binding
	for _, b := range sess.participants {
		if b.client.userID == userID {
			detached = append(detached, b)
		}
	}
	for _, b := range detached {
		delete(co.bindings, b.client.id)
		sess.remove(b)
		co.registry.ClearGraph(b.client.id)
	}
	if len(sess.participants) == 0 {
		delete(co.sessions, graphID)
		if co.metrics != nil {
			co.metrics.ActiveSessions.Set(float64(len(co.sessions)))
		}
		return
	}
	co.broadcast(sess, EventUserLeft, UserLeftPayload{GraphID: graphID, UserID: userID}, nil)
	co.pushPresence(graphID)
}

// detachAll clears every participant of a deleted graph session.
func (co *Coordinator) detachAll(sess *graphSession, graphID string) {
	for _, b := range sess.participants {
		delete(co.bindings, b.client.id)
		co.registry.ClearGraph(b.client.id)
	}
	sess.participants = nil
	delete(co.sessions, graphID)
	if co.metrics != nil {
		co.metrics.ActiveSessions.Set(float64(len(co.sessions)))
	}
}

func (co *Coordinator) listMembers(ctx context.Context, graphID string) ([]collab.Member, error) {
	opCtx, cancel := context.WithTimeout(ctx, storeCallTimeout)
	defer cancel()
	return co.memberships.ListMembers(opCtx, graphID)
}

func (co *Coordinator) roleOf(ctx context.Context, graphID, userID string) collab.Role {
	members, err := co.listMembers(ctx, graphID)
	if err != nil {
		return collab.RoleMember
	}
	if m, ok := findMember(members, userID); ok {
		return m.Role
	}
	return collab.RoleMember
}

func findMember(members []collab.Member, userID string) (collab.Member, bool) {
	for _, m := range members {
		if m.UserID == userID {
			return m, true
		}
	}
	return collab.Member{}, false
}

// firstOtherMember picks the successor on leader departure: the
// earliest joined member that is not the leaver.
func firstOtherMember(members []collab.Member, excludeUserID string) (collab.Member, bool) {
	for _, m := range members {
		if m.UserID != excludeUserID {
			return m, true
		}
	}
	return collab.Member{}, false
}

// pushPresence sends every session participant the presence list of
// the other participants.
func (co *Coordinator) pushPresence(graphID string) {
	sess := co.sessions[graphID]
	if sess == nil {
		return
	}
	all := co.registry.List(graphID)
	for _, b := range sess.participants {
		others := make([]collab.Presence, 0, len(all))
		for _, p := range all {
			if p.ConnectionID != b.client.id {
				others = append(others, p)
			}
		}
		co.sendEvent(b.client, EventCollaboratorsUpdate, CollaboratorsUpdatePayload{
			GraphID:       graphID,
			Collaborators: others,
		})
	}
}

// sendPresence sends one connection its view of the presence list.
func (co *Coordinator) sendPresence(c *Client, graphID string) {
	all := co.registry.List(graphID)
	others := make([]collab.Presence, 0, len(all))
	for _, p := range all {
		if p.ConnectionID != c.id {
			others = append(others, p)
		}
	}
	co.sendEvent(c, EventCollaboratorsUpdate, CollaboratorsUpdatePayload{
		GraphID:       graphID,
		Collaborators: others,
	})
}

// broadcast fans an event out to every participant except the
// excluded client.
func (co *Coordinator) broadcast(sess *graphSession, event string, payload interface{}, except *Client) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		co.logger.Error("Failed to marshal broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	for _, b := range sess.participants {
		if except != nil && b.client == except {
			continue
		}
		if !b.client.trySend(data) {
			if co.metrics != nil {
				co.metrics.MessagesDropped.Inc()
			}
			co.logger.Warn("Dropped frame for slow consumer",
				zap.String("connectionID", b.client.id),
				zap.String("event", event))
		}
	}
	if co.metrics != nil {
		co.metrics.EventsBroadcast.Inc()
	}
}

func (co *Coordinator) sendEvent(c *Client, event string, payload interface{}) {
	data, err := marshalEnvelope(event, payload)
	if err != nil {
		co.logger.Error("Failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	if !c.trySend(data) {
		if co.metrics != nil {
			co.metrics.MessagesDropped.Inc()
		}
	}
}

func (co *Coordinator) sendError(c *Client, message, code, commandID string) {
	co.sendEvent(c, EventError, ErrorPayload{Message: message, Code: code, CommandID: commandID})
}

// sendAppError reports a typed application error to the requester. A
// nil error is a no-op.
func (co *Coordinator) sendAppError(c *Client, err error, commandID string) {
	if err == nil {
		return
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		co.sendError(c, appErr.Message, string(appErr.Type), commandID)
		return
	}
	co.sendError(c, "internal error", "INTERNAL", commandID)
}

// shutdown closes every client connection when the run loop exits.
func (co *Coordinator) shutdown() {
	for _, c := range co.clients {
		close(c.send)
	}
	co.clients = make(map[string]*Client)
	co.bindings = make(map[string]*binding)
	co.sessions = make(map[string]*graphSession)
}
