package websocket

import (
	"encoding/json"
	"time"

	"casefile-backend/domain/collab"
)

// Client -> server events
const (
	EventJoinGraph        = "join-graph"
	EventLeaveGraph       = "leave-graph"
	EventCommand          = "command"
	EventCursorMove       = "cursor-move"
	EventEntitySelect     = "entity-select"
	EventSendInvitation   = "send-invitation"
	EventAcceptInvitation = "accept-invitation"
	EventRejectInvitation = "reject-invitation"
	EventKickUser         = "kick-user"
	EventPromote          = "promote-to-leader"
)

// Server -> client events
const (
	EventJoinConfirmed        = "join-confirmed"
	EventJoinFailed           = "join-failed"
	EventCollaboratorsUpdate  = "collaborators-update"
	EventCommandReceived      = "command-received"
	EventCursorUpdate         = "cursor-update"
	EventEntitySelected       = "entity-selected"
	EventInvitationReceived   = "invitation-received"
	EventCollaboratorPromoted = "collaborator-promoted"
	EventUserLeft             = "user-left"
	EventKickNotification     = "kick-notification"
	EventGraphDeleted         = "graph-deleted"
	EventError                = "error"
)

// Envelope is the wire frame for every realtime message in either
// direction
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads

// JoinGraphPayload requests to join a graph session
type JoinGraphPayload struct {
	GraphID string `json:"graphId" validate:"required"`
}

// LeaveGraphPayload requests to leave a graph session
type LeaveGraphPayload struct {
	GraphID string `json:"graphId" validate:"required"`
}

// CommandPayload carries one replicated user action
type CommandPayload struct {
	ID        string          `json:"id" validate:"required"`
	GraphID   string          `json:"graphId" validate:"required"`
	UserID    string          `json:"userId"`
	Type      string          `json:"type" validate:"required"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// CursorMovePayload is a best-effort cursor position update
type CursorMovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EntitySelectPayload is a best-effort selection update
type EntitySelectPayload struct {
	EntityID string `json:"entityId"`
}

// SendInvitationPayload invites a non-member to a graph
type SendInvitationPayload struct {
	GraphID      string `json:"graphId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
	GraphName    string `json:"graphName"`
}

// AcceptInvitationPayload resolves an invitation and joins
type AcceptInvitationPayload struct {
	InvitationID string `json:"invitationId" validate:"required"`
	GraphID      string `json:"graphId"`
}

// RejectInvitationPayload discards an invitation
type RejectInvitationPayload struct {
	InvitationID string `json:"invitationId" validate:"required"`
}

// KickUserPayload removes a member from a graph (leader only)
type KickUserPayload struct {
	GraphID      string `json:"graphId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
}

// PromotePayload transfers leadership (leader only)
type PromotePayload struct {
	GraphID      string `json:"graphId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
}

// Outbound payloads

// JoinConfirmedPayload acknowledges a successful join
type JoinConfirmedPayload struct {
	GraphID string      `json:"graphId"`
	Role    collab.Role `json:"role"`
}

// JoinFailedPayload reports a rejected join
type JoinFailedPayload struct {
	GraphID string `json:"graphId"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// CollaboratorsUpdatePayload is the presence list for a graph, minus
// the receiving connection
type CollaboratorsUpdatePayload struct {
	GraphID       string            `json:"graphId"`
	Collaborators []collab.Presence `json:"collaborators"`
}

// CursorUpdatePayload relays another collaborator's cursor
type CursorUpdatePayload struct {
	CollaboratorID string  `json:"collaboratorId"`
	UserID         string  `json:"userId"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
}

// EntitySelectedPayload relays another collaborator's selection
type EntitySelectedPayload struct {
	CollaboratorID string `json:"collaboratorId"`
	UserID         string `json:"userId"`
	EntityID       string `json:"entityId"`
}

// CollaboratorPromotedPayload announces a leadership change
type CollaboratorPromotedPayload struct {
	GraphID   string `json:"graphId"`
	NewLeader string `json:"newLeader"`
}

// UserLeftPayload announces a collaborator leaving the session
type UserLeftPayload struct {
	GraphID string `json:"graphId"`
	UserID  string `json:"userId"`
}

// KickNotificationPayload tells a kicked user why they were removed
type KickNotificationPayload struct {
	GraphID string `json:"graphId"`
	Reason  string `json:"reason"`
}

// GraphDeletedPayload announces that a graph session ended for good
type GraphDeletedPayload struct {
	GraphID string `json:"graphId"`
}

// ErrorPayload reports a recoverable failure to the requester only
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	CommandID string `json:"commandId,omitempty"`
}

// marshalEnvelope encodes an event and payload into a wire frame
func marshalEnvelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
