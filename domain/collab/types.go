// Package collab defines the domain types shared by the session
// coordinator, the persistence layer, and the client session proxy:
// presence, membership, replicated commands, and invitations.
package collab

import (
	"encoding/json"
	"time"
)

// Role represents a member's role within a graph
type Role string

const (
	RoleLeader Role = "leader"
	RoleMember Role = "member"
)

// Member is a durable (graph, user, role) record
type Member struct {
	UserID   string    `json:"userId"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// IsLeader reports whether the member holds the leader role
func (m Member) IsLeader() bool {
	return m.Role == RoleLeader
}

// CursorPosition is a collaborator's cursor location on the canvas
type CursorPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is the ephemeral display state of one connection.
// It is never persisted to the command log.
type Presence struct {
	ConnectionID     string          `json:"connectionId"`
	UserID           string          `json:"userId"`
	DisplayName      string          `json:"displayName"`
	Color            string          `json:"color"`
	GraphID          string          `json:"graphId,omitempty"`
	Cursor           *CursorPosition `json:"cursor,omitempty"`
	SelectedEntityID string          `json:"selectedEntityId,omitempty"`
	LastActiveAt     time.Time       `json:"lastActiveAt"`
}

// PresencePatch is a partial presence update. Nil fields are left unchanged.
type PresencePatch struct {
	Cursor           *CursorPosition
	SelectedEntityID *string
}

// CommandType classifies a replicated user action
type CommandType string

const (
	CommandAddEntity    CommandType = "add_entity"
	CommandDeleteEntity CommandType = "delete_entity"
	CommandUpdateEntity CommandType = "update_entity"
	CommandAddLink      CommandType = "add_link"
	CommandDeleteLink   CommandType = "delete_link"
	CommandTransform    CommandType = "transform"
	CommandChat         CommandType = "chat"
)

// Valid reports whether t is one of the known command types
func (t CommandType) Valid() bool {
	switch t {
	case CommandAddEntity, CommandDeleteEntity, CommandUpdateEntity,
		CommandAddLink, CommandDeleteLink, CommandTransform, CommandChat:
		return true
	}
	return false
}

// Command is one ordered, persisted user action against a graph.
// The payload is opaque to the coordinator; only the log's append
// sequence gives commands their authoritative order.
type Command struct {
	ID        string          `json:"id"`
	GraphID   string          `json:"graphId"`
	UserID    string          `json:"userId"`
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq,omitempty"`
}

// Invitation is a pending offer from a graph leader to a non-member.
// It resolves exactly once: accepting creates a membership, rejecting
// discards it, and unresolved invitations expire.
type Invitation struct {
	ID           string    `json:"id"`
	GraphID      string    `json:"graphId"`
	GraphName    string    `json:"graphName"`
	FromUserID   string    `json:"fromUserId"`
	FromUserName string    `json:"fromUserName"`
	TargetUserID string    `json:"targetUserId"`
	CreatedAt    time.Time `json:"createdAt"`
}
