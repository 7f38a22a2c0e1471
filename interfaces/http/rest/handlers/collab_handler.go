package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"casefile-backend/application/ports"
	"casefile-backend/domain/collab"
	"casefile-backend/interfaces/websocket"
	"casefile-backend/pkg/auth"
	"casefile-backend/pkg/common"
	apperrors "casefile-backend/pkg/errors"
)

// CollabHandler exposes session membership and history over REST for
// clients that are not holding a live websocket connection.
type CollabHandler struct {
	coordinator  *websocket.Coordinator
	memberships  ports.MembershipStore
	commands     ports.CommandLog
	historyLimit int
	logger       *zap.Logger
}

func NewCollabHandler(coordinator *websocket.Coordinator, memberships ports.MembershipStore, commands ports.CommandLog, historyLimit int, logger *zap.Logger) *CollabHandler {
	if historyLimit <= 0 {
		historyLimit = 100
	}
	return &CollabHandler{
		coordinator:  coordinator,
		memberships:  memberships,
		commands:     commands,
		historyLimit: historyLimit,
		logger:       logger,
	}
}

// JoinGraph handles POST /graphs/{graphID}/join. Joining a graph the
// caller already belongs to succeeds without side effects.
func (h *CollabHandler) JoinGraph(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")
	if graphID == "" {
		common.RespondAppError(w, apperrors.NewValidationError("graph id is required"))
		return
	}
	userCtx, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized")
		return
	}

	created, role, err := h.coordinator.EnsureMembership(r.Context(), graphID, userCtx.UserID)
	if err != nil {
		h.logger.Warn("Join rejected",
			zap.String("graphID", graphID),
			zap.String("userID", userCtx.UserID),
			zap.Error(err),
		)
		common.RespondAppError(w, err)
		return
	}

	common.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"graphId": graphID,
		"role":    role,
		"created": created,
	})
}

// LeaveGraph handles DELETE /graphs/{graphID}/leave. The same
// succession and teardown rules as a realtime leave apply.
func (h *CollabHandler) LeaveGraph(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")
	if graphID == "" {
		common.RespondAppError(w, apperrors.NewValidationError("graph id is required"))
		return
	}
	userCtx, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized")
		return
	}

	if err := h.coordinator.LeaveGraph(r.Context(), graphID, userCtx.UserID); err != nil {
		common.RespondAppError(w, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"graphId": graphID,
		"left":    true,
	})
}

// PromoteLeader handles POST /graphs/{graphID}/promote/{userID}. Only
// the current leader may transfer leadership.
func (h *CollabHandler) PromoteLeader(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")
	targetUserID := chi.URLParam(r, "userID")
	if graphID == "" || targetUserID == "" {
		common.RespondAppError(w, apperrors.NewValidationError("graph id and user id are required"))
		return
	}
	userCtx, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized")
		return
	}

	if err := h.coordinator.PromoteLeader(r.Context(), graphID, userCtx.UserID, targetUserID); err != nil {
		common.RespondAppError(w, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"graphId":   graphID,
		"newLeader": targetUserID,
	})
}

// ListMembers handles GET /graphs/{graphID}/members. Members only.
func (h *CollabHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")
	if graphID == "" {
		common.RespondAppError(w, apperrors.NewValidationError("graph id is required"))
		return
	}
	userCtx, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized")
		return
	}

	members, err := h.memberships.ListMembers(r.Context(), graphID)
	if err != nil {
		common.RespondAppError(w, err)
		return
	}
	if !isMember(members, userCtx.UserID) {
		common.RespondAppError(w, apperrors.NewNotAMemberError(graphID))
		return
	}
	common.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"graphId": graphID,
		"members": members,
	})
}

// GetHistory handles GET /graphs/{graphID}/commands. Returns the most
// recent commands in ascending sequence order. Members only.
func (h *CollabHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	graphID := chi.URLParam(r, "graphID")
	if graphID == "" {
		common.RespondAppError(w, apperrors.NewValidationError("graph id is required"))
		return
	}
	userCtx, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized")
		return
	}

	members, err := h.memberships.ListMembers(r.Context(), graphID)
	if err != nil {
		common.RespondAppError(w, err)
		return
	}
	if !isMember(members, userCtx.UserID) {
		common.RespondAppError(w, apperrors.NewNotAMemberError(graphID))
		return
	}

	limit := h.historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= h.historyLimit {
			limit = n
		}
	}

	cmds, err := h.commands.Fetch(r.Context(), graphID, limit)
	if err != nil {
		h.logger.Error("History fetch failed",
			zap.String("graphID", graphID),
			zap.Error(err),
		)
		common.RespondAppError(w, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"graphId":  graphID,
		"commands": cmds,
	})
}

func isMember(members []collab.Member, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
