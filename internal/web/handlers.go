package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/duraloop/duraloop/internal/agent"
	"github.com/duraloop/duraloop/pkg/models"
)

type createSessionRequest struct {
	SessionID string `json:"session_id"`
	AgentName string `json:"agent_name"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.SessionID == "" || req.AgentName == "" {
		writeError(w, http.StatusBadRequest, "session_id and agent_name are required")
		return
	}
	if _, ok := h.cfg.Agents.Resolve(req.AgentName); !ok {
		writeError(w, http.StatusNotFound, "unknown agent name")
		return
	}

	sess, err := h.cfg.Store.Create(r.Context(), req.SessionID, req.AgentName)
	if err != nil {
		h.cfg.Logger.Error("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.cfg.Store.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

type postMessageResponse struct {
	Complete bool `json:"complete"`
	Content string `json:"content,omitempty"`
	AwaitingApproval bool `json:"awaiting_approval"`
	PendingApproval *models.PendingApproval `json:"pending_approval,omitempty"`
	Steered bool `json:"steered"`
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	result, err := h.cfg.Dispatcher.Deliver(r.Context(), id, req.Content)
	if err != nil {
		h.cfg.Logger.Error("deliver message failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}
	if result == nil {
		// Steered into an already-running loop; no synchronous result.
		writeJSON(w, http.StatusAccepted, postMessageResponse{Steered: true})
		return
	}
	writeJSON(w, http.StatusOK, postMessageResponse{
		Complete: result.Complete,
		Content: result.Content,
		AwaitingApproval: result.AwaitingApproval,
		PendingApproval: result.PendingApproval,
	})
}

type postApprovalRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Approve bool `json:"approve"`
	Reason string `json:"reason,omitempty"`
}

// postApproval resolves a session's single outstanding PendingApproval
// and resumes the loop. Denial is fed back as a failed tool result so
// the model sees the rejection as ordinary tool output, matching the
// loop's "errors become data" handling of ToolErrorApproval elsewhere.
func (h *Handler) postApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req postApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	sess, err := h.cfg.Store.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if sess.PendingApproval == nil {
		writeError(w, http.StatusConflict, agent.ErrNoPendingApproval.Error())
		return
	}
	if sess.PendingApproval.ToolCallID != req.ToolCallID {
		writeError(w, http.StatusConflict, agent.ErrApprovalMismatch.Error())
		return
	}

	sess, err = h.cfg.Store.ClearPendingApproval(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear pending approval")
		return
	}

	result := models.ToolResult{ToolCallID: req.ToolCallID}
	if req.Approve {
		result.Success = true
		result.Content = "approved; re-dispatch the tool call to execute it"
	} else {
		result.Success = false
		result.Content = "denied by operator"
		if req.Reason != "" {
			result.Content += ": " + req.Reason
		}
	}
	if _, err := h.cfg.Store.AddToolResult(r.Context(), id, result); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record approval result")
		return
	}

	loopResult, err := h.cfg.Dispatcher.Deliver(r.Context(), id, "")
	if err != nil && !errors.Is(err, agent.ErrSessionBusy) {
		h.cfg.Logger.Error("resume after approval failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resume loop")
		return
	}
	if loopResult == nil {
		writeJSON(w, http.StatusAccepted, postMessageResponse{Steered: true})
		return
	}
	writeJSON(w, http.StatusOK, postMessageResponse{
		Complete: loopResult.Complete,
		Content: loopResult.Content,
		AwaitingApproval: loopResult.AwaitingApproval,
		PendingApproval: loopResult.PendingApproval,
	})
}
