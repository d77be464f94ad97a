package sessions

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duraloop/duraloop/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("sessions: session not found")
	ErrEventSeqGap = errors.New("sessions: event sequence gap")
)

// applyEvent folds one event into sess, mutating it in place. This is
// the single place event semantics live, shared by live appends and
// cold replay so the two paths can never diverge.
func applyEvent(sess *models.Session, ev models.SessionEvent) error {
	sess.UpdatedAt = ev.Timestamp

	switch ev.Type {
	case models.EventUserMessage:
		var p models.UserMessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		sess.Conversation = append(sess.Conversation, p.Message)

	case models.EventAssistantMessage:
		var p models.AssistantMessagePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		sess.Conversation = append(sess.Conversation, p.Message)

	case models.EventToolCall:
		// Tool calls are recorded for audit/trace purposes; the call
		// itself already lives on the assistant message that issued it,
		// so replay does not need to mutate the conversation here.

	case models.EventToolResult:
		var p models.ToolResultPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		sess.Conversation = append(sess.Conversation, &models.Message{
			ID: p.CallID + ":result",
			Role: models.RoleTool,
			Content: p.Content,
			ToolCallID: p.CallID,
			IsError: !p.Success,
			CreatedAt: ev.Timestamp,
		})

	case models.EventStatusChanged:
		var p models.StatusChangedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		sess.Status = p.Status

	case models.EventPendingApprovalSet:
		var p models.PendingApprovalSetPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		approval := p.Approval
		sess.PendingApproval = &approval

	case models.EventPendingApprovalClear:
		sess.PendingApproval = nil

	case models.EventSnapshotTaken:
		// No state change; recorded for diagnostics only.

	default:
		return fmt.Errorf("sessions: unknown event type %q", ev.Type)
	}

	return nil
}
