package hooks

import (
	"encoding/json"
	"strings"

	"github.com/duraloop/duraloop/pkg/models"
)

// Manager evaluates a static list of hooks (loaded from an Agent's
// configuration) against tool invocations as they flow through the
// executor.
type Manager struct {
	hooks []models.Hook
}

func NewManager(hooks []models.Hook) *Manager {
	return &Manager{hooks: hooks}
}

// Before runs every DependsOn/SkipDuplicate hook whose pattern matches
// tool:action. The first rejection short-circuits, step 4.
func (m *Manager) Before(tool, action string, call models.ToolCall, conversation []*models.Message) BeforeResult {
	for _, h := range m.hooks {
		if h.Kind != models.HookBeforeDependsOn && h.Kind != models.HookBeforeSkipDuplicate {
			continue
		}
		if !matchPattern(h.Pattern, tool, action) {
			continue
		}
		switch h.Kind {
		case models.HookBeforeDependsOn:
			if !satisfiesDependsOn(h, call, conversation) {
				return BeforeResult{Rejected: true, Reason: "requires a prior " + h.Prior + " call matching " + h.MatchArg}
			}
		case models.HookBeforeSkipDuplicate:
			if isDuplicate(h, tool, call, conversation) {
				return BeforeResult{Rejected: true, Reason: "duplicate of an earlier unredacted call"}
			}
		}
	}
	return BeforeResult{}
}

// After runs every AfterSteer hook whose pattern matches and whose
// "unless" map does not match call's arguments, concatenating their
// messages with newlines.
func (m *Manager) After(tool, action string, call models.ToolCall) AfterResult {
	var lines []string
	var args map[string]any
	_ = json.Unmarshal(call.Input, &args)

	for _, h := range m.hooks {
		if h.Kind != models.HookAfterSteer {
			continue
		}
		if !matchPattern(h.Pattern, tool, action) {
			continue
		}
		if matchesUnless(h.Unless, args) {
			continue
		}
		if h.Message != "" {
			lines = append(lines, h.Message)
		}
	}
	return AfterResult{Steering: strings.Join(lines, "\n")}
}

func matchesUnless(unless map[string]any, args map[string]any) bool {
	if len(unless) == 0 {
		return false
	}
	for k, v := range unless {
		av, ok := args[k]
		if !ok {
			return false
		}
		if !equalJSONish(av, v) {
			return false
		}
	}
	return true
}

func equalJSONish(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// satisfiesDependsOn walks the conversation in reverse looking for a
// prior assistant tool-call named h.Prior whose h.MatchArg argument
// value equals the current call's same-named argument.
func satisfiesDependsOn(h models.Hook, call models.ToolCall, conversation []*models.Message) bool {
	var curArgs map[string]any
	if err := json.Unmarshal(call.Input, &curArgs); err != nil {
		return false
	}
	wantVal, ok := curArgs[h.MatchArg]
	if !ok {
		return false
	}

	for i := len(conversation) - 1; i >= 0; i-- {
		msg := conversation[i]
		if msg.Role != models.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if tc.Name != h.Prior {
				continue
			}
			var priorArgs map[string]any
			if err := json.Unmarshal(tc.Input, &priorArgs); err != nil {
				continue
			}
			if priorVal, ok := priorArgs[h.MatchArg]; ok && equalJSONish(priorVal, wantVal) {
				return true
			}
		}
	}
	return false
}

// isDuplicate scans for a prior call to the same tool whose identity
// (the argument subset named by h.MatchArg, or the whole input when
// unset) equals call's, and whose tool-result has not been redacted.
func isDuplicate(h models.Hook, tool string, call models.ToolCall, conversation []*models.Message) bool {
	curIdentity := identityOf(h.MatchArg, call.Input)

	for i, msg := range conversation {
		if msg.Role != models.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if tc.Name != tool || tc.ID == call.ID {
				continue
			}
			if identityOf(h.MatchArg, tc.Input) != curIdentity {
				continue
			}
			if resultRedacted(tc.ID, conversation[i:]) {
				continue
			}
			return true
		}
	}
	return false
}

func identityOf(matchArg string, input json.RawMessage) string {
	if matchArg == "" {
		return string(input)
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return string(input)
	}
	v, ok := args[matchArg]
	if !ok {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func resultRedacted(callID string, after []*models.Message) bool {
	for _, msg := range after {
		if msg.Role != models.RoleTool || msg.ToolCallID != callID {
			continue
		}
		return strings.HasPrefix(msg.Content, RedactionMarker)
	}
	// No result recorded yet for this call: treat as not redacted, so
	// SkipDuplicate can still fire against an in-flight duplicate.
	return false
}

// matchPattern implements the "*"-glob described in the design: "*"
// denotes any substring, and "tool:action" pairs are compared verbatim
// otherwise.
func matchPattern(pattern, tool, action string) bool {
	subject := tool + ":" + action
	if pattern == subject {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	parts := strings.Split(pattern, "*")
	pos := 0
	for i, part := range parts {
		if part == "" {
			continue
		}
		idx := strings.Index(subject[pos:], part)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(part)
	}
	if last := parts[len(parts)-1]; last != "" && !strings.HasSuffix(subject, last) {
		return false
	}
	return true
}
