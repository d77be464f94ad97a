// Package context implements the Context Builder from the design: a
// pure transformation from agent spec, conversation history, directive
// list, and tool definitions into the ordered message list and tool
// schema sent to a provider, adapted from the prior implementation's
// internal/agent/context/packer.go budget-trimming Packer.
package context

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/duraloop/duraloop/internal/agent/providers"
	"github.com/duraloop/duraloop/pkg/models"
)

// TokenBudget bounds context size, Char counts are used
// as a cheap proxy for tokens, matching own
// PackOptions.MaxChars convention (4 chars/token rule of thumb).
type TokenBudget struct {
	MaxInputTokens int
	MaxOutputTokens int
	MaxHistoryTokens int
}

func DefaultTokenBudget() TokenBudget {
	return TokenBudget{
		MaxInputTokens: 120000,
		MaxOutputTokens: 4096,
		MaxHistoryTokens: 100000,
	}
}

const charsPerToken = 4

// ToolSource supplies the tool definitions available to an agent,
// translating models.ToolConfig into the provider-neutral schema shape.
type ToolSource interface {
	Definitions(toolNames []models.ToolConfig) []providers.ToolDefinition
}

// Builder assembles the message list and tool schema sent to a
// provider for one loop iteration.
type Builder struct {
	directives *DirectiveStore
	tools ToolSource
	budget TokenBudget
}

func NewBuilder(directives *DirectiveStore, tools ToolSource, budget TokenBudget) *Builder {
	return &Builder{directives: directives, tools: tools, budget: budget}
}

// Build produces the ordered message list (system preamble + merged
// directives + trimmed history) and the tool definitions for spec's
// agent, steps 1-3.
func (b *Builder) Build(ctx context.Context, spec models.Agent, conversation []*models.Message) ([]*models.Message, []providers.ToolDefinition, error) {
	preamble, err := b.systemPreamble(spec)
	if err != nil {
		return nil, nil, err
	}

	history := trimHistory(conversation, b.budget.MaxHistoryTokens*charsPerToken)

	messages := make([]*models.Message, 0, len(history)+1)
	messages = append(messages, &models.Message{Role: models.RoleSystem, Content: preamble})
	messages = append(messages, history...)

	var tools []providers.ToolDefinition
	if b.tools != nil {
		tools = b.tools.Definitions(spec.Tools)
	}

	return messages, tools, nil
}

// systemPreamble composes step 1 (prime directives, agent
// system prompt, agent instructions) with step 2 (merged file/default
// directives), blank-line separated.
func (b *Builder) systemPreamble(spec models.Agent) (string, error) {
	var sections []string
	sections = append(sections, primeDirectives...)

	if spec.SystemPrompt != "" {
		sections = append(sections, spec.SystemPrompt)
	}
	sections = append(sections, spec.Instructions...)

	if b.directives != nil {
		merged, err := b.directives.Merged(spec.Name)
		if err != nil {
			return "", fmt.Errorf("context: merge directives: %w", err)
		}
		for _, d := range merged {
			if d.Text != "" {
				sections = append(sections, d.Text)
			}
		}
	}

	return strings.Join(sections, "\n\n"), nil
}

// trimHistory drops the oldest messages until the remainder fits within
// maxChars, step 3: "History trimmed from the oldest end
// until it fits within max_history_tokens." An empty history trims to
// an empty slice (Boundary Behaviors).
func trimHistory(history []*models.Message, maxChars int) []*models.Message {
	total := 0
	for _, m := range history {
		total += messageChars(m)
	}
	start := 0
	for total > maxChars && start < len(history) {
		total -= messageChars(history[start])
		start++
	}
	return history[start:]
}

func messageChars(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	return chars
}

// StaticToolSource translates a fixed agent tool list into provider
// schema, used by agents whose tool set doesn't depend on runtime
// discovery.
type StaticToolSource struct {
	Schemas map[string]json.RawMessage
}

func (s *StaticToolSource) Definitions(cfgs []models.ToolConfig) []providers.ToolDefinition {
	out := make([]providers.ToolDefinition, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, providers.ToolDefinition{
			Name: c.Name,
			Description: c.Description,
			Parameters: s.Schemas[c.Name],
		})
	}
	return out
}
