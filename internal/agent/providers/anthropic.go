package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/duraloop/duraloop/pkg/models"
)

// canonicalToolNames lists the tool names Anthropic's OAuth-authenticated
// first-party API expects in a fixed casing, matched case-insensitively
// against the agent's own tool names.
var canonicalToolNames = map[string]string{
	"bash": "bash",
	"str_replace": "str_replace_based_edit_tool",
	"text_editor": "str_replace_based_edit_tool",
	"computer": "computer",
	"webfetch": "web_fetch",
	"websearch": "web_search",
}

func canonicalizeToolName(name string, oauth bool) string {
	if !oauth {
		return name
	}
	if canon, ok := canonicalToolNames[strings.ToLower(name)]; ok {
		return canon
	}
	return name
}

// identityBlock is prepended to the system prompt when authenticating
// via OAuth, matching the original Rust implementation's requirement
// that OAuth sessions self-identify as the first-party CLI client.
const identityBlock = "You are Claude Code, Anthropic's official CLI for Claude."

// AnthropicProvider adapts the neutral Request/Response/StreamEvent
// model to Anthropic's Messages API via anthropics/anthropic-sdk-go,
// adapted from internal/agent/providers/anthropic.go and
// generalized for OAuth auth per the Rust original's llm/anthropic.rs.
type AnthropicProvider struct {
	BaseProvider
	client anthropic.Client
	oauth bool
	maxTokens int
}

// NewAnthropicProvider builds a provider authenticated with a plain API
// key (x-api-key header).
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHeader("anthropic-version", "2023-06-01"))
	return &AnthropicProvider{
		BaseProvider: BaseProvider{APIKey: apiKey, Model: model},
		client: client,
		maxTokens: 4096,
	}
}

// NewAnthropicOAuthProvider builds a provider authenticated with an
// OAuth bearer token instead of an API key; this also
// triggers the identity-block/cache-control system prompt treatment and
// tool-name canonicalization.
func NewAnthropicOAuthProvider(oauthToken, model string) *AnthropicProvider {
	client := anthropic.NewClient(
		option.WithHeader("Authorization", "Bearer "+oauthToken),
		option.WithHeader("anthropic-version", "2023-06-01"),
		option.WithHeader("anthropic-beta", "oauth-2025-04-20"))
	return &AnthropicProvider{
		BaseProvider: BaseProvider{Model: model},
		client: client,
		oauth: true,
		maxTokens: 4096,
	}
}

func (p *AnthropicProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	params, err := p.toWireParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, translateAnthropicError(err)
	}

	out := &Response{
		Usage: &models.Usage{
			PromptTokens: int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	var content strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(variant.Input)
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID: variant.ID,
				Name: variant.Name,
				Input: input,
			})
		}
	}
	out.Content = content.String()
	return out, nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params, err := p.toWireParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan StreamEvent)
	go func() {
		defer close(out)

		var pendingCall *models.ToolCall
		var pendingInput strings.Builder
		var finishedCalls []models.ToolCall
		var inputTokens, outputTokens int

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				inputTokens = int(ms.Message.Usage.InputTokens)

			case "content_block_start":
				cbs := event.AsContentBlockStart()
				if tu := cbs.ContentBlock.AsToolUse(); tu.Type == "tool_use" {
					name := canonicalizeToolName(tu.Name, p.oauth)
					pendingCall = &models.ToolCall{ID: tu.ID, Name: name}
					pendingInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						select {
						case out <- StreamEvent{Kind: StreamToken, Token: delta.Text}:
						case <-ctx.Done():
							return
						}
					}
				case "input_json_delta":
					pendingInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if pendingCall != nil {
					pendingCall.Input = json.RawMessage(pendingInput.String())
					finishedCalls = append(finishedCalls, *pendingCall)
					pendingCall = nil
				}

			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = int(md.Usage.OutputTokens)
				}

			case "message_stop":
				if len(finishedCalls) > 0 {
					select {
					case out <- StreamEvent{Kind: StreamToolCalls, ToolCalls: finishedCalls}:
					case <-ctx.Done():
						return
					}
				}
				usage := &models.Usage{
					PromptTokens: inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens: inputTokens + outputTokens,
				}
				select {
				case out <- StreamEvent{Kind: StreamDone, Usage: usage}:
				case <-ctx.Done():
				}
				return
			}
		}

		if err := stream.Err(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				select {
				case out <- StreamEvent{Kind: StreamCancelled}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- StreamEvent{Kind: StreamCancelled}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

func (p *AnthropicProvider) toWireParams(req Request) (anthropic.MessageNewParams, error) {
	merged := mergeConsecutiveMessages(req.Messages)

	wireMessages, systemTexts, err := p.convertMessages(merged)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := p.maxTokens
	if req.MaxOutputTokens != nil {
		maxTokens = *req.MaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model: anthropic.Model(p.Model),
		Messages: wireMessages,
		MaxTokens: int64(maxTokens),
	}

	if system := p.buildSystemBlocks(systemTexts); len(system) > 0 {
		params.System = system
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, d := range req.Tools {
			var schema anthropic.ToolInputSchemaParam
			_ = json.Unmarshal(d.Parameters, &schema)
			toolParam := anthropic.ToolUnionParamOfTool(schema, canonicalizeToolName(d.Name, p.oauth))
			toolParam.OfTool.Description = anthropic.String(d.Description)
			tools = append(tools, toolParam)
		}
		params.Tools = tools
	}

	return params, nil
}

// buildSystemBlocks lifts all system messages into a single
// TextBlockParam, their texts joined with blank-line separation. In
// OAuth mode the identity text is prepended and the block carries an
// ephemeral cache_control marker.
func (p *AnthropicProvider) buildSystemBlocks(systemTexts []string) []anthropic.TextBlockParam {
	var texts []string
	if p.oauth {
		texts = append(texts, identityBlock)
	}
	texts = append(texts, systemTexts...)
	if len(texts) == 0 {
		return nil
	}

	joined := strings.Join(texts, "\n\n")
	block := anthropic.TextBlockParam{Text: joined}
	if p.oauth {
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return []anthropic.TextBlockParam{block}
}

// mergedMessage groups one or more neutral messages of the same
// effective role into the content that will become a single Anthropic
// wire message. Unlike the neutral models.Message, it can carry more
// than one tool result, which consecutive RoleTool messages need:
// each keeps its own ToolCallID and content rather than collapsing
// into one.
type mergedMessage struct {
	role models.Role
	texts []string
	toolCalls []models.ToolCall
	toolResults []models.ToolResult
}

// absorb folds one neutral message's content into the group. Tool
// messages contribute a toolResults entry instead of text, so a
// result is never duplicated as both a text block and a tool_result
// block.
func (g *mergedMessage) absorb(m *models.Message) {
	if m.Role == models.RoleTool {
		g.toolResults = append(g.toolResults, models.ToolResult{
			ToolCallID: m.ToolCallID,
			Success: !m.IsError,
			Content: m.Content,
		})
		return
	}
	if m.Content != "" {
		g.texts = append(g.texts, m.Content)
	}
	g.toolCalls = append(g.toolCalls, m.ToolCalls...)
}

// mergeConsecutiveMessages merges adjacent same-role messages into one
// group, required because event-log replay can yield adjacent
// same-role entries that Anthropic's strict alternation rejects.
// Idempotent: applying it twice equals applying it once (testable
// property, round-trip section). Each original message's tool result
// (if any) is kept as its own entry in the group rather than merged
// into a single Content field, so a turn with several adjacent tool
// messages still emits one tool_result block per tool call.
func mergeConsecutiveMessages(msgs []*models.Message) []*mergedMessage {
	merged := make([]*mergedMessage, 0, len(msgs))
	for _, m := range msgs {
		role := effectiveRole(m)
		if len(merged) == 0 || merged[len(merged)-1].role != role {
			merged = append(merged, &mergedMessage{role: role})
		}
		merged[len(merged)-1].absorb(m)
	}
	return merged
}

// effectiveRole maps spec roles onto Anthropic's two-role alternation:
// tool results are carried as user messages.
func effectiveRole(m *models.Message) models.Role {
	if m.Role == models.RoleTool {
		return models.RoleUser
	}
	return m.Role
}

// convertMessages translates merged message groups into Anthropic
// MessageParams, splitting out system message text (returned
// separately for buildSystemBlocks) and translating tool calls/results
// into tool_use/tool_result content blocks (c). tool_result blocks
// are emitted first, one per original tool message in the group,
// followed by any text and tool_use blocks, matching Anthropic's
// convention of leading a turn with its tool results.
func (p *AnthropicProvider) convertMessages(groups []*mergedMessage) ([]anthropic.MessageParam, []string, error) {
	var result []anthropic.MessageParam
	var systemTexts []string

	for _, g := range groups {
		if g.role == models.RoleSystem {
			systemTexts = append(systemTexts, g.texts...)
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, tr := range g.toolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, !tr.Success))
		}
		for _, text := range g.texts {
			content = append(content, anthropic.NewTextBlock(text))
		}
		for _, tc := range g.toolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				// Tolerate unparseable partial JSON rather than failing
				// the whole request.
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, canonicalizeToolName(tc.Name, p.oauth)))
		}

		var wireMsg anthropic.MessageParam
		if g.role == models.RoleAssistant {
			wireMsg = anthropic.NewAssistantMessage(content...)
		} else {
			wireMsg = anthropic.NewUserMessage(content...)
		}
		result = append(result, wireMsg)
	}

	return result, systemTexts, nil
}

func translateAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return &LLMError{Kind: "rate_limit", Status: apiErr.StatusCode, Message: apiErr.Error()}
		}
		return &LLMError{Kind: "api", Status: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return &LLMError{Kind: "transport", Message: err.Error(), Err: err}
}
