package models

// Provider names the LLM wire protocol an agent speaks.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// ToolType tags a ToolConfig variant.
type ToolType string

const (
	ToolBuiltin ToolType = "builtin"
	ToolExternal ToolType = "external"
)

// ToolConfig describes one tool an agent may call. Builtin tools are
// implemented in-process (currently only "bash"); external tools shell
// out to a configured command.
type ToolConfig struct {
	Type ToolType `json:"type" yaml:"type"`
	Name string `json:"name" yaml:"name"`
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	DocsPath string `json:"docs_path,omitempty" yaml:"docs_path,omitempty"`
}

// Decision is the outcome of a policy check for a single invocation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk Decision = "ask"
	DecisionDeny Decision = "deny"
)

// PolicyRule binds one decision (and its notify flag) to a tool name or
// a bash-command prefix.
type PolicyRule struct {
	// Match is either a bare tool name, or for the builtin "bash" tool a
	// command-line prefix. An empty Match never matches.
	Match string `json:"match" yaml:"match"`
	Decision Decision `json:"decision" yaml:"decision"`
	Notify bool `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// ToolPolicy maps tool invocations to allow/ask/deny decisions. Rules
// are tried most-specific-match-first; an invocation matching no rule
// falls back to Default.
type ToolPolicy struct {
	Default PolicyRule `json:"default" yaml:"default"`
	Rules []PolicyRule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// HookKind distinguishes before-tool guard hooks from after-tool
// steering hooks.
type HookKind string

const (
	HookBeforeDependsOn HookKind = "depends_on"
	HookBeforeSkipDuplicate HookKind = "skip_duplicate"
	HookAfterSteer HookKind = "after_steer"
)

// Hook is a lifecycle rule attached to one or more tools, matched by a
// "tool:action" glob pattern where "*" denotes any substring.
type Hook struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Kind HookKind `json:"kind" yaml:"kind"`

	// DependsOn / SkipDuplicate fields.
	Prior string `json:"prior,omitempty" yaml:"prior,omitempty"`
	MatchArg string `json:"match_arg,omitempty" yaml:"match_arg,omitempty"`

	// AfterSteer fields.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Unless map[string]any `json:"unless,omitempty" yaml:"unless,omitempty"`
}

// Agent is a declarative configuration: model, prompts, tools, policy,
// and hooks. It is the unit the HTTP surface and CLI load by name.
type Agent struct {
	Name string `json:"name" yaml:"name"`
	Provider Provider `json:"provider" yaml:"provider"`
	Model string `json:"model" yaml:"model"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Instructions []string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxOutputTokens *int `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
	Tools []ToolConfig `json:"tools,omitempty" yaml:"tools,omitempty"`
	Policy ToolPolicy `json:"policy" yaml:"policy"`
	Hooks []Hook `json:"hooks,omitempty" yaml:"hooks,omitempty"`
	OnDisconnect OnDisconnect `json:"on_disconnect" yaml:"on_disconnect"`
}

// Directive is a piece of always-on system instruction composed into
// the context builder's preamble, sourced either from a runtime default
// or a file on disk.
type Directive struct {
	SourceName string `json:"source_name" yaml:"source_name"`
	Scope string `json:"scope" yaml:"scope"` // "global" or "agent"
	Text string `json:"text" yaml:"text"`
}
