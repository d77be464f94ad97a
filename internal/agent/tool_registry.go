package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/duraloop/duraloop/pkg/models"
)

// ToolDefinition is one entry returned by ToolRegistry.Definitions for
// inclusion in an LLM request's tool list.
type ToolDefinition struct {
	Name string
	Description string
	Parameters json.RawMessage
}

// ToolRegistry resolves a tool name to its models.ToolConfig and, for
// built-in tools, the JSON-schema describing its parameters. Schemas
// are validated with jsonschema/v5 at registration time so a malformed
// schema fails fast rather than at first LLM call.
type ToolRegistry struct {
	tools map[string]models.ToolConfig
	schemas map[string]json.RawMessage
	descs map[string]string
}

const defaultBashSchema = `{
 "type": "object",
 "properties": {"command": {"type": "string"}},
 "required": ["command"]
}`

const defaultExternalSchema = `{
 "type": "object",
 "properties": {"args": {"type": "array", "items": {"type": "string"}}}
}`

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]models.ToolConfig),
		schemas: make(map[string]json.RawMessage),
		descs: make(map[string]string),
	}
}

// Register adds a tool, validating its parameter schema. Builtin "bash"
// gets the fixed command schema; external tools get a generic
// args-array schema unless a caller overrides it via RegisterSchema.
func (r *ToolRegistry) Register(cfg models.ToolConfig) error {
	schema := json.RawMessage(defaultExternalSchema)
	if cfg.Type == models.ToolBuiltin && cfg.Name == "bash" {
		schema = json.RawMessage(defaultBashSchema)
	}
	if err := validateSchema(schema); err != nil {
		return fmt.Errorf("agent: invalid schema for tool %q: %w", cfg.Name, err)
	}
	desc := cfg.Description
	if desc == "" {
		if cfg.Type == models.ToolBuiltin {
			desc = fmt.Sprintf("Built-in tool %q", cfg.Name)
		} else {
			desc = fmt.Sprintf("External tool %q (%s)", cfg.Name, cfg.Command)
		}
	}
	r.tools[cfg.Name] = cfg
	r.schemas[cfg.Name] = schema
	r.descs[cfg.Name] = desc
	return nil
}

// RegisterSchema overrides the default schema for an already-registered
// tool.
func (r *ToolRegistry) RegisterSchema(name string, schema json.RawMessage) error {
	if err := validateSchema(schema); err != nil {
		return fmt.Errorf("agent: invalid schema for tool %q: %w", name, err)
	}
	r.schemas[name] = schema
	return nil
}

func validateSchema(schema json.RawMessage) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(schema))); err != nil {
		return err
	}
	_, err := c.Compile("schema.json")
	return err
}

func (r *ToolRegistry) Lookup(name string) (models.ToolConfig, bool) {
	cfg, ok := r.tools[name]
	return cfg, ok
}

// Definitions returns the tool descriptor list for inclusion in an LLM
// request, 
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.tools))
	for name, cfg := range r.tools {
		defs = append(defs, ToolDefinition{
			Name: name,
			Description: r.descs[name],
			Parameters: r.schemas[name],
		})
		_ = cfg
	}
	return defs
}
