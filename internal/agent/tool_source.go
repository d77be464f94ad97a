package agent

import (
	"github.com/duraloop/duraloop/internal/agent/providers"
	"github.com/duraloop/duraloop/pkg/models"
)

// RegistryToolSource adapts a ToolRegistry to the context package's
// ToolSource interface, translating the agent-local ToolDefinition
// shape into the provider-neutral one the context Builder passes
// through to a Provider's request.
type RegistryToolSource struct {
	Registry *ToolRegistry
}

func (s RegistryToolSource) Definitions(_ []models.ToolConfig) []providers.ToolDefinition {
	defs := s.Registry.Definitions()
	out := make([]providers.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, providers.ToolDefinition{
			Name: d.Name,
			Description: d.Description,
			Parameters: d.Parameters,
		})
	}
	return out
}
