package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/duraloop/duraloop/internal/agent"
	"github.com/duraloop/duraloop/internal/config"
)

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use: "agents",
		Short: "Inspect configured agent specs",
	}
	cmd.AddCommand(&cobra.Command{
		Use: "list",
		Short: "List every agent spec loaded from the agents directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("duraloopd: %w", err)
			}
			registry := agent.NewRegistry()
			if err := registry.LoadDir(cfg.Agents.Dir); err != nil {
				return fmt.Errorf("duraloopd: %w", err)
			}
			names := registry.Names()
			sort.Strings(names)
			for _, name := range names {
				spec, _ := registry.Resolve(name)
				fmt.Printf("%s\t%s\t%s\n", spec.Name, spec.Provider, spec.Model)
			}
			return nil
		},
	})
	return cmd
}
