package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/duraloop/duraloop/internal/config"
	"github.com/duraloop/duraloop/internal/sessions"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the durable session store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions from the local index, without replaying event logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("duraloopd: %w", err)
			}
			index, err := sessions.OpenIndex(filepath.Join(cfg.Session.DataDir, "index.sqlite"))
			if err != nil {
				return fmt.Errorf("duraloopd: %w", err)
			}
			defer index.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			entries, err := index.List(ctx)
			if err != nil {
				return fmt.Errorf("duraloopd: %w", err)
			}
			for _, e := range entries {
				fmt.Printf("%s\t%s\t%s\t%s\n", e.ID, e.AgentName, e.Status, e.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "replay <session-id>",
		Short: "Replay a session's event log and print its conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("duraloopd: %w", err)
			}
			store, err := sessions.NewFileStore(cfg.Session.DataDir, sessions.SnapshotPolicy{
				EveryNEvents: cfg.Session.SnapshotEveryN,
				EveryT:       5 * time.Minute,
			})
			if err != nil {
				return fmt.Errorf("duraloopd: %w", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sess, err := store.Load(ctx, args[0])
			if err != nil {
				return fmt.Errorf("duraloopd: %w", err)
			}
			fmt.Printf("session %s agent=%s status=%s\n", sess.ID, sess.AgentName, sess.Status)
			for _, msg := range sess.Conversation {
				fmt.Printf("[%s] %s\n", msg.Role, msg.Content)
				for _, tc := range msg.ToolCalls {
					fmt.Printf("  tool_call %s(%s): %s\n", tc.Name, tc.ID, string(tc.Input))
				}
			}
			return nil
		},
	})
	return cmd
}
