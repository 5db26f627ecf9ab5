package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPingCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured clamd daemon accepts connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := newApp(ctx, *configPath, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			info := a.gateway.ServiceInfo(ctx)
			if !info.Enabled {
				return fmt.Errorf("scanning is disabled")
			}
			if !a.gateway.IsAvailable(ctx) {
				return fmt.Errorf("clamd unavailable at %s", info.ConnectionDescriptor)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "clamd reachable at %s\n", info.ConnectionDescriptor)
			return nil
		},
	}
}
