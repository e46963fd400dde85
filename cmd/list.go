package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/terca/internal/agent"
	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/variant"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List test cases and variants",
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := config.Load(rootDir)
			if err != nil {
				return err
			}
			variants, err := variant.Expand(suite)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Suite %s (%s)\n", suite.Name, suite.Root)
			fmt.Fprintln(out, "\nTests:")
			for _, tc := range suite.Tests {
				fmt.Fprintf(out, "  - %s (%d checks)\n", tc.Name, len(tc.Checks))
			}
			fmt.Fprintln(out, "\nVariants:")
			for _, v := range variants {
				agentName := v.Agent
				if agentName == "" {
					agentName = "no agent"
				} else if !agent.IsBuiltin(agentName) {
					agentName += ", unknown agent"
				}
				fmt.Fprintf(out, "  - %s [%s]\n", v.ID(), agentName)
			}
			return nil
		},
	}
}
