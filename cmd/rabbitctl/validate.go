package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and topology without connecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, root)
		},
	}
}

func runValidate(cmd *cobra.Command, root *rootOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	topo, err := cfg.Validate()
	if err != nil {
		return err
	}

	keys := 0
	for _, b := range topo.Bindings() {
		keys += len(b.BindKeys())
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d urls, %d exchanges, %d queues, %d bindings (%d keys)\n",
		root.configPath, len(cfg.URLs), len(topo.Exchanges()), len(topo.Queues()), len(topo.Bindings()), keys)
	return nil
}
