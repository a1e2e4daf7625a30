package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the endpoint serves",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newClient().Models(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", m.ID, m.Name)
		}
		return nil
	},
}
