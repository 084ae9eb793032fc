package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wingedpig/ip2asn/pkg/asnames"
)

func newDescribeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "describe <asn>",
		Short:   "Print the organisation name of an AS number",
		Example: "  ip2asn describe AS15169",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asn, err := asnames.ParseASN(args[0])
			if err != nil {
				return err
			}

			engine, closeFn, err := a.engine()
			if err != nil {
				return err
			}
			defer closeFn()

			name := engine.AsnToDescription(cmd.Context(), asn)
			if name == "" {
				return fmt.Errorf("AS%d: no description found", asn)
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}
