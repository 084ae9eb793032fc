// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wingedpig/ip2asn/pkg/asnames"
	"github.com/wingedpig/ip2asn/pkg/model"
)

func newPrefixesCommand(a *app) *cobra.Command {
	var (
		family     int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "prefixes <asn>...",
		Short: "List the prefixes announced by one or more AS numbers",
		Example: `  ip2asn prefixes AS15169
  ip2asn prefixes --family 6 15169 36040`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fam, err := model.ParseFamily(family)
			if err != nil {
				return err
			}
			asns := make([]int, 0, len(args))
			for _, arg := range args {
				asn, err := asnames.ParseASN(arg)
				if err != nil {
					return err
				}
				asns = append(asns, asn)
			}

			engine, closeFn, err := a.engine()
			if err != nil {
				return err
			}
			defer closeFn()

			prefixes, err := engine.AsnsToPrefixes(cmd.Context(), asns, fam)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				data, err := json.MarshalIndent(prefixes, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			for _, p := range prefixes {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&family, "family", "f", 4, "Address family: 4 or 6")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as a JSON array")
	return cmd
}
