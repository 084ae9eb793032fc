// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/wingedpig/ip2asn/pkg/model"
	"github.com/wingedpig/ip2asn/pkg/util/ipcodec"
)

// lookupOutput is the JSON shape of one lookup answer
type lookupOutput struct {
	IP string `json:"ip"`
	*model.Record
	Error string `json:"error,omitempty"`
}

func newLookupCommand(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "lookup <ip-address>...",
		Short: "Resolve IP addresses to their origin AS",
		Example: `  ip2asn lookup 8.8.8.8
  ip2asn lookup --json=false 2001:4860:4860::8888`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeFn, err := a.engine()
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			for _, ip := range args {
				rec, err := engine.GetAsn(cmd.Context(), ip)
				if err != nil {
					return err
				}
				if jsonOutput {
					data, err := json.MarshalIndent(lookupOutput{IP: ip, Record: rec}, "", "  ")
					if err != nil {
						return fmt.Errorf("failed to marshal JSON: %w", err)
					}
					fmt.Fprintln(out, string(data))
				} else {
					printHumanReadable(out, ip, rec)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", true, "Output as JSON")
	return cmd
}

func printHumanReadable(w io.Writer, ip string, rec *model.Record) {
	if rec.IsEmpty() {
		fmt.Fprintf(w, "IP Address:         %s\n", ip)
		fmt.Fprintf(w, "AS:                 not announced\n\n")
		return
	}
	fmt.Fprintf(w, "IP Address:         %s\n", ip)
	fmt.Fprintf(w, "ASN:                AS%s\n", rec.ASNumber)
	fmt.Fprintf(w, "Organization:       %s\n", rec.ISP)
	fmt.Fprintf(w, "Prefix:             %s\n", rec.Prefix)
	if network, err := ipcodec.NormalizePrefix(rec.Prefix); err == nil {
		start, end, _ := ipcodec.CIDRToRange(network)
		fmt.Fprintf(w, "Range:              %s - %s\n", start, end)
	}
	fmt.Fprintf(w, "Country:            %s\n", rec.CountryCode)
	fmt.Fprintf(w, "Registry:           %s\n", rec.NIC)
	fmt.Fprintf(w, "Allocated:          %s\n", rec.Allocated)
	fmt.Fprintf(w, "Source:             %s\n\n", rec.Source)
}
