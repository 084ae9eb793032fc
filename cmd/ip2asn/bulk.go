// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBulkCommand(a *app) *cobra.Command {
	var (
		inputFile  string
		outputFile string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Resolve a list of IP addresses (one per line) to JSONL",
		Example: `  ip2asn bulk --input ips.txt --output results.jsonl
  cat ips.txt | ip2asn bulk --workers 8`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers > 0 {
				a.cfg.Concurrency = workers
			}

			var input io.Reader = cmd.InOrStdin()
			if inputFile != "" {
				f, err := os.Open(inputFile)
				if err != nil {
					return fmt.Errorf("failed to open input file: %w", err)
				}
				defer f.Close()
				input = f
				a.log.Info("reading addresses", zap.String("path", inputFile))
			}

			var output io.Writer = cmd.OutOrStdout()
			if outputFile != "" {
				f, err := os.Create(outputFile)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				output = f
			}

			ips, err := readAddresses(input)
			if err != nil {
				return err
			}

			engine, closeFn, err := a.engine()
			if err != nil {
				return err
			}
			defer closeFn()

			a.log.Info("processing addresses",
				zap.Int("count", len(ips)),
				zap.Int("workers", a.cfg.Concurrency))

			results := engine.LookupMany(cmd.Context(), ips)

			w := bufio.NewWriter(output)
			enc := json.NewEncoder(w)
			var found, notFound, failed int
			for _, r := range results {
				line := lookupOutput{IP: r.Address, Record: r.Record}
				switch {
				case r.Err != nil:
					failed++
					line.Error = r.Err.Error()
				case r.Record.IsEmpty():
					notFound++
				default:
					found++
				}
				if err := enc.Encode(line); err != nil {
					return fmt.Errorf("failed to write result: %w", err)
				}
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}

			a.log.Info("bulk lookup done",
				zap.Int("found", found),
				zap.Int("not_found", notFound),
				zap.Int("errors", failed))
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputFile, "input", "i", "", "Input file (one IP per line, default: stdin)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (JSONL format, default: stdout)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of concurrent lookups (overrides config)")
	return cmd
}

// readAddresses returns the non-empty, non-comment lines of r
func readAddresses(r io.Reader) ([]string, error) {
	var ips []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ips = append(ips, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return ips, nil
}
