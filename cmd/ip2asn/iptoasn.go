// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wingedpig/ip2asn/pkg/asnames"
	"github.com/wingedpig/ip2asn/pkg/model"
	"github.com/wingedpig/ip2asn/pkg/sources/iptoasn"
)

func newIPToASNCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "iptoasn",
		Short: "Manage the offline iptoasn.com database",
	}
	cmd.AddCommand(newIPToASNUpdateCommand(a), newIPToASNBuildCommand(a), newIPToASNStatsCommand(a))
	return cmd
}

func (a *app) iptoasnPaths(needSource bool) (db, src string, err error) {
	if a.cfg.IPToASN.Database == "" {
		return "", "", fmt.Errorf("%w: iptoasn.database is not set", model.ErrConfiguration)
	}
	if needSource && a.cfg.IPToASN.SourceFile == "" {
		return "", "", fmt.Errorf("%w: iptoasn.source_file is not set", model.ErrConfiguration)
	}
	return a.cfg.IPToASN.Database, a.cfg.IPToASN.SourceFile, nil
}

func newIPToASNUpdateCommand(a *app) *cobra.Command {
	var (
		sourceURL string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Download the TSV dump and rebuild the database when it changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, src, err := a.iptoasnPaths(true)
			if err != nil {
				return err
			}
			if sourceURL == "" {
				sourceURL = a.cfg.IPToASN.URL
			}
			if sourceURL == "" {
				sourceURL = iptoasn.DefaultURL
			}

			fetcher := asnames.NewFetcher(sourceURL, a.cfg.Registry.UserAgent, a.log)
			meta, changed, err := fetcher.Fetch(cmd.Context(), src)
			if err != nil {
				return err
			}
			if !changed && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", src)
				return nil
			}
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %d bytes to %s\n", meta.Bytes, src)
			}
			return buildIPToASN(cmd, a, dbPath, src)
		},
	}

	cmd.Flags().StringVar(&sourceURL, "url", "", "Source URL (default: config iptoasn.url or the iptoasn.com combined dump)")
	cmd.Flags().BoolVar(&force, "force", false, "Rebuild the database even if the dump did not change")
	return cmd
}

func newIPToASNBuildCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build [file]",
		Short: "Build the database from a TSV dump (default: iptoasn.source_file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, src, err := a.iptoasnPaths(len(args) == 0)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				src = args[0]
			}
			return buildIPToASN(cmd, a, dbPath, src)
		},
	}
}

func newIPToASNStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show what the database was built from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _, err := a.iptoasnPaths(false)
			if err != nil {
				return err
			}
			db, err := iptoasn.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := db.Stats()
			if err != nil {
				return err
			}
			if stats.BuiltAt.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s has not been built\n", dbPath)
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Source:    %s\n", stats.Source)
			fmt.Fprintf(out, "Built at:  %s\n", stats.BuiltAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(out, "Prefixes:  %d\n", stats.Prefixes)
			fmt.Fprintf(out, "ASNs:      %d\n", stats.ASNs)
			return nil
		},
	}
}

func buildIPToASN(cmd *cobra.Command, a *app, dbPath, src string) error {
	db, err := iptoasn.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := db.BuildFile(cmd.Context(), src)
	if err != nil {
		return fmt.Errorf("failed to build iptoasn database: %w", err)
	}
	a.log.Info("iptoasn database built", zap.String("path", dbPath), zap.String("source", src), zap.Int("prefixes", n))
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %d prefixes into %s\n", n, dbPath)
	return nil
}
