// SPDX-License-Identifier: MIT
// Copyright (c) 2025 Mark Feghali

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wingedpig/ip2asn/pkg/asnames"
	"github.com/wingedpig/ip2asn/pkg/model"
)

func newNamesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "names",
		Short: "Manage the AS name reference database",
	}
	cmd.AddCommand(newNamesUpdateCommand(a), newNamesIndexCommand(a))
	return cmd
}

func (a *app) namesFile() (string, error) {
	if a.cfg.NamesFile == "" {
		return "", fmt.Errorf("%w: names_file is not set", model.ErrConfiguration)
	}
	return a.cfg.NamesFile, nil
}

func newNamesUpdateCommand(a *app) *cobra.Command {
	var sourceURL string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Download the reference file if it changed upstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := a.namesFile()
			if err != nil {
				return err
			}
			if sourceURL == "" {
				sourceURL = a.cfg.NamesURL
			}

			fetcher := asnames.NewFetcher(sourceURL, a.cfg.Registry.UserAgent, a.log)
			meta, changed, err := fetcher.Fetch(cmd.Context(), dest)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date\n", dest)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %d bytes to %s\n", meta.Bytes, dest)

			if a.cfg.NamesIndex != "" {
				return buildIndex(cmd, a, dest)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceURL, "url", "", "Source URL (default: config names_url or RIPE asn.txt)")
	return cmd
}

func newNamesIndexCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Build the LevelDB index of the reference file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := a.namesFile()
			if err != nil {
				return err
			}
			return buildIndex(cmd, a, src)
		},
	}
}

func buildIndex(cmd *cobra.Command, a *app, src string) error {
	path := a.cfg.NamesIndex
	if path == "" {
		return fmt.Errorf("%w: names_index is not set", model.ErrConfiguration)
	}

	idx, err := asnames.OpenIndex(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	n, err := idx.Build(cmd.Context(), asnames.NewFile(src))
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}
	a.log.Info("names index built", zap.String("path", path), zap.Int("entries", n))
	fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d AS names into %s\n", n, path)
	return nil
}
