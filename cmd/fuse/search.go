package main

import (
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		graphID string
		topK    int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Hybrid search over a stored graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.Searcher.Search(ctx, graphID, strings.Join(args, " "), topK)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), results)
		},
	}

	cmd.Flags().StringVarP(&graphID, "graph", "g", "", "graph id")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 10, "number of results")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var graphID string

	cmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show the extraction status of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.Pipeline.Status(ctx, graphID, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), status)
		},
	}

	cmd.Flags().StringVarP(&graphID, "graph", "g", "", "graph id")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}
