package main

import (
	"errors"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"

	"github.com/spf13/cobra"
)

type runReport struct {
	RunID   string                              `json:"run_id"`
	GraphID string                              `json:"graph_id"`
	Stages  map[common.Stage]common.StageResult `json:"stages"`
	Error   string                              `json:"error,omitempty"`
	Results []common.SearchResult               `json:"results,omitempty"`
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		graphID string
		query   string
		topK    int
	)

	cmd := &cobra.Command{
		Use:   "run <chunks.jsonl>",
		Short: "Build or update a graph from a JSONL chunk file",
		Long: `Run extracts, deduplicates, embeds, clusters and summarizes the chunks
in the given file (one JSON chunk per line, "-" for stdin) into the graph.

With the memory store the graph only lives for this process; pass --query
to search it once the run is done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunks, err := readChunksFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, runErr := a.Pipeline.Run(ctx, graphID, chunks)
			if summary == nil {
				return runErr
			}
			report := runReport{RunID: summary.RunID, GraphID: graphID, Stages: summary.Stages()}
			if runErr != nil {
				report.Error = runErr.Error()
			}

			if query != "" && runErr == nil {
				results, err := a.Searcher.Search(ctx, graphID, query, topK)
				if err != nil {
					runErr = errors.Join(runErr, err)
				}
				report.Results = results
			}

			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&graphID, "graph", "g", "", "graph id")
	cmd.Flags().StringVarP(&query, "query", "q", "", "search the graph after the run")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 10, "number of search results")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}
