package main

import (
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/pkg/query"

	"github.com/spf13/cobra"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		graphID string
		trace   bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question from a stored graph with cited sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			qt := query.NewQueryTrace()
			answer, err := a.Answerer.WithTracer(qt).Answer(ctx, graphID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !trace {
				return writeJSON(cmd.OutOrStdout(), answer)
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				query.Answer
				Trace query.QueryTraceSnapshot `json:"trace"`
			}{answer, qt.Snapshot()})
		},
	}

	cmd.Flags().StringVarP(&graphID, "graph", "g", "", "graph id")
	cmd.Flags().BoolVar(&trace, "trace", false, "include the ids considered and used")
	_ = cmd.MarkFlagRequired("graph")
	return cmd
}
