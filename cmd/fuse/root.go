package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/OFFIS-RIT/fuse/backend/internal/app"
	"github.com/OFFIS-RIT/fuse/backend/internal/config"
	"github.com/OFFIS-RIT/fuse/backend/internal/storage"
	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger/console"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.configPath)
}

func (o *rootOptions) newApp(ctx context.Context) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fuse",
		Short: "Build knowledge graphs from text chunks and search them",
		Long: `fuse extracts entities and relationships from document chunks,
deduplicates them into a knowledge graph, groups the graph into communities
and answers hybrid vector, keyword and graph searches over it.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
				Debug: opts.debug || util.GetEnvBool("DEBUG", false),
			}))
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default is ./fuse.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newRunCmd(opts),
		newSearchCmd(opts),
		newAskCmd(opts),
		newStatusCmd(opts),
		newMigrateCmd(opts),
		newEnqueueCmd(opts),
	)
	return cmd
}

// readChunksFile reads JSONL chunks from path, or stdin for "-".
func readChunksFile(path string) ([]common.Chunk, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	chunks, err := storage.DecodeChunks(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks from %s: %w", path, err)
	}
	return chunks, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
