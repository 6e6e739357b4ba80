package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/internal/config"
	"github.com/OFFIS-RIT/fuse/backend/internal/queue"
	"github.com/OFFIS-RIT/fuse/backend/internal/storage"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/spf13/cobra"
)

// newGraphJob returns the job for a batch stored under key.
func newGraphJob(graphID, key string) (queue.GraphJobMsg, error) {
	correlationID, err := gonanoid.New()
	if err != nil {
		return queue.GraphJobMsg{}, err
	}
	return queue.GraphJobMsg{CorrelationID: correlationID, GraphID: graphID, BatchKeys: []string{key}}, nil
}

// publishJob declares the worker queues and sends msg to queueName.
func publishJob(ctx context.Context, cfg *config.Config, queueName string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	conn, err := queue.Init()
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	names := []string{cfg.Queue.GraphQueue, cfg.Queue.ClusterQueue, cfg.Queue.DeleteQueue}
	if err := queue.SetupQueues(ch, names, 10*time.Second); err != nil {
		return err
	}
	return queue.NewChannel(ch).PublishFIFO(ctx, queueName, body)
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var graphID string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Send jobs to the worker queues",
	}
	cmd.PersistentFlags().StringVarP(&graphID, "graph", "g", "", "graph id")
	_ = cmd.MarkPersistentFlagRequired("graph")

	graphCmd := &cobra.Command{
		Use:   "graph <chunks.jsonl>",
		Short: "Upload a chunk batch and queue a graph build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chunks, err := readChunksFile(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			batchID, err := gonanoid.New()
			if err != nil {
				return err
			}
			key := storage.BatchKey(graphID, batchID)

			ctx := cmd.Context()
			s3Client, err := storage.NewS3Client(ctx)
			if err != nil {
				return err
			}
			if err := storage.NewBucket(s3Client, cfg.Queue.Bucket).PutChunks(ctx, key, chunks); err != nil {
				return err
			}

			msg, err := newGraphJob(graphID, key)
			if err != nil {
				return err
			}
			if err := publishJob(ctx, cfg, cfg.Queue.GraphQueue, msg); err != nil {
				return err
			}
			logger.Info("Queued graph job", "graph_id", graphID, "batch", key, "chunks", len(chunks), "correlation_id", msg.CorrelationID)
			return writeJSON(cmd.OutOrStdout(), msg)
		},
	}

	clusterCmd := &cobra.Command{
		Use:   "cluster",
		Short: "Queue a re-clustering of the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			correlationID, err := gonanoid.New()
			if err != nil {
				return err
			}
			msg := queue.ClusterJobMsg{CorrelationID: correlationID, GraphID: graphID}
			if err := publishJob(cmd.Context(), cfg, cfg.Queue.ClusterQueue, msg); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), msg)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Queue the deletion of the graph and its stored batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			correlationID, err := gonanoid.New()
			if err != nil {
				return err
			}
			msg := queue.DeleteJobMsg{CorrelationID: correlationID, GraphID: graphID}
			if err := publishJob(cmd.Context(), cfg, cfg.Queue.DeleteQueue, msg); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), msg)
		},
	}

	cmd.AddCommand(graphCmd, clusterCmd, deleteCmd)
	return cmd
}
