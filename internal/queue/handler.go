package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/fuse/backend/internal/storage"
	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/graph"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"

	"github.com/go-playground/validator"
)

// Job names used in RunEvent and event topics.
const (
	JobGraph   = "graph"
	JobCluster = "cluster"
	JobDelete  = "delete"
)

// GraphPipeline builds and deletes graphs.
type GraphPipeline interface {
	Run(ctx context.Context, graphID string, chunks []common.Chunk) (*common.RunSummary, error)
	DeleteGraph(ctx context.Context, graphID string) error
}

// ChunkFiles reads chunk batches and removes the files of a graph.
type ChunkFiles interface {
	LoadChunks(ctx context.Context, key string) ([]common.Chunk, error)
	DeleteFolder(ctx context.Context, prefix string) error
}

// EventPublisher publishes job events to a topic.
type EventPublisher interface {
	PublishTopic(ctx context.Context, topic string, data []byte) error
}

// Handler processes the graph, cluster and delete queues.
type Handler struct {
	pipeline   GraphPipeline
	clusterer  graph.CommunityDetector
	summarizer graph.CommunitySummarizer
	files      ChunkFiles
	events     EventPublisher
	validate   *validator.Validate
}

// NewHandlerParams defines the collaborators of a Handler. Summarizer and
// Events are optional.
type NewHandlerParams struct {
	Pipeline   GraphPipeline
	Clusterer  graph.CommunityDetector
	Summarizer graph.CommunitySummarizer
	Files      ChunkFiles
	Events     EventPublisher
}

func NewHandler(params NewHandlerParams) *Handler {
	return &Handler{
		pipeline:   params.Pipeline,
		clusterer:  params.Clusterer,
		summarizer: params.Summarizer,
		files:      params.Files,
		events:     params.Events,
		validate:   validator.New(),
	}
}

// EventTopic returns the routing key of a job event, e.g. graph.g1.cluster.completed.
func EventTopic(graphID string, job string, failed bool) string {
	status := "completed"
	if failed {
		status = "failed"
	}
	if job == JobDelete && !failed {
		status = "deleted"
	}
	return fmt.Sprintf("graph.%s.%s.%s", graphID, job, status)
}

func (h *Handler) decode(body []byte, msg any) error {
	if err := json.Unmarshal(body, msg); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	if err := h.validate.Struct(msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return nil
}

// ProcessGraphMessage loads the chunk batches named in the message and runs
// the pipeline on them. Unit failures only show up in the published
// summary; the returned error is set when the run itself failed.
func (h *Handler) ProcessGraphMessage(ctx context.Context, body []byte) error {
	var msg GraphJobMsg
	if err := h.decode(body, &msg); err != nil {
		return err
	}
	logger.Info("[Queue] Processing graph job", "graph_id", msg.GraphID, "correlation_id", msg.CorrelationID, "batches", len(msg.BatchKeys))

	var chunks []common.Chunk
	for _, key := range msg.BatchKeys {
		batch, err := h.files.LoadChunks(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load batch %s: %w", key, err)
		}
		chunks = append(chunks, batch...)
	}

	summary, runErr := h.pipeline.Run(ctx, msg.GraphID, chunks)
	event := RunEvent{CorrelationID: msg.CorrelationID, GraphID: msg.GraphID, Job: JobGraph}
	if summary != nil {
		event.RunID = summary.RunID
		event.Stages = summary.Stages()
	}
	if runErr != nil {
		event.Error = runErr.Error()
	}
	h.publish(ctx, event, runErr != nil)
	return runErr
}

// ProcessClusterMessage rebuilds the communities of a graph and writes
// their reports.
func (h *Handler) ProcessClusterMessage(ctx context.Context, body []byte) error {
	var msg ClusterJobMsg
	if err := h.decode(body, &msg); err != nil {
		return err
	}
	if h.clusterer == nil {
		return errors.New("no community detector configured")
	}
	logger.Info("[Queue] Processing cluster job", "graph_id", msg.GraphID, "correlation_id", msg.CorrelationID)

	runID, err := util.NewPrefixedID("run_")
	if err != nil {
		return err
	}
	summary := common.NewRunSummary(runID)
	event := RunEvent{CorrelationID: msg.CorrelationID, GraphID: msg.GraphID, Job: JobCluster, RunID: runID}

	communities, err := h.clusterer.Run(ctx, msg.GraphID)
	if err != nil {
		summary.Fail(common.StageClustering, msg.GraphID, common.FailureClustering, err)
		event.Stages = summary.Stages()
		event.Error = err.Error()
		h.publish(ctx, event, true)
		return fmt.Errorf("failed to cluster graph: %w", err)
	}
	summary.Succeed(common.StageClustering)
	event.Communities = len(communities)

	if h.summarizer != nil {
		if err := h.summarizer.Summarize(ctx, msg.GraphID, communities, summary); err != nil {
			event.Stages = summary.Stages()
			event.Error = err.Error()
			h.publish(ctx, event, true)
			return fmt.Errorf("failed to summarize communities: %w", err)
		}
	}

	event.Stages = summary.Stages()
	h.publish(ctx, event, false)
	return nil
}

// ProcessDeleteMessage deletes a graph and then its stored chunk batches.
func (h *Handler) ProcessDeleteMessage(ctx context.Context, body []byte) error {
	var msg DeleteJobMsg
	if err := h.decode(body, &msg); err != nil {
		return err
	}
	logger.Info("[Queue] Processing delete job", "graph_id", msg.GraphID, "correlation_id", msg.CorrelationID)

	if err := h.pipeline.DeleteGraph(ctx, msg.GraphID); err != nil {
		return err
	}
	if err := h.files.DeleteFolder(ctx, storage.GraphPrefix(msg.GraphID)); err != nil {
		return fmt.Errorf("failed to delete files of graph %s: %w", msg.GraphID, err)
	}

	h.publish(ctx, RunEvent{CorrelationID: msg.CorrelationID, GraphID: msg.GraphID, Job: JobDelete}, false)
	return nil
}

func (h *Handler) publish(ctx context.Context, event RunEvent, failed bool) {
	if h.events == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("[Queue] Failed to encode event", "graph_id", event.GraphID, "err", err)
		return
	}
	topic := EventTopic(event.GraphID, event.Job, failed)
	if err := h.events.PublishTopic(ctx, topic, data); err != nil {
		logger.Warn("[Queue] Failed to publish event", "topic", topic, "err", err)
	}
}

// Process dispatches body to the handler of queueName.
func (h *Handler) Process(ctx context.Context, names Names, queueName string, body []byte) error {
	switch queueName {
	case names.Graph:
		return h.ProcessGraphMessage(ctx, body)
	case names.Cluster:
		return h.ProcessClusterMessage(ctx, body)
	case names.Delete:
		return h.ProcessDeleteMessage(ctx, body)
	default:
		return fmt.Errorf("unknown queue %q", queueName)
	}
}

// Names are the queue names a worker consumes.
type Names struct {
	Graph   string
	Cluster string
	Delete  string
}

func (n Names) All() []string {
	return []string{n.Graph, n.Cluster, n.Delete}
}
