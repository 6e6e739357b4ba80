package queue

import "github.com/OFFIS-RIT/fuse/backend/pkg/common"

// GraphJobMsg asks a worker to extract the chunk batches into a graph.
type GraphJobMsg struct {
	CorrelationID string   `json:"correlation_id"`
	GraphID       string   `json:"graph_id" validate:"required"`
	BatchKeys     []string `json:"batch_keys" validate:"required,min=1,dive,required"`
}

// ClusterJobMsg asks a worker to rebuild and summarize the communities of
// a graph.
type ClusterJobMsg struct {
	CorrelationID string `json:"correlation_id"`
	GraphID       string `json:"graph_id" validate:"required"`
}

// DeleteJobMsg asks a worker to delete a graph and its stored batches.
type DeleteJobMsg struct {
	CorrelationID string `json:"correlation_id"`
	GraphID       string `json:"graph_id" validate:"required"`
}

// RunEvent is published on TopicExchange when a job finishes.
type RunEvent struct {
	CorrelationID string                              `json:"correlation_id"`
	GraphID       string                              `json:"graph_id"`
	Job           string                              `json:"job"`
	RunID         string                              `json:"run_id,omitempty"`
	Stages        map[common.Stage]common.StageResult `json:"stages,omitempty"`
	Communities   int                                 `json:"communities,omitempty"`
	Error         string                              `json:"error,omitempty"`
}
