package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
)

// ClusterPath is the route of the clustering service.
const ClusterPath = "/v1/cluster"

// Edge is a weighted link in a clustering request.
type Edge struct {
	ID     string  `json:"id"`
	Source string  `json:"source" validate:"required"`
	Target string  `json:"target" validate:"required"`
	Weight float64 `json:"weight"`
}

// Request is the payload sent to the clustering service.
type Request struct {
	GraphID   string   `json:"graph_id" validate:"required"`
	EntityIDs []string `json:"entity_ids" validate:"dive,required"`
	Edges     []Edge   `json:"edges" validate:"dive"`
	Params    Params   `json:"params"`
}

// NewRequest builds the request for g.
func NewRequest(g common.Graph, params Params) Request {
	req := Request{GraphID: g.ID, Params: params}
	for _, e := range g.Entities {
		req.EntityIDs = append(req.EntityIDs, e.ID)
	}
	for _, r := range g.Relationships {
		req.Edges = append(req.Edges, Edge{ID: r.ID, Source: r.SourceEntityID, Target: r.TargetEntityID, Weight: r.Weight})
	}
	return req
}

// Graph returns the graph carried by the request.
func (r Request) Graph() common.Graph {
	g := common.Graph{ID: r.GraphID}
	for _, id := range r.EntityIDs {
		g.Entities = append(g.Entities, common.Entity{ID: id})
	}
	for _, e := range r.Edges {
		g.Relationships = append(g.Relationships, common.Relationship{
			ID:             e.ID,
			SourceEntityID: e.Source,
			TargetEntityID: e.Target,
			Weight:         e.Weight,
			Reflexive:      e.Source == e.Target,
		})
	}
	return g
}

// RemoteBackend delegates clustering to a service running LocalBackend.
type RemoteBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	backoff util.Backoff
}

var _ Backend = (*RemoteBackend)(nil)

func NewRemoteBackend(baseURL string, client *http.Client) *RemoteBackend {
	if client == nil {
		client = http.DefaultClient
	}
	return &RemoteBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		backoff: util.Backoff{MaxAttempts: 3, Initial: 500 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2},
	}
}

// WithAPIKey makes the backend send key as a bearer token.
func (b *RemoteBackend) WithAPIKey(key string) *RemoteBackend {
	b.apiKey = key
	return b
}

type remoteError struct {
	status int
	body   string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("clustering service returned %d: %s", e.status, e.body)
}

func retryable(err error) bool {
	var re *remoteError
	if errors.As(err, &re) {
		return re.status >= 500 || re.status == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Cluster posts g to the service. Every failure, including a response that
// does not partition the graph, matches ErrClusteringFailure.
func (b *RemoteBackend) Cluster(ctx context.Context, g common.Graph, params Params) (*Hierarchy, error) {
	body, err := json.Marshal(NewRequest(g, params))
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrClusteringFailure, err)
	}

	h, _, err := util.RetryWithBackoff(ctx, b.backoff, retryable, func(ctx context.Context) (*Hierarchy, error) {
		return b.post(ctx, body)
	})
	if err != nil {
		logger.Error("[Cluster] Remote clustering failed", "graph_id", g.ID, "url", b.baseURL, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrClusteringFailure, err)
	}

	ids := make([]string, 0, len(g.Entities))
	for _, e := range g.Entities {
		ids = append(ids, e.ID)
	}
	if err := h.Validate(g.ID, ids); err != nil {
		return nil, err
	}
	return h, nil
}

func (b *RemoteBackend) post(ctx context.Context, body []byte) (*Hierarchy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+ClusterPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &remoteError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	var h Hierarchy
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &h, nil
}
