package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/fuse/backend/pkg/logger"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
)

// Service re-clusters a scope and replaces its stored communities.
type Service struct {
	store   store.GraphStorage
	backend Backend
	locker  leaselock.Locker
	params  Params
}

// NewService returns a Service. A nil locker means an in-process lock.
func NewService(st store.GraphStorage, backend Backend, locker leaselock.Locker, params Params) *Service {
	if locker == nil {
		locker = leaselock.NewLocal()
	}
	return &Service{store: st, backend: backend, locker: locker, params: params}
}

// Run clusters graphID under its lease and replaces all of its communities
// and reports in one store operation. On error nothing is replaced.
func (s *Service) Run(ctx context.Context, graphID string) ([]common.Community, error) {
	var communities []common.Community
	err := s.locker.WithLease(ctx, leaselock.GraphKey(graphID), leaselock.Options{Wait: true}, func(ctx context.Context) error {
		g, err := s.store.LoadGraph(ctx, graphID)
		if err != nil {
			return fmt.Errorf("failed to load graph: %w", err)
		}
		g.ID = graphID

		h, err := s.backend.Cluster(ctx, g, s.params)
		if err != nil {
			if errors.Is(err, ErrClusteringFailure) || ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("%w: %w", ErrClusteringFailure, err)
		}

		ids := make([]string, 0, len(g.Entities))
		for _, e := range g.Entities {
			ids = append(ids, e.ID)
		}
		if err := h.Validate(graphID, ids); err != nil {
			return err
		}

		communities = h.Communities(graphID)
		if err := s.store.ReplaceCommunities(ctx, graphID, communities); err != nil {
			return fmt.Errorf("failed to replace communities: %w", err)
		}
		logger.Info("[Cluster] Communities replaced", "graph_id", graphID, "levels", len(h.Levels), "communities", len(communities))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return communities, nil
}
