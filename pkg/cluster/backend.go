// Package cluster partitions a scope's entities into a hierarchy of
// communities and stores the result.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
)

// ErrClusteringFailure is returned when a clustering run could not produce
// a valid hierarchy. Nothing is committed; the run can be retried.
var ErrClusteringFailure = errors.New("clustering failure")

const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Params tunes the clustering.
type Params struct {
	// Resolution is the modularity resolution. Higher values produce
	// smaller communities.
	Resolution float64 `mapstructure:"resolution" json:"resolution" validate:"gte=0"`
	MaxLevels  int     `mapstructure:"max_levels" json:"max_levels" validate:"gte=0"`
	// MinModularityGain stops the hierarchy once a level improves the
	// modularity by less than this.
	MinModularityGain float64 `mapstructure:"min_modularity_gain" json:"min_modularity_gain" validate:"gte=0"`
	// MaxIterations bounds the local moving passes per level. 0 means until
	// no node moves.
	MaxIterations int `mapstructure:"max_iterations" json:"max_iterations" validate:"gte=0"`
}

// DefaultParams returns the clustering defaults.
func DefaultParams() Params {
	return Params{
		Resolution:        1.0,
		MaxLevels:         3,
		MinModularityGain: 1e-6,
		MaxIterations:     50,
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.Resolution <= 0 {
		p.Resolution = def.Resolution
	}
	if p.MaxLevels <= 0 {
		p.MaxLevels = def.MaxLevels
	}
	if p.MinModularityGain < 0 {
		p.MinModularityGain = 0
	}
	return p
}

// Level is one partition of the hierarchy. Communities hold sorted entity
// ids and are ordered by their lowest member.
type Level struct {
	Level       int        `json:"level"`
	Communities [][]string `json:"communities"`
}

// Hierarchy is the output of a backend, finest level first.
type Hierarchy struct {
	Levels []Level `json:"levels"`
}

// Backend computes a community hierarchy for a graph.
type Backend interface {
	Cluster(ctx context.Context, g common.Graph, params Params) (*Hierarchy, error)
}

// NewBackend returns the backend for mode. remoteURL is only used in
// remote mode; a nil client means http.DefaultClient.
func NewBackend(mode, remoteURL string, client *http.Client) (Backend, error) {
	switch mode {
	case "", ModeLocal:
		return NewLocalBackend(), nil
	case ModeRemote:
		if remoteURL == "" {
			return nil, errors.New("cluster: remote mode requires a service url")
		}
		return NewRemoteBackend(remoteURL, client), nil
	default:
		return nil, fmt.Errorf("cluster: unknown mode %q", mode)
	}
}

// CommunityID returns the id of the community at level whose lowest member
// is lowestMember.
func CommunityID(graphID string, level int, lowestMember string) string {
	return util.StableID(graphID, "community", strconv.Itoa(level), lowestMember)
}

// Communities converts h into community records of graphID with parents
// pointing one level up.
func (h *Hierarchy) Communities(graphID string) []common.Community {
	var out []common.Community
	var parentOf map[string]string

	for li := len(h.Levels) - 1; li >= 0; li-- {
		level := h.Levels[li]
		next := make(map[string]string)
		for _, members := range level.Communities {
			if len(members) == 0 {
				continue
			}
			lowest := members[0]
			for _, m := range members[1:] {
				lowest = min(lowest, m)
			}
			c := common.Community{
				ID:        CommunityID(graphID, level.Level, lowest),
				Level:     level.Level,
				EntityIDs: util.SortedUnion(members),
			}
			if parent, ok := parentOf[lowest]; ok {
				c.ParentCommunityID = &parent
			}
			for _, m := range members {
				next[m] = c.ID
			}
			out = append(out, c)
		}
		parentOf = next
	}
	return out
}

// Validate checks that h covers entityIDs: levels numbered from 0 without
// gaps, each a partition, each community nested in one parent.
func (h *Hierarchy) Validate(graphID string, entityIDs []string) error {
	for i, l := range h.Levels {
		if l.Level != i {
			return fmt.Errorf("%w: level %d at position %d", ErrClusteringFailure, l.Level, i)
		}
	}

	communities := h.Communities(graphID)
	if err := store.CheckPartition(entityIDs, communities); err != nil {
		return fmt.Errorf("%w: %w", ErrClusteringFailure, err)
	}

	owner := make(map[int]map[string]string)
	for _, c := range communities {
		if owner[c.Level] == nil {
			owner[c.Level] = make(map[string]string)
		}
		for _, e := range c.EntityIDs {
			owner[c.Level][e] = c.ID
		}
	}
	for _, c := range communities {
		if c.Level == len(h.Levels)-1 {
			continue
		}
		for _, e := range c.EntityIDs {
			if c.ParentCommunityID == nil || owner[c.Level+1][e] != *c.ParentCommunityID {
				return fmt.Errorf("%w: community %s at level %d is not nested in one parent", ErrClusteringFailure, c.ID, c.Level)
			}
		}
	}
	return nil
}
