package store

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
)

const descriptionSeparator = "\n"

// MergeEntity folds incoming into existing and reports whether existing
// changed. An incoming entity whose source chunks are all recorded on
// existing already contributed and is ignored.
func MergeEntity(existing *common.Entity, incoming common.Entity, limit int) bool {
	if util.IsSubset(incoming.SourceChunkIDs, existing.SourceChunkIDs) {
		return false
	}
	existing.Description = util.JoinCapped(
		[]string{existing.Description, incoming.Description},
		descriptionSeparator,
		limit,
	)
	existing.SourceChunkIDs = util.SortedUnion(existing.SourceChunkIDs, incoming.SourceChunkIDs)
	return true
}

// Contributions returns the per-extraction weights of r. A relationship
// built without them counts as one contribution keyed by its content.
func Contributions(r common.Relationship) map[string]float64 {
	if len(r.Contributions) > 0 {
		return r.Contributions
	}
	key := util.StableID(
		"contribution",
		r.ID,
		strings.Join(util.SortedUnion(r.SourceChunkIDs), ","),
		r.Description,
		strconv.FormatFloat(r.Weight, 'g', -1, 64),
	)
	return map[string]float64{key: r.Weight}
}

// ContributionWeight sums the weights in key order so equal sets always
// give the same float.
func ContributionWeight(contributions map[string]float64) float64 {
	var sum float64
	for _, k := range slices.Sorted(maps.Keys(contributions)) {
		sum += contributions[k]
	}
	return sum
}

// AddContributions unites the contributions of incoming into existing and
// recomputes the weight. It reports whether any contribution was new. On a
// key present in both the larger weight wins, so the union is order
// independent.
func AddContributions(existing *common.Relationship, incoming common.Relationship) bool {
	merged := maps.Clone(Contributions(*existing))
	added := false
	for k, w := range Contributions(incoming) {
		cur, ok := merged[k]
		if !ok {
			added = true
		}
		if !ok || w > cur {
			merged[k] = w
		}
	}
	existing.Contributions = merged
	existing.Weight = ContributionWeight(merged)
	return added
}

// MergeRelationship folds incoming into existing: weights are summed over
// distinct contributions, descriptions concatenated up to limit and
// provenance united. Contributions already recorded on existing are
// ignored, so applying the same delta twice is a no-op.
func MergeRelationship(existing *common.Relationship, incoming common.Relationship, limit int) bool {
	if !AddContributions(existing, incoming) {
		return false
	}
	existing.Description = util.JoinCapped(
		[]string{existing.Description, incoming.Description},
		descriptionSeparator,
		limit,
	)
	existing.SourceChunkIDs = util.SortedUnion(existing.SourceChunkIDs, incoming.SourceChunkIDs)
	existing.Reflexive = existing.Reflexive || incoming.Reflexive
	if incoming.Confidence != nil && (existing.Confidence == nil || *incoming.Confidence > *existing.Confidence) {
		c := *incoming.Confidence
		existing.Confidence = &c
	}
	return true
}

// CheckEndpoints returns ErrGraphIntegrityViolation for the first relationship
// whose source or target is not in entities.
func CheckEndpoints(entities map[string]struct{}, relationships []common.Relationship) error {
	for _, r := range relationships {
		if _, ok := entities[r.SourceEntityID]; !ok {
			return fmt.Errorf("%w: relationship %s references missing source entity %s", ErrGraphIntegrityViolation, r.ID, r.SourceEntityID)
		}
		if _, ok := entities[r.TargetEntityID]; !ok {
			return fmt.Errorf("%w: relationship %s references missing target entity %s", ErrGraphIntegrityViolation, r.ID, r.TargetEntityID)
		}
		if r.SourceEntityID == r.TargetEntityID && !r.Reflexive {
			return fmt.Errorf("%w: relationship %s is an unasserted self-loop", ErrGraphIntegrityViolation, r.ID)
		}
	}
	return nil
}

// CheckPartition verifies that every level of communities assigns each of
// the given entities to exactly one community and that parents point one
// level up.
func CheckPartition(entityIDs []string, communities []common.Community) error {
	byLevel := make(map[int]map[string]string)
	byID := make(map[string]common.Community, len(communities))
	for _, c := range communities {
		if _, dup := byID[c.ID]; dup {
			return fmt.Errorf("%w: duplicate community %s", ErrGraphIntegrityViolation, c.ID)
		}
		byID[c.ID] = c
		members, ok := byLevel[c.Level]
		if !ok {
			members = make(map[string]string)
			byLevel[c.Level] = members
		}
		for _, e := range c.EntityIDs {
			if other, dup := members[e]; dup {
				return fmt.Errorf("%w: entity %s in communities %s and %s at level %d", ErrGraphIntegrityViolation, e, other, c.ID, c.Level)
			}
			members[e] = c.ID
		}
	}
	for level, members := range byLevel {
		if len(members) != len(entityIDs) {
			return fmt.Errorf("%w: level %d covers %d of %d entities", ErrGraphIntegrityViolation, level, len(members), len(entityIDs))
		}
		for _, e := range entityIDs {
			if _, ok := members[e]; !ok {
				return fmt.Errorf("%w: entity %s has no community at level %d", ErrGraphIntegrityViolation, e, level)
			}
		}
	}
	for _, c := range communities {
		if c.ParentCommunityID == nil {
			continue
		}
		parent, ok := byID[*c.ParentCommunityID]
		if !ok || parent.Level != c.Level+1 {
			return fmt.Errorf("%w: community %s has invalid parent", ErrGraphIntegrityViolation, c.ID)
		}
	}
	return nil
}
