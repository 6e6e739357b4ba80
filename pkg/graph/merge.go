package graph

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
	"github.com/OFFIS-RIT/fuse/backend/pkg/store"
)

// compareCanonical orders entities so the canonical member of a merge group
// comes first: most source chunks, then longest description, then smallest id.
func compareCanonical(a, b common.Entity) int {
	return cmp.Or(
		cmp.Compare(len(b.SourceChunkIDs), len(a.SourceChunkIDs)),
		cmp.Compare(len(b.Description), len(a.Description)),
		cmp.Compare(a.ID, b.ID),
		cmp.Compare(a.Description, b.Description),
		cmp.Compare(strings.Join(a.SourceChunkIDs, ","), strings.Join(b.SourceChunkIDs, ",")),
	)
}

func descriptionLines(descs ...string) []string {
	var lines []string
	for _, d := range descs {
		lines = append(lines, strings.Split(d, "\n")...)
	}
	return lines
}

// mergeEntities folds a merge group into its canonical member. The result
// does not depend on the order of members.
func mergeEntities(members []common.Entity, limit int) common.Entity {
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, compareCanonical)

	merged := sorted[0]
	descs := make([]string, 0, len(sorted))
	chunks := make([][]string, 0, len(sorted))
	for _, m := range sorted {
		descs = append(descs, m.Description)
		chunks = append(chunks, m.SourceChunkIDs)
	}
	merged.Description = util.JoinCapped(descriptionLines(descs...), "\n", limit)
	merged.SourceChunkIDs = util.SortedUnion(chunks...)
	return merged
}

func compareRelationships(a, b common.Relationship) int {
	return cmp.Or(
		cmp.Compare(len(b.SourceChunkIDs), len(a.SourceChunkIDs)),
		cmp.Compare(a.ID, b.ID),
		cmp.Compare(strings.Join(a.SourceChunkIDs, ","), strings.Join(b.SourceChunkIDs, ",")),
		cmp.Compare(a.Description, b.Description),
		cmp.Compare(a.Weight, b.Weight),
	)
}

// mergeRelationshipGroup folds relationships sharing (source, target, label).
// Weights are summed over distinct contributions; a member whose
// contributions are all recorded in the group adds nothing, so merging a
// merged relationship again is a no-op.
func mergeRelationshipGroup(members []common.Relationship, limit int) common.Relationship {
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, compareRelationships)

	merged := sorted[0]
	merged.SourceChunkIDs = slices.Clone(merged.SourceChunkIDs)
	merged.Contributions = maps.Clone(store.Contributions(merged))
	merged.Weight = store.ContributionWeight(merged.Contributions)
	descs := []string{merged.Description}
	for _, m := range sorted[1:] {
		if !store.AddContributions(&merged, m) {
			continue
		}
		descs = append(descs, m.Description)
		merged.SourceChunkIDs = util.SortedUnion(merged.SourceChunkIDs, m.SourceChunkIDs)
		merged.Reflexive = merged.Reflexive || m.Reflexive
		if m.Confidence != nil && (merged.Confidence == nil || *m.Confidence > *merged.Confidence) {
			c := *m.Confidence
			merged.Confidence = &c
		}
	}
	merged.Description = util.JoinCapped(descriptionLines(descs...), "\n", limit)
	merged.SourceChunkIDs = util.SortedUnion(merged.SourceChunkIDs)
	return merged
}

// redirectRelationships re-points relationships at canonical entities and
// merges those that now share (source, target, label). Self-loops produced
// only by the redirect are dropped. The output is sorted by id.
func redirectRelationships(rels []common.Relationship, redirects map[string]string, limit int) []common.Relationship {
	target := func(id string) string {
		if to, ok := redirects[id]; ok {
			return to
		}
		return id
	}

	groups := make(map[string][]common.Relationship)
	for _, r := range rels {
		src, tgt := target(r.SourceEntityID), target(r.TargetEntityID)
		if src == tgt && !r.Reflexive {
			continue
		}
		r.SourceEntityID = src
		r.TargetEntityID = tgt
		r.Label = NormalizeLabel(r.Label)
		r.Reflexive = src == tgt
		id := RelationshipID(src, tgt, r.Label)
		groups[id] = append(groups[id], r)
	}

	out := make([]common.Relationship, 0, len(groups))
	for id, members := range groups {
		merged := mergeRelationshipGroup(members, limit)
		merged.ID = id
		out = append(out, merged)
	}
	slices.SortFunc(out, func(a, b common.Relationship) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
