package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
)

const defaultRelationLabel = "RELATED_TO"

// NormalizeName upper-cases a name and collapses its whitespace.
func NormalizeName(name string) string {
	return strings.ToUpper(util.NormalizeWhitespace(name))
}

// NormalizeLabel turns a type or label into its upper snake case form,
// e.g. "works at" -> "WORKS_AT".
func NormalizeLabel(label string) string {
	return strings.Join(strings.Fields(strings.ToUpper(label)), "_")
}

// EntityID returns the canonical id of name and type within scope.
func EntityID(scope, name, typ string) string {
	return util.StableID(scope, NormalizeName(name), NormalizeLabel(typ))
}

// RelationshipID returns the id of the merge group (source, target, label).
func RelationshipID(sourceID, targetID, label string) string {
	return util.StableID(sourceID, targetID, NormalizeLabel(label))
}

// ContributionKey identifies the relationship at position ordinal of an
// extraction group's output. Re-extracting the group yields the same keys.
func ContributionKey(groupID string, ordinal int) string {
	return util.StableID("contribution", groupID, strconv.Itoa(ordinal))
}

// EntityScope returns the id scope of entities extracted from a document.
// With deduplication enabled the whole graph shares one scope, otherwise
// every document gets its own.
func EntityScope(graphID, documentID string, automaticDeduplication bool) string {
	if automaticDeduplication {
		return graphID
	}
	return graphID + "/" + documentID
}

// EmbeddingText is the text embedded for an entity.
func EmbeddingText(e common.Entity) string {
	return fmt.Sprintf("%s (%s): %s", e.Name, e.Type, e.Description)
}

func entityKey(e common.Entity) string {
	return NormalizeName(e.Name) + "|" + NormalizeLabel(e.Type)
}

func allowSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = NormalizeLabel(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// allowed reports whether v passes the allow-list. A nil set allows everything.
func allowed(set map[string]struct{}, v string) bool {
	if set == nil {
		return true
	}
	_, ok := set[v]
	return ok
}
