package graph

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/OFFIS-RIT/fuse/backend/internal/util"
	"github.com/OFFIS-RIT/fuse/backend/pkg/common"
)

// ChunkGroup is the unit of extraction: up to fragmentMergeCount consecutive
// chunks of one document, sent to the model as one text.
type ChunkGroup struct {
	ID         string
	DocumentID string
	Chunks     []common.Chunk
}

// Text joins the chunk texts in ordinal order.
func (g ChunkGroup) Text() string {
	parts := make([]string, 0, len(g.Chunks))
	for _, c := range g.Chunks {
		parts = append(parts, strings.TrimSpace(c.Text))
	}
	return strings.Join(parts, "\n\n")
}

// ChunkIDs returns the sorted ids of the group's chunks.
func (g ChunkGroup) ChunkIDs() []string {
	ids := make([]string, 0, len(g.Chunks))
	for _, c := range g.Chunks {
		ids = append(ids, c.ID)
	}
	return util.SortedUnion(ids)
}

// DocumentGroups holds the extraction groups of one document.
type DocumentGroups struct {
	DocumentID string
	Groups     []ChunkGroup
}

func sortChunks(chunks []common.Chunk) []common.Chunk {
	sorted := slices.Clone(chunks)
	slices.SortStableFunc(sorted, func(a, b common.Chunk) int {
		return cmp.Or(
			cmp.Compare(a.DocumentID, b.DocumentID),
			cmp.Compare(a.Ordinal, b.Ordinal),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return sorted
}

// GroupChunks orders chunks by (document, ordinal, id) and cuts every
// document into groups of at most fragmentMergeCount chunks. Groups never
// span documents. Values below 1 are treated as 1.
func GroupChunks(chunks []common.Chunk, fragmentMergeCount int) []DocumentGroups {
	if fragmentMergeCount < 1 {
		fragmentMergeCount = 1
	}

	var docs []DocumentGroups
	sorted := sortChunks(chunks)
	for start := 0; start < len(sorted); {
		docID := sorted[start].DocumentID
		end := start
		for end < len(sorted) && sorted[end].DocumentID == docID {
			end++
		}

		doc := DocumentGroups{DocumentID: docID}
		for i := start; i < end; i += fragmentMergeCount {
			j := min(i+fragmentMergeCount, end)
			members := slices.Clone(sorted[i:j])
			doc.Groups = append(doc.Groups, ChunkGroup{
				ID:         groupID(docID, len(doc.Groups), members),
				DocumentID: docID,
				Chunks:     members,
			})
		}
		docs = append(docs, doc)
		start = end
	}
	return docs
}

func groupID(docID string, index int, members []common.Chunk) string {
	parts := []string{docID, strconv.Itoa(index)}
	for _, c := range members {
		parts = append(parts, c.ID)
	}
	return util.StableID(parts...)
}
