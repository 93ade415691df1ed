package memory

import (
	"sort"

	"dca-vault-engine/internal/storage"
)

// pageIDs orders ids in the page direction and applies cursor and limit.
func pageIDs(ids []uint64, page storage.Page) []uint64 {
	sort.Slice(ids, func(i, j int) bool {
		if page.Reverse {
			return ids[i] > ids[j]
		}
		return ids[i] < ids[j]
	})

	limit := page.EffectiveLimit()
	out := make([]uint64, 0, limit)
	for _, id := range ids {
		if !page.Admits(id) {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out
}
