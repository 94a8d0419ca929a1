package core

// Two-input CRDT-style merge. Deterministic, commutative on the union-typed
// sections, local-wins on tokens both sides hold. Remote-only tokens always
// survive, even when the local document carries the higher version.

import "sort"

// MergeStats counts what the merge did; the numbers feed sync telemetry.
type MergeStats struct {
	Added     int
	Removed   int
	Conflicts int
}

// Merge reconciles local and remote into a single document whose version is
// strictly greater than both inputs. now is stamped into _meta.updatedAt.
func Merge(local, remote TxfData, now int64) (TxfData, MergeStats) {
	stats := MergeStats{}
	if local == nil {
		local = TxfData{}
	}
	if remote == nil {
		remote = TxfData{}
	}
	merged := TxfData{}

	// Meta: base on the side with the higher version, then chain past both.
	vL := local.Meta().Version
	vR := remote.Meta().Version
	base := local
	if vR > vL {
		base = remote
	}
	if rawMeta, ok := base[KeyMeta].(map[string]any); ok {
		merged[KeyMeta] = deepCopyMap(rawMeta)
	} else {
		merged[KeyMeta] = map[string]any{}
	}
	metaMap := merged[KeyMeta].(map[string]any)
	metaMap["version"] = maxU64(vL, vR) + 1
	metaMap["updatedAt"] = now

	// Tombstones: union keyed by (tokenId, stateHash), newest timestamp wins.
	tombstones := unionTombstones(local.Tombstones(), remote.Tombstones())
	if len(tombstones) > 0 {
		list := make([]any, 0, len(tombstones))
		for _, t := range tombstones {
			list = append(list, map[string]any{
				"tokenId":   t.TokenID,
				"stateHash": t.StateHash,
				"timestamp": t.Timestamp,
			})
		}
		merged[KeyTombstones] = list
	}
	dead := map[string]bool{}
	for _, t := range tombstones {
		dead[t.TokenID] = true
	}

	// Active tokens: tombstone mask first, then local-wins.
	for _, k := range unionKeys(local, remote, IsActiveTokenKey) {
		lv, inLocal := local[k]
		rv, inRemote := remote[k]
		if dead[TokenIDForKey(k)] {
			if inLocal {
				stats.Removed++
			}
			continue
		}
		switch {
		case inLocal && inRemote:
			merged[k] = deepCopyValue(lv)
			stats.Conflicts++
		case inLocal:
			merged[k] = deepCopyValue(lv)
		default:
			merged[k] = deepCopyValue(rv)
			stats.Added++
		}
	}

	// Union-typed lists: first writer (local) wins per id.
	mergeList(merged, local, remote, KeyOutbox, "id")
	mergeList(merged, local, remote, KeySent, "tokenId")
	mergeList(merged, local, remote, KeyInvalid, "tokenId")
	mergeList(merged, local, remote, KeyNametags, "name")

	// Archived entries pass through untouched, local preferred when shared.
	for _, k := range unionKeys(local, remote, IsArchivedKey) {
		if lv, ok := local[k]; ok {
			merged[k] = deepCopyValue(lv)
		} else {
			merged[k] = deepCopyValue(remote[k])
		}
	}

	return merged, stats
}

// unionTombstones merges two tombstone lists, local order first, remote-only
// entries appended, collisions resolved toward the larger timestamp.
func unionTombstones(local, remote []Tombstone) []Tombstone {
	type key struct{ id, hash string }
	index := map[key]int{}
	out := make([]Tombstone, 0, len(local)+len(remote))
	for _, lists := range [][]Tombstone{local, remote} {
		for _, t := range lists {
			k := key{t.TokenID, t.StateHash}
			if i, ok := index[k]; ok {
				if t.Timestamp > out[i].Timestamp {
					out[i] = t
				}
				continue
			}
			index[k] = len(out)
			out = append(out, t)
		}
	}
	return out
}

// mergeList unions the named list section deduped by idField, local entries
// first. Empty results are omitted from the output document.
func mergeList(merged, local, remote TxfData, section, idField string) {
	seen := map[string]bool{}
	var out []any
	appendFrom := func(doc TxfData) {
		raw, ok := doc[section].([]any)
		if !ok {
			return
		}
		for _, e := range raw {
			id, ok := idOfEntry(e, idField)
			if !ok {
				// Entries without the id key cannot be deduped; keep them.
				out = append(out, deepCopyValue(e))
				continue
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, deepCopyValue(e))
		}
	}
	appendFrom(local)
	appendFrom(remote)
	if len(out) > 0 {
		merged[section] = out
	}
}

// unionKeys returns the sorted union of keys matching pred in both documents.
func unionKeys(a, b TxfData, pred func(string) bool) []string {
	set := map[string]bool{}
	for k := range a {
		if pred(k) {
			set[k] = true
		}
	}
	for k := range b {
		if pred(k) {
			set[k] = true
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
