package archive

import "atticore/internal/manifest"

// BFSLess implements the materializer's total order on paths: shorter
// depth first, then lexicographic comparison segment by segment. The
// archive writer emits items in this order so LookupMany below can stop
// scanning as soon as it passes the requested subtree.
func BFSLess(a, b []string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func hasPrefix(segments, prefix []string) bool {
	if len(prefix) > len(segments) {
		return false
	}
	for i, s := range prefix {
		if segments[i] != s {
			return false
		}
	}
	return true
}

// LookupWindow finds the single window guaranteed to contain the item
// record at target, used by a name-qualified lookup. Multiple index
// entries may have target as a descendant; the tightest (longest matching
// Segments prefix) is the correct one.
func LookupWindow(idx *manifest.MetadataIndex, target []string) (manifest.IndexEntry, bool) {
	best := -1
	bestLen := -1
	for i, e := range idx.Entries {
		if hasPrefix(target, e.Segments) && len(e.Segments) > bestLen {
			best = i
			bestLen = len(e.Segments)
		}
	}
	if best == -1 {
		return manifest.IndexEntry{}, false
	}
	return idx.Entries[best], true
}

// LookupMany returns the ordered run of windows needed to enumerate the
// directory named by target. Entries are stored in BFS order, so once a
// contiguous run of matching entries ends, nothing later in the index can
// match either: the scan stops there instead of reading the whole index.
func LookupMany(idx *manifest.MetadataIndex, target []string) []manifest.IndexEntry {
	var out []manifest.IndexEntry
	for _, e := range idx.Entries {
		if hasPrefix(e.Segments, target) {
			out = append(out, e)
			continue
		}
		if len(out) > 0 {
			break
		}
	}
	return out
}
