package pegas

import (
	"github.com/tidwall/btree"
)

// indexEntry covers one mapped segment: [base, end) holds region offsets
// starting at off.
type indexEntry struct {
	base   uintptr
	end    uintptr
	off    LinearAddr
	region Mapping
}

func entryLess(a, b indexEntry) bool {
	return a.base < b.base
}

// rtransIndex orders mapped segments by base address. Entries never
// overlap, so the owner of an address is the entry with the greatest base
// not above it, provided the address is below that entry's end.
type rtransIndex struct {
	tree *btree.BTreeG[indexEntry]
}

func newRtransIndex() *rtransIndex {
	return &rtransIndex{tree: btree.NewBTreeG[indexEntry](entryLess)}
}

// floor returns the entry with the greatest base <= vaddr.
func (ix *rtransIndex) floor(vaddr uintptr) (indexEntry, bool) {
	var hit indexEntry
	found := false
	ix.tree.Descend(indexEntry{base: vaddr}, func(e indexEntry) bool {
		hit, found = e, true
		return false
	})
	return hit, found
}

// lookup returns the entry containing vaddr.
func (ix *rtransIndex) lookup(vaddr uintptr) (indexEntry, bool) {
	e, ok := ix.floor(vaddr)
	if !ok || vaddr >= e.end {
		return indexEntry{}, false
	}
	return e, true
}

// overlaps returns an entry intersecting [base, end), if any.
func (ix *rtransIndex) overlaps(base, end uintptr) (indexEntry, bool) {
	if e, ok := ix.floor(base); ok && e.end > base {
		return e, true
	}
	var hit indexEntry
	found := false
	ix.tree.Ascend(indexEntry{base: base}, func(e indexEntry) bool {
		if e.base < end {
			hit, found = e, true
		}
		return false
	})
	return hit, found
}

func (ix *rtransIndex) insert(e indexEntry) {
	ix.tree.Set(e)
}

func (ix *rtransIndex) remove(base uintptr) {
	ix.tree.Delete(indexEntry{base: base})
}

func (ix *rtransIndex) len() int {
	return ix.tree.Len()
}

// entries returns every entry in address order.
func (ix *rtransIndex) entries() []indexEntry {
	out := make([]indexEntry, 0, ix.tree.Len())
	ix.tree.Scan(func(e indexEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}
