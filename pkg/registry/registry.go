// Package registry is the process-wide registry of live memspaces and
// kseg tables referenced by spec.md §9 ("Global state. A process-wide
// registry of live memspaces is required for the diagnostic listing but
// must not be on any hot path."). Registration/unregistration happen
// once at create/destroy time; DumpAll is the only hot-path-adjacent
// reader and it never touches allocator or cache internals beyond the
// read-only Entry.Dump method.
package registry

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/btree"
)

// Entry is anything the registry can list and dump: a buddy memspace or a
// per-CPU mapping-cache table.
type Entry interface {
	// Name identifies the entry for the dump header.
	Name() string
	// Base orders entries in the registry (a memspace's start address;
	// a kseg table's synthetic per-table ordinal).
	Base() uint64
	// Dump writes a read-only text snapshot of the entry's state. It
	// must not mutate the entry.
	Dump(w io.Writer)
}

type item struct {
	key  uint64
	name string
	e    Entry
}

func less(a, b item) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.name < b.name
}

var (
	mu   sync.Mutex
	tree = btree.NewG[item](32, less)
)

// Register adds e to the registry, ordered by its Base address. Callers
// register once at creation time, off the hot path.
func Register(e Entry) {
	mu.Lock()
	defer mu.Unlock()
	tree.ReplaceOrInsert(item{key: e.Base(), name: e.Name(), e: e})
}

// Unregister removes e from the registry. Callers unregister once at
// destroy time, after the entry is no longer reachable by new operations.
func Unregister(e Entry) {
	mu.Lock()
	defer mu.Unlock()
	tree.Delete(item{key: e.Base(), name: e.Name()})
}

// DumpAll iterates every live entry, address-ordered, writing each one's
// read-only snapshot to w. This is the "Dump hook" row of spec.md §6's
// external-interface table: it never mutates allocator or cache state.
func DumpAll(w io.Writer) {
	mu.Lock()
	items := make([]item, 0, tree.Len())
	tree.Ascend(func(it item) bool {
		items = append(items, it)
		return true
	})
	mu.Unlock()

	for _, it := range items {
		fmt.Fprintf(w, "=== %s (base=0x%x) ===\n", it.name, it.key)
		it.e.Dump(w)
	}
}
