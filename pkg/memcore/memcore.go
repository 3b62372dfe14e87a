// Package memcore wires coreconfig, buddy, and kseg together into the
// single boot sequence cmd/memdiag drives: decode a TOML document, create
// every configured memspace, stand up the kseg cache sized for it, and
// register everything with pkg/registry for the diagnostic dump.
package memcore

import (
	"fmt"
	"io"
	"time"

	"github.com/vmkern/hypercore/pkg/buddy"
	"github.com/vmkern/hypercore/pkg/coreconfig"
	"github.com/vmkern/hypercore/pkg/frame"
	"github.com/vmkern/hypercore/pkg/kseg"
	"github.com/vmkern/hypercore/pkg/pgtable"
	"github.com/vmkern/hypercore/pkg/registry"
)

// Core is the set of live objects one boot document produces.
type Core struct {
	Memspaces map[string]buddy.Handle
	Kseg      *kseg.Cache
	Frame     *frame.Simulator
	PT        *pgtable.Simulator
}

// Boot decodes path and creates every memspace and the kseg cache it
// describes (spec.md §6's external config surface), backed by the
// frame.Simulator / pgtable.Simulator test doubles since the real frame
// source and page-table primitive are out of scope (spec.md §1).
func Boot(path string) (*Core, error) {
	doc, err := coreconfig.Load(path)
	if err != nil {
		return nil, err
	}

	core := &Core{Memspaces: make(map[string]buddy.Handle, len(doc.Memspaces))}
	for _, mc := range doc.Memspaces {
		h, err := createMemspace(mc)
		if err != nil {
			return nil, fmt.Errorf("memcore: memspace %q: %w", mc.Name, err)
		}
		core.Memspaces[mc.Name] = h
	}

	kc := doc.Kseg
	if kc.CPUs == 0 {
		return core, nil
	}
	deadline := time.Duration(kc.FlushDeadlineMS) * time.Millisecond
	core.Frame = frame.NewSimulator(frame.MPN(kc.FrameSourceStart), kc.FrameSourceLength)
	core.PT = pgtable.NewSimulator()
	core.Kseg = kseg.NewCache(kseg.Config{
		CPUs:          kc.CPUs,
		Assoc:         kc.Assoc,
		NumSets:       kc.NumSets,
		VAddrBase:     kc.VAddrBase,
		FlushDeadline: deadline,
		Strict:        kc.Strict,
	}, core.Frame, core.PT)
	core.Kseg.Register()
	return core, nil
}

func createMemspace(mc coreconfig.MemspaceConfig) (buddy.Handle, error) {
	kind, err := mc.Kind()
	if err != nil {
		return buddy.Handle{}, err
	}
	rd := mc.RangeDesc()
	need, err := buddy.Sizing(kind, rd)
	if err != nil {
		return buddy.Handle{}, err
	}
	storage := make([]byte, need)
	if kind == buddy.KindStatic {
		return buddy.CreateStatic(mc.Name, rd, storage, mc.SubRanges())
	}
	return buddy.CreateDynamic(mc.Name, rd, storage, mc.SubRanges())
}

// MemspaceStatsText returns the named memspace's statistics text (spec.md
// §6's "stats" read command).
func (c *Core) MemspaceStatsText(name string) (string, error) {
	h, ok := c.Memspaces[name]
	if !ok {
		return "", fmt.Errorf("memcore: unknown memspace %q", name)
	}
	st, err := buddy.GetStats(h)
	if err != nil {
		return "", err
	}
	return st.String(), nil
}

// DumpAll writes the process-wide diagnostic listing (spec.md §9).
func (c *Core) DumpAll(w io.Writer) {
	registry.DumpAll(w)
}
