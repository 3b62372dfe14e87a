// Package coreconfig decodes the boot-time TOML document describing what
// memspaces to create and how to size the kseg mapping cache (spec.md
// §6 "kseg table geometry"), the boot-config analogue of the teacher's
// own runsc config.go.
package coreconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/vmkern/hypercore/pkg/buddy"
)

// MemspaceConfig describes one [[memspace]] table in the boot document.
type MemspaceConfig struct {
	Name       string `toml:"name"`
	KindName   string `toml:"kind"` // "static" or "dynamic"
	Start      uint64 `toml:"start"`
	Length     uint64 `toml:"length"`
	MaxExtent  uint64 `toml:"max_extent"` // dynamic only
	MinBufSize uint64 `toml:"min_buf_size"`
	MaxBufSize uint64 `toml:"max_buf_size"`
	ColorBits  uint   `toml:"color_bits"`
	HotAddHint uint64 `toml:"hot_add_hint"` // dynamic only

	FreeRanges []SubRangeConfig `toml:"free_range"`
}

// SubRangeConfig is one initially-free sub-range within a memspace.
type SubRangeConfig struct {
	Start  uint64 `toml:"start"`
	Length uint64 `toml:"length"`
}

// KsegConfig describes the mapping-cache geometry (spec.md §3.2).
type KsegConfig struct {
	CPUs              int    `toml:"cpus"`
	Assoc             int    `toml:"assoc"`
	NumSets           int    `toml:"num_sets"`
	VAddrBase         uint64 `toml:"vaddr_base"`
	FlushDeadlineMS   int    `toml:"flush_deadline_ms"`
	Strict            bool   `toml:"strict"`
	FrameSourceStart  uint64 `toml:"frame_source_start_mpn"`
	FrameSourceLength uint64 `toml:"frame_source_length"`
}

// Doc is the whole decoded boot document.
type Doc struct {
	Memspaces []MemspaceConfig `toml:"memspace"`
	Kseg      KsegConfig        `toml:"kseg"`
}

// Load decodes a TOML boot document from path.
func Load(path string) (Doc, error) {
	var doc Doc
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return Doc{}, fmt.Errorf("coreconfig: decode %s: %w", path, err)
	}
	return doc, nil
}

// RangeDesc converts mc into the buddy.RangeDesc it describes.
func (mc MemspaceConfig) RangeDesc() buddy.RangeDesc {
	return buddy.RangeDesc{
		Start:      mc.Start,
		Length:     mc.Length,
		MaxExtent:  mc.MaxExtent,
		MinBufSize: mc.MinBufSize,
		MaxBufSize: mc.MaxBufSize,
		ColorBits:  mc.ColorBits,
		HotAddHint: mc.HotAddHint,
	}
}

// Kind maps the config's "static"/"dynamic" string to a buddy.Kind.
func (mc MemspaceConfig) Kind() (buddy.Kind, error) {
	switch mc.KindName {
	case "static":
		return buddy.KindStatic, nil
	case "dynamic":
		return buddy.KindDynamic, nil
	default:
		return 0, fmt.Errorf("coreconfig: memspace %q: unknown kind %q", mc.Name, mc.KindName)
	}
}

// SubRanges converts mc's free_range entries to buddy.SubRange values.
func (mc MemspaceConfig) SubRanges() []buddy.SubRange {
	out := make([]buddy.SubRange, len(mc.FreeRanges))
	for i, sr := range mc.FreeRanges {
		out[i] = buddy.SubRange{Start: sr.Start, Length: sr.Length}
	}
	return out
}
