package coreconfig

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/vmkern/hypercore/pkg/buddy"
)

const sampleDoc = `
[[memspace]]
name = "guest-ram"
kind = "dynamic"
start = 0x100000000
length = 0x10000000
max_extent = 0x40000000
min_buf_size = 4096
max_buf_size = 0x200000
color_bits = 14
hot_add_hint = 0x4000000

[[memspace.free_range]]
start = 0x100000000
length = 0x10000000

[kseg]
cpus = 4
assoc = 4
num_sets = 64
vaddr_base = 0x7f0000000000
flush_deadline_ms = 50
strict = true
frame_source_start_mpn = 1
frame_source_length = 1048576
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.toml")
	assert.NilError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))
	return path
}

func TestLoadDecodesMemspaceAndKseg(t *testing.T) {
	doc, err := Load(writeSample(t))
	assert.NilError(t, err)
	assert.Equal(t, len(doc.Memspaces), 1)

	mc := doc.Memspaces[0]
	assert.Equal(t, mc.Name, "guest-ram")
	kind, err := mc.Kind()
	assert.NilError(t, err)
	assert.Equal(t, kind, buddy.KindDynamic)
	assert.Equal(t, len(mc.SubRanges()), 1)

	assert.Equal(t, doc.Kseg.CPUs, 4)
	assert.Equal(t, doc.Kseg.Assoc, 4)
}

func TestKindRejectsUnknownValue(t *testing.T) {
	mc := MemspaceConfig{Name: "bad", KindName: "weird"}
	_, err := mc.Kind()
	assert.ErrorContains(t, err, "unknown kind")
}
