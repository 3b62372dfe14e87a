package memcore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

const sampleDoc = `
[[memspace]]
name = "guest-ram"
kind = "static"
start = 0x100000000
length = 0x1000000
min_buf_size = 4096
max_buf_size = 0x100000
color_bits = 0

[[memspace.free_range]]
start = 0x100000000
length = 0x1000000

[kseg]
cpus = 2
assoc = 4
num_sets = 16
vaddr_base = 0x7f0000000000
flush_deadline_ms = 50
strict = true
frame_source_start_mpn = 1
frame_source_length = 1048576
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot.toml")
	assert.NilError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))
	return path
}

func TestBootCreatesMemspaceAndKseg(t *testing.T) {
	core, err := Boot(writeSample(t))
	assert.NilError(t, err)
	assert.Assert(t, core.Kseg != nil)

	_, ok := core.Memspaces["guest-ram"]
	assert.Assert(t, ok)

	text, err := core.MemspaceStatsText("guest-ram")
	assert.NilError(t, err)
	assert.Assert(t, len(text) > 0)

	var buf bytes.Buffer
	core.DumpAll(&buf)
	assert.Assert(t, bytes.Contains(buf.Bytes(), []byte("guest-ram")))
}

func TestBootRejectsUnknownMemspace(t *testing.T) {
	core, err := Boot(writeSample(t))
	assert.NilError(t, err)
	_, err = core.MemspaceStatsText("does-not-exist")
	assert.ErrorContains(t, err, "unknown memspace")
}
