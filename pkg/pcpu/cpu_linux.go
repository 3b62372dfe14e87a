//go:build linux

package pcpu

import "golang.org/x/sys/unix"

// HostCPUCount returns the number of CPUs in the scheduling affinity mask
// of the current process, falling back to runtime.NumCPU if the query
// fails. It only reports the count: kseg.Cache takes its number of
// per-CPU tables from Config.CPUs.
func HostCPUCount() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return fallbackCPUCount()
	}
	n := set.Count()
	if n <= 0 {
		return fallbackCPUCount()
	}
	return n
}
