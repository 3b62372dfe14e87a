package pcpu

import "runtime"

func fallbackCPUCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}
