// setaffinity_linux.go - worker CPU pinning via sched_setaffinity(2)

//go:build linux

package dispatch

import "golang.org/x/sys/unix"

// setAffinity pins the calling thread to cpu. Out-of-range CPUs and
// refusals by the kernel leave the thread unpinned.
func setAffinity(cpu int) error {
	if cpu < 0 || cpu >= 1024 {
		return unix.EINVAL
	}
	var set unix.CPUSet
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
