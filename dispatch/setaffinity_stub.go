// setaffinity_stub.go - no-op pinning where sched_setaffinity(2) is missing

//go:build !linux

package dispatch

func setAffinity(cpu int) error { return nil }
