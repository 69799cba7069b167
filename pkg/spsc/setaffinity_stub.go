//go:build !linux

package spsc

// No thread affinity or scheduling class control off Linux.
func setAffinity(cpu int)      {}
func setRealtime(priority int) {}
