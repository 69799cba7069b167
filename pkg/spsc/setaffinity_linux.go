//go:build linux

package spsc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setAffinity pins the current OS thread to a single logical CPU. Errors are
// swallowed: under cgroup-restricted or containerised schedulers the call may
// return EPERM/EINVAL and the fallback is simply no pin.
func setAffinity(cpu int) {
	if cpu < 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}

type schedParam struct {
	priority int32
}

// setRealtime requests SCHED_FIFO at the given priority for the current
// thread. Best effort; requires CAP_SYS_NICE.
func setRealtime(priority int) {
	if priority <= 0 {
		return
	}
	param := schedParam{priority: int32(priority)}
	_, _, _ = unix.Syscall(
		unix.SYS_SCHED_SETSCHEDULER,
		0, // current thread
		uintptr(unix.SCHED_FIFO),
		uintptr(unsafe.Pointer(&param)),
	)
}
