package spsc

// cpuRelax is a spin-loop hint. Pure Go has no portable PAUSE/YIELD
// intrinsic, so this compiles to nothing; the bounded loop in Spin still
// keeps the waiter off the scheduler for a few nanoseconds.
//
//go:nosplit
func cpuRelax() {
}
