package spsc

import "runtime"

// Pin locks the calling goroutine to its OS thread and binds that thread to
// the given logical CPU; core < 0 locks the thread without binding. Call at
// the top of a stage loop and pair with Unpin on exit.
func Pin(core int) {
	runtime.LockOSThread()
	if core >= 0 {
		setAffinity(core)
	}
}

// PinRealtime is Pin plus a best-effort SCHED_FIFO priority request.
func PinRealtime(core, priority int) {
	Pin(core)
	setRealtime(priority)
}

// Unpin releases the OS thread back to the scheduler.
func Unpin() {
	runtime.UnlockOSThread()
}
