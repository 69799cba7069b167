//go:build linux

package pool

import "golang.org/x/sys/unix"

// LockMemory pins current and future pages resident (mlockall). It raises
// RLIMIT_MEMLOCK first, ignoring a failure to raise it, and returns the
// mlockall error (for example when CAP_IPC_LOCK is not granted).
func LockMemory() error {
	lim := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	_ = unix.Setrlimit(unix.RLIMIT_MEMLOCK, &lim)
	return unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
}
