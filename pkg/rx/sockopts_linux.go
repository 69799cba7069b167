//go:build linux

package rx

import (
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Numi2/Numi-orderbook/pkg/pool"
)

// listenConfig sets the reuse options before bind so both feed processes and
// multi-worker setups can share the group port.
func listenConfig(cfg Config) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if opErr != nil {
					return
				}
				if cfg.ReusePort {
					opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}

// enableTimestamping requests kernel receive timestamps on the socket.
func enableTimestamping(conn *net.UDPConn, mode TimestampingMode) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	err = raw.Control(func(fd uintptr) {
		switch mode {
		case TsModeSoftware:
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
		case TsModeHardware, TsModeHardwareRaw:
			flags := unix.SOF_TIMESTAMPING_RX_HARDWARE |
				unix.SOF_TIMESTAMPING_RAW_HARDWARE |
				unix.SOF_TIMESTAMPING_SYS_HARDWARE |
				unix.SOF_TIMESTAMPING_RX_SOFTWARE |
				unix.SOF_TIMESTAMPING_SOFTWARE
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// parseTimestamp walks the control messages for SCM_TIMESTAMPNS or
// SCM_TIMESTAMPING payloads. For SCM_TIMESTAMPING the kernel delivers
// [software, legacy, hardware] timespecs; the last non-zero entry wins,
// matching the preference hw raw > hw sys > software.
func parseTimestamp(oob []byte, mode TimestampingMode) (uint64, pool.TimestampSource) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, pool.TsOff
	}
	for _, c := range cmsgs {
		if c.Header.Level != unix.SOL_SOCKET {
			continue
		}
		switch c.Header.Type {
		case unix.SCM_TIMESTAMPNS:
			if len(c.Data) >= int(unsafe.Sizeof(unix.Timespec{})) {
				ts := (*unix.Timespec)(unsafe.Pointer(&c.Data[0]))
				return tsToNs(ts), pool.TsSoftware
			}
		case unix.SCM_TIMESTAMPING:
			sz := int(unsafe.Sizeof(unix.Timespec{}))
			if len(c.Data) >= 3*sz {
				for i := 2; i >= 0; i-- {
					ts := (*unix.Timespec)(unsafe.Pointer(&c.Data[i*sz]))
					if ts.Sec != 0 || ts.Nsec != 0 {
						if i == 2 {
							if mode == TsModeHardwareRaw {
								return tsToNs(ts), pool.TsHwRaw
							}
							return tsToNs(ts), pool.TsHwSys
						}
						return tsToNs(ts), pool.TsSoftware
					}
				}
			}
		}
	}
	return 0, pool.TsOff
}

func tsToNs(ts *unix.Timespec) uint64 {
	return uint64(ts.Sec)*1_000_000_000 + uint64(ts.Nsec)
}
