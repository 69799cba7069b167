//go:build !linux

package rx

import (
	"errors"
	"net"

	"github.com/Numi2/Numi-orderbook/pkg/pool"
)

func listenConfig(cfg Config) net.ListenConfig {
	return net.ListenConfig{}
}

func enableTimestamping(conn *net.UDPConn, mode TimestampingMode) error {
	return errors.New("rx: kernel timestamping requires linux")
}

func parseTimestamp(oob []byte, mode TimestampingMode) (uint64, pool.TimestampSource) {
	return 0, pool.TsOff
}
