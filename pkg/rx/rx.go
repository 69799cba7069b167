// Package rx receives one multicast feed channel: it joins the group, reads
// datagrams into pool frames, stamps them with the best available timestamp
// source, extracts the feed sequence and hands the frames to the merge stage
// over an SPSC ring. Everything after the kernel receive call is
// non-blocking; any failure drops the datagram and counts it.
package rx

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"golang.org/x/net/ipv4"

	"github.com/Numi2/Numi-orderbook/pkg/clock"
	"github.com/Numi2/Numi-orderbook/pkg/decode"
	"github.com/Numi2/Numi-orderbook/pkg/metrics"
	"github.com/Numi2/Numi-orderbook/pkg/pool"
	"github.com/Numi2/Numi-orderbook/pkg/spsc"
)

// TimestampingMode selects the kernel timestamp source requested on the
// socket.
type TimestampingMode uint8

const (
	TsModeOff TimestampingMode = iota
	TsModeSoftware
	TsModeHardware
	TsModeHardwareRaw
)

// ParseTimestampingMode maps the config strings.
func ParseTimestampingMode(s string) (TimestampingMode, error) {
	switch s {
	case "", "off":
		return TsModeOff, nil
	case "software":
		return TsModeSoftware, nil
	case "hardware":
		return TsModeHardware, nil
	case "hardware_raw":
		return TsModeHardwareRaw, nil
	}
	return 0, fmt.Errorf("rx: unknown timestamping mode %q", s)
}

// Config describes one feed channel socket.
type Config struct {
	Name            string // "A" or "B"
	Channel         pool.Channel
	Group           string
	Port            int
	IfaceAddr       string
	ReusePort       bool
	RecvBufferBytes int
	Timestamping    TimestampingMode

	SpinLoopsPerYield uint32
}

// readDeadline bounds the kernel receive call so the loop observes the
// shutdown flag.
const readDeadline = 100 * time.Millisecond

// RX is one channel's receiver.
type RX struct {
	cfg    Config
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	seq    decode.SeqConfig
	qOut   *spsc.Ring[*pool.Frame]
	pool   *pool.Pool
	met    *metrics.Metrics
	logger log.Logger

	oob     []byte
	scratch []byte
}

// New opens the socket, joins the multicast group and applies the socket
// options.
func New(cfg Config, seq decode.SeqConfig, framePool *pool.Pool, qOut *spsc.Ring[*pool.Frame], met *metrics.Metrics, logger log.Logger) (*RX, error) {
	group := net.ParseIP(cfg.Group)
	if group == nil || !group.IsMulticast() {
		return nil, fmt.Errorf("rx %s: group %q is not a multicast address", cfg.Name, cfg.Group)
	}

	lc := listenConfig(cfg)
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("rx %s: listen: %w", cfg.Name, err)
	}
	conn := pc.(*net.UDPConn)

	var iface *net.Interface
	if cfg.IfaceAddr != "" && cfg.IfaceAddr != "0.0.0.0" {
		iface, err = interfaceByAddr(cfg.IfaceAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rx %s: %w", cfg.Name, err)
		}
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rx %s: join %s: %w", cfg.Name, cfg.Group, err)
	}

	if cfg.RecvBufferBytes > 0 {
		if err := conn.SetReadBuffer(cfg.RecvBufferBytes); err != nil {
			logger.Warn("rx set read buffer failed", "chan", cfg.Name, "bytes", cfg.RecvBufferBytes, "error", err)
		}
	}
	if cfg.Timestamping != TsModeOff {
		if err := enableTimestamping(conn, cfg.Timestamping); err != nil {
			logger.Warn("rx timestamping unavailable, falling back to receipt time",
				"chan", cfg.Name, "error", err)
			cfg.Timestamping = TsModeOff
		}
	}

	r := &RX{
		cfg:     cfg,
		conn:    conn,
		pconn:   pconn,
		seq:     seq,
		qOut:    qOut,
		pool:    framePool,
		met:     met,
		logger:  logger,
		oob:     make([]byte, 256),
		scratch: make([]byte, framePool.MaxPacketSize()),
	}
	logger.Info("rx listening", "chan", cfg.Name, "group", cfg.Group, "port", cfg.Port,
		"timestamping", cfg.Timestamping != TsModeOff)
	return r, nil
}

// interfaceByAddr finds the interface that owns a local IPv4 address.
func interfaceByAddr(addr string) (*net.Interface, error) {
	want := net.ParseIP(addr)
	if want == nil {
		return nil, fmt.Errorf("rx: bad interface address %q", addr)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(want) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("rx: no interface has address %s", addr)
}

// Run receives until stop is set. Runs on a dedicated (typically pinned)
// thread.
func (r *RX) Run(stop *atomic.Bool) {
	name := r.cfg.Name
	var dropped uint64
	for !stop.Load() {
		f, err := r.pool.Acquire()
		if err != nil {
			// Pool exhausted: consume and discard the datagram so the socket
			// buffer does not back up.
			r.conn.SetReadDeadline(time.Now().Add(readDeadline))
			if _, _, err := r.conn.ReadFromUDP(r.scratch); err == nil {
				dropped++
				r.met.RxDrops.WithLabelValues(name).Inc()
				if dropped%10_000 == 1 {
					r.logger.Warn("rx pool exhausted, dropping", "chan", name, "dropped", dropped)
				}
			}
			continue
		}

		n, wireNs, src, err := r.readOne(f.Buf())
		if err != nil {
			f.Release()
			continue
		}
		recvNs := clock.Nanos()

		f.SetLen(n)
		f.RecvTimeNs = recvNs
		f.Chan = r.cfg.Channel
		if wireNs != 0 {
			f.WireTimeNs = wireNs
			f.TsSource = src
		} else {
			f.WireTimeNs = recvNs
			f.TsSource = pool.TsOff
		}

		s, ok := r.seq.ExtractSeq(f.Payload())
		if !ok {
			// Too short to carry a sequence: not ours.
			f.Release()
			r.met.RxDrops.WithLabelValues(name).Inc()
			continue
		}
		f.Seq = s

		if !r.qOut.Push(f) {
			f.Release()
			dropped++
			r.met.RxDrops.WithLabelValues(name).Inc()
			if dropped%10_000 == 1 {
				r.logger.Warn("rx queue full, dropping", "chan", name, "dropped", dropped)
			}
			continue
		}
		r.met.RxPackets.WithLabelValues(name).Inc()
		r.met.RxBytes.WithLabelValues(name).Add(float64(n))
	}
	r.conn.Close()
}

// readOne blocks in the kernel (bounded by the deadline) for one datagram.
// Returns the payload length plus the kernel timestamp when available.
func (r *RX) readOne(buf []byte) (int, uint64, pool.TimestampSource, error) {
	r.conn.SetReadDeadline(time.Now().Add(readDeadline))
	if r.cfg.Timestamping == TsModeOff {
		n, _, err := r.conn.ReadFromUDP(buf)
		return n, 0, pool.TsOff, err
	}
	n, oobn, _, _, err := r.conn.ReadMsgUDP(buf, r.oob)
	if err != nil {
		return 0, 0, pool.TsOff, err
	}
	ts, src := parseTimestamp(r.oob[:oobn], r.cfg.Timestamping)
	return n, ts, src, nil
}
