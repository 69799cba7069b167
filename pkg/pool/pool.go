// Package pool implements the bounded packet-frame pool. Every hot stage
// borrows frames from here and returns them after the last hand-off, so the
// receive path performs no heap allocation after warm-up.
package pool

import (
	"errors"
	"fmt"
)

// ErrPoolExhausted is returned by Acquire when every frame is in flight. RX
// responds by dropping the datagram and counting it rather than blocking.
var ErrPoolExhausted = errors.New("pool: exhausted")

// Channel tags the feed a frame arrived on.
type Channel uint8

const (
	ChannelA Channel = iota
	ChannelB
	ChannelRecovery
)

func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	case ChannelRecovery:
		return "R"
	}
	return "?"
}

// TimestampSource records where a frame's wire timestamp came from. Higher
// values are more accurate.
type TimestampSource uint8

const (
	TsOff TimestampSource = iota
	TsSoftware
	TsHwSys
	TsHwRaw
)

func (t TimestampSource) String() string {
	switch t {
	case TsOff:
		return "off"
	case TsSoftware:
		return "software"
	case TsHwSys:
		return "hw_sys"
	case TsHwRaw:
		return "hw_raw"
	}
	return "?"
}

// Frame is a pool-owned packet buffer plus its receive metadata. Exactly one
// stage holds a frame at any moment on the hot path; ownership moves through
// the SPSC hand-offs and the last holder releases it.
type Frame struct {
	// Seq is the feed sequence extracted at RX time.
	Seq uint64

	// RecvTimeNs is the monotonic receipt time stamped by RX.
	RecvTimeNs uint64

	// WireTimeNs is the kernel or NIC timestamp; when none is available RX
	// stores the receipt time here and sets TsSource to TsOff.
	WireTimeNs uint64

	// MergeEmitNs is stamped by Merge when the frame is forwarded.
	MergeEmitNs uint64

	Chan     Channel
	TsSource TimestampSource

	n    int
	buf  []byte
	pool *Pool
}

// Buf returns the full backing buffer for RX to write into.
func (f *Frame) Buf() []byte {
	return f.buf
}

// SetLen records the payload length after a receive.
func (f *Frame) SetLen(n int) {
	f.n = n
}

// Payload returns the received bytes.
func (f *Frame) Payload() []byte {
	return f.buf[:f.n]
}

// Len returns the payload length.
func (f *Frame) Len() int {
	return f.n
}

// Release returns the frame to its pool. The caller must not touch the frame
// afterwards.
func (f *Frame) Release() {
	f.pool.put(f)
}

// Pool is a fixed set of frames over one contiguous backing array. The free
// list is a buffered channel, giving O(1) multi-producer/multi-consumer
// acquire and release without locks on the Go side.
type Pool struct {
	backing []byte
	free    chan *Frame
	size    int
	maxPkt  int
}

// New builds a pool of size frames of maxPacketSize bytes each and pre-warms
// the backing array by touching every page.
func New(size, maxPacketSize int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", size)
	}
	if maxPacketSize <= 0 {
		return nil, fmt.Errorf("pool: max packet size must be positive, got %d", maxPacketSize)
	}
	p := &Pool{
		backing: make([]byte, size*maxPacketSize),
		free:    make(chan *Frame, size),
		size:    size,
		maxPkt:  maxPacketSize,
	}
	const pageSize = 4096
	for i := 0; i < len(p.backing); i += pageSize {
		p.backing[i] = 0
	}
	for i := 0; i < size; i++ {
		f := &Frame{
			buf:  p.backing[i*maxPacketSize : (i+1)*maxPacketSize],
			pool: p,
		}
		p.free <- f
	}
	return p, nil
}

// Acquire hands out an exclusively owned frame or fails with
// ErrPoolExhausted. Never blocks.
func (p *Pool) Acquire() (*Frame, error) {
	select {
	case f := <-p.free:
		return f, nil
	default:
		return nil, ErrPoolExhausted
	}
}

// Available reports how many frames are currently free.
func (p *Pool) Available() int {
	return len(p.free)
}

// Size returns the total frame count.
func (p *Pool) Size() int {
	return p.size
}

// MaxPacketSize returns the per-frame buffer size.
func (p *Pool) MaxPacketSize() int {
	return p.maxPkt
}

func (p *Pool) put(f *Frame) {
	f.Seq = 0
	f.RecvTimeNs = 0
	f.WireTimeNs = 0
	f.MergeEmitNs = 0
	f.TsSource = TsOff
	f.n = 0
	select {
	case p.free <- f:
	default:
		// Double release. The frame set is fixed, so a full free list with an
		// extra frame is a caller bug; panic rather than corrupt the pool.
		panic("pool: double release")
	}
}
