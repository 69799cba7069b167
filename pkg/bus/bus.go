// Package bus fans decoded OBO frames out to subscriber transports. The
// publisher assigns per-instrument sequences atomically with publication, a
// bounded replay ring serves late joiners, and a slow subscriber is dropped
// rather than ever stalling the producer.
package bus

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/luxfi/log"

	"github.com/Numi2/Numi-orderbook/pkg/clock"
	"github.com/Numi2/Numi-orderbook/pkg/metrics"
	"github.com/Numi2/Numi-orderbook/pkg/obo"
)

type retained struct {
	global uint64
	data   []byte
}

// SnapshotFunc streams the current book state through emit as
// sequence-zero frames: SNAPSHOT_START, then per instrument a SNAPSHOT_HDR
// and its OBO_ADDs, then SNAPSHOT_END. Wired to the book by the daemon.
type SnapshotFunc func(emit func(msgType uint16, instrument uint64, payload []byte))

// Config sizes the bus.
type Config struct {
	// ReplayDepth is how many recent frames the bus retains for from_seq
	// replay.
	ReplayDepth int

	// SubscriberRing is the per-subscriber buffer capacity; a subscriber
	// that falls this far behind is dropped.
	SubscriberRing int
}

// Bus is the publication hub. One producer (the decode stage); any number of
// subscriber transports.
type Bus struct {
	cfg    Config
	met    *metrics.Metrics
	logger log.Logger

	mu          sync.Mutex
	ring        deque.Deque[retained]
	nextGlobal  uint64
	perInstrSeq map[uint64]uint64
	subs        map[*Subscription]struct{}

	snapshot SnapshotFunc
}

// Subscription is one subscriber's view: a bounded frame channel and its
// instrument filter. Frames arrive in publication order with
// strictly increasing per-instrument sequences and no holes until the
// subscription is dropped.
type Subscription struct {
	// C delivers encoded frames. Closed when the subscriber is dropped or
	// the subscription is closed.
	C <-chan []byte

	ch          chan []byte
	bus         *Bus
	instruments map[uint64]struct{} // nil = all
	dropped     bool
}

// New creates the bus.
func New(cfg Config, met *metrics.Metrics, logger log.Logger) *Bus {
	if cfg.ReplayDepth <= 0 {
		cfg.ReplayDepth = 1 << 16
	}
	if cfg.SubscriberRing <= 0 {
		cfg.SubscriberRing = 1 << 10
	}
	return &Bus{
		cfg:         cfg,
		met:         met,
		logger:      logger,
		perInstrSeq: make(map[uint64]uint64),
		subs:        make(map[*Subscription]struct{}),
	}
}

// SetSnapshotSource wires the snapshot-on-connect provider.
func (b *Bus) SetSnapshotSource(fn SnapshotFunc) {
	b.mu.Lock()
	b.snapshot = fn
	b.mu.Unlock()
}

// encodeFrame builds header+payload into one buffer.
func encodeFrame(msgType uint16, instrument, seq uint64, payload []byte) []byte {
	frame := make([]byte, obo.HeaderSize+len(payload))
	obo.PutHeader(frame, obo.Header{
		MessageType:  msgType,
		ChannelID:    obo.ChannelOBOL3,
		InstrumentID: instrument,
		Sequence:     seq,
		SendTimeNs:   clock.Nanos(),
		PayloadLen:   uint32(len(payload)),
	})
	copy(frame[obo.HeaderSize:], payload)
	return frame
}

// Publish stamps the next per-instrument sequence into a frame and fans it
// out. Returns the assigned sequence. Never blocks: a subscriber whose ring
// is full is marked dropped and detached.
func (b *Bus) Publish(msgType uint16, instrument uint64, payload []byte) uint64 {
	b.mu.Lock()
	seq := b.perInstrSeq[instrument] + 1
	b.perInstrSeq[instrument] = seq
	frame := encodeFrame(msgType, instrument, seq, payload)
	b.retainAndFanOutLocked(instrument, frame)
	b.mu.Unlock()

	b.met.OutFrames.Inc()
	b.met.OutBytes.Add(float64(len(frame)))
	return seq
}

// PublishControl publishes a control frame (heartbeat, gap, seq reset) with
// an explicit sequence, usually zero.
func (b *Bus) PublishControl(msgType uint16, instrument, seq uint64, payload []byte) {
	frame := encodeFrame(msgType, instrument, seq, payload)
	b.mu.Lock()
	b.retainAndFanOutLocked(instrument, frame)
	b.mu.Unlock()

	b.met.OutFrames.Inc()
	b.met.OutBytes.Add(float64(len(frame)))
}

// PublishGap broadcasts a feed gap to every subscriber.
func (b *Bus) PublishGap(from, to uint64) {
	var p [obo.GapSize]byte
	obo.PutGap(p[:], obo.Gap{From: from, To: to})
	b.PublishControl(obo.MsgGap, 0, 0, p[:])
}

// Heartbeat publishes a keepalive control frame.
func (b *Bus) Heartbeat() {
	var p [obo.HeartbeatSize]byte
	b.PublishControl(obo.MsgHeartbeat, 0, 0, p[:])
}

func (b *Bus) retainAndFanOutLocked(instrument uint64, frame []byte) {
	g := b.nextGlobal
	b.nextGlobal++
	if b.ring.Len() == b.cfg.ReplayDepth {
		b.ring.PopFront()
	}
	b.ring.PushBack(retained{global: g, data: frame})

	for sub := range b.subs {
		// Control frames (instrument 0) reach every subscriber.
		if sub.instruments != nil && instrument != 0 {
			if _, want := sub.instruments[instrument]; !want {
				continue
			}
		}
		select {
		case sub.ch <- frame:
		default:
			// Ring full: the subscriber is too slow. Detach it; the producer
			// never waits.
			sub.dropped = true
			delete(b.subs, sub)
			close(sub.ch)
			b.met.DroppedClients.Inc()
			b.logger.Warn("dropping slow subscriber", "buffered", len(sub.ch))
		}
	}
}

// SubscribeOptions select the joining behavior.
type SubscribeOptions struct {
	// Instruments limits delivery to a set; nil receives everything.
	Instruments map[uint64]struct{}

	// FromSeq, when set, asks for replay from a global cursor previously
	// returned by Cursor. When part of the range has left the replay ring
	// the subscriber first gets a GAP control frame for the evicted part,
	// then the frames still retained.
	FromSeq *uint64

	// Snapshot requests a book snapshot before the live tail.
	Snapshot bool
}

// Subscribe attaches a new subscriber and returns its frame channel.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	sub := &Subscription{
		ch:          make(chan []byte, b.cfg.SubscriberRing),
		bus:         b,
		instruments: opts.Instruments,
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()

	if opts.Snapshot && b.snapshot != nil {
		b.snapshot(func(msgType uint16, instrument uint64, payload []byte) {
			// Snapshot frames carry sequence zero and bypass retention.
			frame := encodeFrame(msgType, instrument, 0, payload)
			select {
			case sub.ch <- frame:
			default:
			}
		})
	}

	if opts.FromSeq != nil {
		from := *opts.FromSeq
		oldest := b.nextGlobal - uint64(b.ring.Len())
		if from < oldest {
			// History already evicted; tell the client what it missed.
			var p [obo.GapSize]byte
			obo.PutGap(p[:], obo.Gap{From: from, To: oldest - 1})
			select {
			case sub.ch <- encodeFrame(obo.MsgGap, 0, 0, p[:]):
			default:
			}
			from = oldest
		}
		for i := 0; i < b.ring.Len(); i++ {
			r := b.ring.At(i)
			if r.global < from {
				continue
			}
			if sub.instruments != nil {
				if hdr, err := obo.ParseHeader(r.data); err == nil && hdr.InstrumentID != 0 {
					if _, want := sub.instruments[hdr.InstrumentID]; !want {
						continue
					}
				}
			}
			select {
			case sub.ch <- r.data:
			default:
				// Cannot even hold the replay: drop immediately.
				sub.dropped = true
				close(sub.ch)
				b.met.DroppedClients.Inc()
				return sub
			}
		}
	}

	b.subs[sub] = struct{}{}
	return sub
}

// Cursor returns the current global publication cursor, usable as FromSeq
// on a later Subscribe.
func (b *Bus) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextGlobal
}

// Subscribers reports the attached subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
}

// Dropped reports whether the bus detached this subscriber for falling
// behind.
func (s *Subscription) Dropped() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}
