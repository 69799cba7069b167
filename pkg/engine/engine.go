// Package engine runs the decode stage: it drains the merged packet stream,
// parses payloads into events, applies them to the order book and republishes
// each applied event as an OBO frame on the bus. Single consumer of the merge
// ring and sole writer of the book.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/Numi2/Numi-orderbook/pkg/book"
	"github.com/Numi2/Numi-orderbook/pkg/bus"
	"github.com/Numi2/Numi-orderbook/pkg/clock"
	"github.com/Numi2/Numi-orderbook/pkg/decode"
	"github.com/Numi2/Numi-orderbook/pkg/metrics"
	"github.com/Numi2/Numi-orderbook/pkg/obo"
	"github.com/Numi2/Numi-orderbook/pkg/pool"
	"github.com/Numi2/Numi-orderbook/pkg/snapshot"
	"github.com/Numi2/Numi-orderbook/pkg/spsc"
)

// Config sets the engine cadence.
type Config struct {
	// SnapshotInterval is how often the book is exported to the snapshot
	// writer and stats are logged. Zero disables periodic exports.
	SnapshotInterval time.Duration

	// ReportDepth bounds the per-side level count summarized in the
	// progress log.
	ReportDepth int

	SpinLoopsPerYield uint32
}

// Engine is the decode stage state.
type Engine struct {
	cfg    Config
	qIn    *spsc.Ring[*pool.Frame]
	parser *decode.Parser
	book   *book.Book
	bus    *bus.Bus
	writer *snapshot.Writer
	met    *metrics.Metrics
	logger log.Logger

	events  []decode.Event
	scratch [obo.ExecuteSize]byte

	// per-channel wire-timestamp high-water marks for monotonicity checks
	lastWireTs [3]uint64

	processedPkts uint64
	processedMsgs uint64
	staleWarnNs   uint64

	// latestExport is the copy-on-snapshot view served to subscriber
	// threads; the decode thread refreshes it, everyone else only reads.
	latestExport atomic.Pointer[book.Export]
}

// New builds the engine. writer may be nil when snapshotting is disabled.
func New(cfg Config, qIn *spsc.Ring[*pool.Frame], parser *decode.Parser, bk *book.Book, b *bus.Bus, writer *snapshot.Writer, met *metrics.Metrics, logger log.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		qIn:    qIn,
		parser: parser,
		book:   bk,
		bus:    b,
		writer: writer,
		met:    met,
		logger: logger,
		events: make([]decode.Event, 0, parser.MaxMessagesPerPacket),
	}
}

// Run drains the merge ring until stop is set.
func (e *Engine) Run(stop *atomic.Bool) {
	lastSnap := time.Now()
	var idle uint32
	for !stop.Load() {
		f, ok := e.qIn.Pop()
		if !ok {
			spsc.IdleWait(&idle, e.cfg.SpinLoopsPerYield)
			continue
		}
		idle = 0
		e.process(f)

		if e.cfg.SnapshotInterval > 0 && time.Since(lastSnap) >= e.cfg.SnapshotInterval {
			e.exportAndLog()
			lastSnap = time.Now()
		}
	}
	// Drain in-flight frames so the pool is whole on shutdown.
	for {
		f, ok := e.qIn.Pop()
		if !ok {
			break
		}
		f.Release()
	}
}

func (e *Engine) process(f *pool.Frame) {
	e.met.DecodePackets.Inc()
	e.processedPkts++

	capBefore := cap(e.events)
	e.events = e.parser.Decode(f.Payload(), e.events[:0])
	if cap(e.events) > capBefore {
		e.logger.Warn("decode scratch grew", "old_cap", capBefore, "new_cap", cap(e.events), "len", len(e.events))
	}

	if len(e.events) == 0 && f.Len() > 0 {
		// Nothing parseable in a non-empty payload: malformed packet.
		e.met.DecodeErrors.Inc()
		f.Release()
		return
	}
	e.processedMsgs += uint64(len(e.events))
	e.met.DecodeMessages.Add(float64(len(e.events)))

	e.checkWireMonotonic(f)

	now := clock.Nanos()
	if f.MergeEmitNs != 0 && now > f.MergeEmitNs {
		metrics.ObserveLatencyNs(e.met.StageMergeDec, now-f.MergeEmitNs)
	}
	if f.WireTimeNs != 0 && now > f.WireTimeNs {
		metrics.ObserveLatencyNs(e.met.E2ELatency.WithLabelValues(f.TsSource.String()), now-f.WireTimeNs)
	}

	for i := range e.events {
		e.apply(&e.events[i])
	}

	f.Release()
}

// apply resolves the event's instrument, mutates the book and publishes the
// OBO mapping. Instrument resolution happens before the mutation because a
// cancel removes the order-id index entry the resolution needs.
func (e *Engine) apply(ev *decode.Event) {
	instr := ev.Instrument
	if instr == 0 && (ev.Kind == decode.KindModify || ev.Kind == decode.KindCancel) {
		if found, ok := e.book.InstrumentForOrder(ev.OrderID); ok {
			instr = found
		}
	}

	res := e.book.Apply(ev)
	switch res {
	case book.DuplicateOrder:
		e.met.BookDupOrders.Inc()
		return
	case book.UnknownOrder:
		e.met.BookUnknown.Inc()
		return
	case book.StaleTrade:
		e.met.BookStaleTrades.Inc()
		// A trade against a maker consumed by an earlier cancel: harmless
		// unless it happens constantly.
		now := clock.Nanos()
		if now-e.staleWarnNs >= 1_000_000_000 {
			e.staleWarnNs = now
			e.logger.Warn("trade against vanished maker", "maker", ev.MakerOrderID, "instrument", ev.Instrument)
		}
	}

	e.publish(ev, instr)
}

func (e *Engine) publish(ev *decode.Event, instr uint64) {
	p := e.scratch[:]
	switch ev.Kind {
	case decode.KindAdd:
		obo.PutAdd(p, obo.Add{
			OrderID: ev.OrderID,
			PriceE8: ev.Price,
			Qty:     uint64(ev.Qty),
			Side:    uint8(ev.Side),
		})
		e.bus.Publish(obo.MsgOboAdd, instr, p[:obo.AddSize])

	case decode.KindModify:
		m := obo.Modify{OrderID: ev.OrderID, NewQty: uint64(ev.Qty), Flags: 1}
		if ev.HasNewPrice {
			m.NewPriceE8 = ev.NewPrice
			m.Flags = 0
		}
		obo.PutModify(p, m)
		e.bus.Publish(obo.MsgOboModify, instr, p[:obo.ModifySize])

	case decode.KindCancel:
		obo.PutCancel(p, obo.Cancel{OrderID: ev.OrderID})
		e.bus.Publish(obo.MsgOboCancel, instr, p[:obo.CancelSize])

	case decode.KindReplace:
		obo.PutCancel(p, obo.Cancel{OrderID: ev.OrderID})
		e.bus.Publish(obo.MsgOboCancel, ev.Instrument, p[:obo.CancelSize])
		obo.PutAdd(p, obo.Add{
			OrderID: ev.NewOrderID,
			PriceE8: ev.NewPrice,
			Qty:     uint64(ev.NewQty),
			Side:    uint8(ev.Side),
		})
		e.bus.Publish(obo.MsgOboAdd, ev.Instrument, p[:obo.AddSize])

	case decode.KindTrade:
		if !ev.HasMaker {
			return
		}
		ex := obo.Execute{
			MakerOrderID: ev.MakerOrderID,
			TradeQty:     uint64(ev.Qty),
			TradePriceE8: ev.Price,
		}
		if ev.HasTakerSide {
			ex.AggressorSide = uint8(ev.TakerSide)
		}
		obo.PutExecute(p, ex)
		e.bus.Publish(obo.MsgOboExecute, instr, p[:obo.ExecuteSize])

	case decode.KindSnapshotMarker:
		e.exportAndLog()
	}
}

// checkWireMonotonic counts wire timestamps that went backwards within one
// input queue; violations are informational, never a halt.
func (e *Engine) checkWireMonotonic(f *pool.Frame) {
	if f.WireTimeNs == 0 || f.TsSource == pool.TsOff {
		return
	}
	idx := int(f.Chan)
	if idx >= len(e.lastWireTs) {
		return
	}
	if f.WireTimeNs < e.lastWireTs[idx] {
		queue := "rx_" + f.Chan.String()
		e.met.TsViolations.WithLabelValues(queue).Inc()
	} else {
		e.lastWireTs[idx] = f.WireTimeNs
	}
}

// exportAndLog refreshes gauges, publishes a fresh copy-on-snapshot export
// for subscriber threads, offers it to the snapshot writer and logs a
// one-line progress summary.
func (e *Engine) exportAndLog() {
	e.met.BookLiveOrders.Set(float64(e.book.LiveOrders()))
	exp := e.book.ExportAll()
	e.latestExport.Store(&exp)
	if e.writer != nil {
		if !e.writer.Offer(exp) {
			e.logger.Debug("snapshot writer busy, export skipped")
		}
	}
	bid, ask := e.book.BBO()
	var bidDepth, askDepth int64
	if instr, ok := e.book.LastInstrument(); ok {
		depth := e.cfg.ReportDepth
		if depth <= 0 {
			depth = 10
		}
		if ib := e.book.Instrument(instr); ib != nil {
			bids, asks := ib.TopN(depth)
			for _, q := range bids {
				bidDepth += q.Qty
			}
			for _, q := range asks {
				askDepth += q.Qty
			}
		}
	}
	e.logger.Info("decode progress",
		"pkts", e.processedPkts,
		"msgs", e.processedMsgs,
		"live_orders", e.book.LiveOrders(),
		"best_bid", bid.Price, "best_bid_qty", bid.Qty,
		"best_ask", ask.Price, "best_ask_qty", ask.Qty,
		"bid_depth", bidDepth, "ask_depth", askDepth)
}

// SnapshotSource adapts the engine for bus snapshot-on-connect: it streams
// SNAPSHOT_START, per-instrument SNAPSHOT_HDR plus OBO_ADDs in
// reconstruction order, then SNAPSHOT_END.
//
// Subscriber accept paths run on transport threads, so they never touch the
// live book: they read the copy-on-snapshot export the decode thread
// refreshes on its snapshot cadence.
func (e *Engine) SnapshotSource() bus.SnapshotFunc {
	return func(emit func(msgType uint16, instrument uint64, payload []byte)) {
		var start [obo.SnapshotStartSize]byte
		emit(obo.MsgSnapshotStart, 0, start[:])

		if exp := e.latestExport.Load(); exp != nil {
			for _, ie := range exp.Instruments {
				var hdr [obo.SnapshotHdrSize]byte
				obo.PutSnapshotHdr(hdr[:], obo.SnapshotHdr{
					LevelCount:  countLevels(ie.Orders),
					TotalOrders: uint32(len(ie.Orders)),
				})
				emit(obo.MsgSnapshotHdr, ie.Instrument, hdr[:])

				var p [obo.AddSize]byte
				for _, o := range ie.Orders {
					obo.PutAdd(p[:], obo.Add{
						OrderID: o.OrderID,
						PriceE8: o.Price,
						Qty:     uint64(o.Qty),
						Side:    uint8(o.Side),
					})
					emit(obo.MsgOboAdd, ie.Instrument, p[:])
				}
			}
		}

		var end [obo.SnapshotEndSize]byte
		emit(obo.MsgSnapshotEnd, 0, end[:])
	}
}

// countLevels tallies distinct (side, price) pairs in reconstruction order,
// where same-price runs are contiguous.
func countLevels(orders []book.OrderExport) uint32 {
	var n uint32
	for i := range orders {
		if i == 0 || orders[i].Price != orders[i-1].Price || orders[i].Side != orders[i-1].Side {
			n++
		}
	}
	return n
}
