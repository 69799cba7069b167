package book

import (
	"sort"

	"github.com/Numi2/Numi-orderbook/pkg/decode"
)

// OrderExport is one live order in reconstruction form.
type OrderExport struct {
	OrderID    uint64
	Side       decode.Side
	Price      int64
	Qty        int64
	ArrivalSeq uint64
}

// InstrumentExport carries one instrument's live orders in an order that
// reconstructs the book exactly: bids best to worst then asks best to worst,
// FIFO within each level.
type InstrumentExport struct {
	Instrument     uint64
	NextArrivalSeq uint64
	Orders         []OrderExport
}

// Export is a coarse-grained copy of the whole book; built off the hot path.
type Export struct {
	Version     uint32
	Instruments []InstrumentExport
}

// SnapshotIter walks one instrument's live orders in reconstruction order.
// The traversal is finite and non-restartable; visit must not mutate the
// book.
func (b *InstrumentBook) SnapshotIter(visit func(o OrderExport)) {
	b.bids.Reverse(func(price int64, lvl *level) bool {
		for h := lvl.head; h != noHandle; h = b.orders[h].next {
			n := b.orders[h]
			visit(OrderExport{OrderID: n.orderID, Side: decode.Bid, Price: price, Qty: n.qty, ArrivalSeq: n.arrivalSeq})
		}
		return true
	})
	b.asks.Scan(func(price int64, lvl *level) bool {
		for h := lvl.head; h != noHandle; h = b.orders[h].next {
			n := b.orders[h]
			visit(OrderExport{OrderID: n.orderID, Side: decode.Ask, Price: price, Qty: n.qty, ArrivalSeq: n.arrivalSeq})
		}
		return true
	})
}

// ExportAll copies every instrument's state, instruments sorted by id so the
// output is deterministic.
func (bk *Book) ExportAll() Export {
	ids := make([]uint64, 0, len(bk.books))
	for id := range bk.books {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	exp := Export{Version: 1, Instruments: make([]InstrumentExport, 0, len(ids))}
	for _, id := range ids {
		b := bk.books[id]
		ie := InstrumentExport{
			Instrument:     id,
			NextArrivalSeq: b.nextArrivalSeq,
			Orders:         make([]OrderExport, 0, b.live),
		}
		b.SnapshotIter(func(o OrderExport) {
			ie.Orders = append(ie.Orders, o)
		})
		exp.Instruments = append(exp.Instruments, ie)
	}
	return exp
}

// FromExport rebuilds a book from a snapshot. Orders are re-added in
// reconstruction order and re-stamped with their original arrival sequences,
// so FIFO position and the per-instrument counter survive the round trip.
func FromExport(exp Export, opts Options) *Book {
	bk := New(opts)
	for _, ie := range exp.Instruments {
		b := bk.instrument(ie.Instrument)
		for _, o := range ie.Orders {
			h := b.add(o.OrderID, o.Price, o.Qty, o.Side)
			b.orders[h].arrivalSeq = o.ArrivalSeq
			bk.index[o.OrderID] = orderRef{instr: ie.Instrument, h: h}
		}
		// add() advanced the counter; restore the feed's high-water mark.
		if ie.NextArrivalSeq > b.nextArrivalSeq {
			b.nextArrivalSeq = ie.NextArrivalSeq
		}
		bk.touch(ie.Instrument)
	}
	return bk
}
