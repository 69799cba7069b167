// Package book maintains full-depth per-instrument price-time order books.
// Orders live in a per-instrument slab addressed by integer handles; price
// levels hold FIFO lists of handles and sit in an ordered map per side, so
// no cyclic ownership exists anywhere. Best bid/ask are cached for O(1)
// reads and repaired on the mutation that invalidates them.
//
// The book has a single writer (the decode thread) and holds no locks.
// Exports are copied on that thread (ExportAll); other threads read the
// copy, never the live book.
package book

import (
	"fmt"

	"github.com/tidwall/btree"

	"github.com/Numi2/Numi-orderbook/pkg/decode"
)

const noHandle = int32(-1)

// ApplyResult classifies the outcome of applying one event.
type ApplyResult uint8

const (
	Applied ApplyResult = iota
	// DuplicateOrder: an Add carried an order id that is already live.
	DuplicateOrder
	// UnknownOrder: a Modify/Cancel referenced an id the book never saw or
	// already removed.
	UnknownOrder
	// StaleTrade: a Trade referenced a maker already fully consumed. Counted,
	// never fatal.
	StaleTrade
	// Ignored: the event kind has no book effect (heartbeats, markers, or
	// trades when consume_trades is off).
	Ignored
)

type orderNode struct {
	orderID    uint64
	price      int64
	qty        int64
	arrivalSeq uint64
	side       decode.Side
	prev, next int32
}

type level struct {
	price      int64
	totalQty   int64
	count      int
	head, tail int32
}

// Quote is one side of the BBO.
type Quote struct {
	Price int64
	Qty   int64
	Ok    bool
}

type orderRef struct {
	instr uint64
	h     int32
}

// InstrumentBook is the per-instrument state: the order slab, one ordered
// level map per side and the cached best quotes.
type InstrumentBook struct {
	orders   []orderNode
	freeHead int32
	live     int

	bids *btree.Map[int64, *level]
	asks *btree.Map[int64, *level]

	bestBid Quote
	bestAsk Quote

	nextArrivalSeq uint64
}

func newInstrumentBook(slabCap int) *InstrumentBook {
	return &InstrumentBook{
		orders:         make([]orderNode, 0, slabCap),
		freeHead:       noHandle,
		bids:           new(btree.Map[int64, *level]),
		asks:           new(btree.Map[int64, *level]),
		nextArrivalSeq: 1,
	}
}

func (b *InstrumentBook) levels(side decode.Side) *btree.Map[int64, *level] {
	if side == decode.Bid {
		return b.bids
	}
	return b.asks
}

// alloc takes a slot from the free list or grows the slab. The slab never
// shrinks during a session.
func (b *InstrumentBook) alloc(n orderNode) int32 {
	if h := b.freeHead; h != noHandle {
		b.freeHead = b.orders[h].next
		b.orders[h] = n
		return h
	}
	b.orders = append(b.orders, n)
	return int32(len(b.orders) - 1)
}

func (b *InstrumentBook) freeSlot(h int32) {
	b.orders[h] = orderNode{next: b.freeHead}
	b.freeHead = h
}

// add appends the order at its level's FIFO tail and returns the handle.
func (b *InstrumentBook) add(orderID uint64, price, qty int64, side decode.Side) int32 {
	seq := b.nextArrivalSeq
	b.nextArrivalSeq++
	h := b.alloc(orderNode{
		orderID:    orderID,
		price:      price,
		qty:        qty,
		arrivalSeq: seq,
		side:       side,
		prev:       noHandle,
		next:       noHandle,
	})
	b.live++

	lvls := b.levels(side)
	lvl, ok := lvls.Get(price)
	if !ok {
		lvl = &level{price: price, head: noHandle, tail: noHandle}
		lvls.Set(price, lvl)
	}
	if lvl.tail != noHandle {
		b.orders[lvl.tail].next = h
		b.orders[h].prev = lvl.tail
	} else {
		lvl.head = h
	}
	lvl.tail = h
	lvl.count++
	lvl.totalQty += qty

	b.maybeImproveBest(side, price, lvl.totalQty)
	return h
}

// maybeImproveBest refreshes the cached quote when price is at least as good
// as the current best on that side.
func (b *InstrumentBook) maybeImproveBest(side decode.Side, price, levelQty int64) {
	if side == decode.Bid {
		if !b.bestBid.Ok || price > b.bestBid.Price {
			b.bestBid = Quote{Price: price, Qty: levelQty, Ok: true}
		} else if price == b.bestBid.Price {
			b.bestBid.Qty = levelQty
		}
		return
	}
	if !b.bestAsk.Ok || price < b.bestAsk.Price {
		b.bestAsk = Quote{Price: price, Qty: levelQty, Ok: true}
	} else if price == b.bestAsk.Price {
		b.bestAsk.Qty = levelQty
	}
}

// setQty adjusts an order's remaining quantity in place, keeping FIFO
// position.
func (b *InstrumentBook) setQty(h int32, newQty int64) {
	n := &b.orders[h]
	delta := newQty - n.qty
	n.qty = newQty
	if lvl, ok := b.levels(n.side).Get(n.price); ok {
		lvl.totalQty += delta
		b.refreshBestQty(n.side, n.price, lvl.totalQty)
	}
}

func (b *InstrumentBook) refreshBestQty(side decode.Side, price, levelQty int64) {
	if side == decode.Bid {
		if b.bestBid.Ok && b.bestBid.Price == price {
			b.bestBid.Qty = levelQty
		}
		return
	}
	if b.bestAsk.Ok && b.bestAsk.Price == price {
		b.bestAsk.Qty = levelQty
	}
}

// cancel unlinks the order from its level FIFO, removes the level when it
// empties, and repairs the cached best if the removed level was it. The FIFO
// unlink completes before the level-removal step so no aliasing occurs.
func (b *InstrumentBook) cancel(h int32) {
	n := b.orders[h]
	if p := n.prev; p != noHandle {
		b.orders[p].next = n.next
	}
	if nx := n.next; nx != noHandle {
		b.orders[nx].prev = n.prev
	}

	lvls := b.levels(n.side)
	if lvl, ok := lvls.Get(n.price); ok {
		if lvl.head == h {
			lvl.head = n.next
		}
		if lvl.tail == h {
			lvl.tail = n.prev
		}
		lvl.count--
		lvl.totalQty -= n.qty
		if lvl.count == 0 {
			lvls.Delete(n.price)
			b.repairBestAfterLevelRemoval(n.side, n.price)
		} else {
			b.refreshBestQty(n.side, n.price, lvl.totalQty)
		}
	}

	b.freeSlot(h)
	b.live--
}

func (b *InstrumentBook) repairBestAfterLevelRemoval(side decode.Side, removed int64) {
	if side == decode.Bid {
		if b.bestBid.Ok && b.bestBid.Price == removed {
			if p, lvl, ok := b.bids.Max(); ok {
				b.bestBid = Quote{Price: p, Qty: lvl.totalQty, Ok: true}
			} else {
				b.bestBid = Quote{}
			}
		}
		return
	}
	if b.bestAsk.Ok && b.bestAsk.Price == removed {
		if p, lvl, ok := b.asks.Min(); ok {
			b.bestAsk = Quote{Price: p, Qty: lvl.totalQty, Ok: true}
		} else {
			b.bestAsk = Quote{}
		}
	}
}

// BBO returns the cached best bid and ask.
func (b *InstrumentBook) BBO() (bid, ask Quote) {
	return b.bestBid, b.bestAsk
}

// Live returns the number of resting orders.
func (b *InstrumentBook) Live() int {
	return b.live
}

// TopN returns up to n levels per side, best first, as price/aggregate-qty
// quotes. Reporting only; not on the hot path.
func (b *InstrumentBook) TopN(n int) (bids, asks []Quote) {
	b.bids.Reverse(func(price int64, lvl *level) bool {
		bids = append(bids, Quote{Price: price, Qty: lvl.totalQty, Ok: true})
		return len(bids) < n
	})
	b.asks.Scan(func(price int64, lvl *level) bool {
		asks = append(asks, Quote{Price: price, Qty: lvl.totalQty, Ok: true})
		return len(asks) < n
	})
	return bids, asks
}

// Levels returns the occupied level count per side.
func (b *InstrumentBook) Levels() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}

// Options configure venue-dependent behavior.
type Options struct {
	// ConsumeTrades reduces the maker on Trade events even without an
	// explicit Modify/Cancel follow-up.
	ConsumeTrades bool

	// ModifyUpLosesPriority moves a quantity-increased order to the tail of
	// its level, per venues that treat size-up as a new order.
	ModifyUpLosesPriority bool

	// SlabCapacity pre-sizes each instrument's order slab.
	SlabCapacity int
}

// Book is the multi-instrument order book with the flat order-id index used
// to resolve instruments on id-only events.
type Book struct {
	opts  Options
	books map[uint64]*InstrumentBook
	index map[uint64]orderRef

	// One-entry book cache: decoded events arrive in contiguous
	// same-instrument runs, so most lookups hit here instead of the map.
	lastInstr uint64
	lastBook  *InstrumentBook
	hasLast   bool
}

// New creates an empty book.
func New(opts Options) *Book {
	if opts.SlabCapacity <= 0 {
		opts.SlabCapacity = 1 << 16
	}
	return &Book{
		opts:  opts,
		books: make(map[uint64]*InstrumentBook),
		index: make(map[uint64]orderRef),
	}
}

func (bk *Book) instrument(instr uint64) *InstrumentBook {
	if bk.hasLast && instr == bk.lastInstr && bk.lastBook != nil {
		return bk.lastBook
	}
	b, ok := bk.books[instr]
	if !ok {
		b = newInstrumentBook(bk.opts.SlabCapacity)
		bk.books[instr] = b
	}
	bk.lastInstr = instr
	bk.lastBook = b
	bk.hasLast = true
	return b
}

// Instrument returns the per-instrument book, or nil when the instrument has
// never traded.
func (bk *Book) Instrument(instr uint64) *InstrumentBook {
	return bk.books[instr]
}

// InstrumentForOrder resolves the instrument currently holding an order id.
func (bk *Book) InstrumentForOrder(orderID uint64) (uint64, bool) {
	ref, ok := bk.index[orderID]
	return ref.instr, ok
}

// LiveOrders returns the total resting order count across instruments.
func (bk *Book) LiveOrders() int {
	return len(bk.index)
}

// LastInstrument reports the most recently touched instrument.
func (bk *Book) LastInstrument() (uint64, bool) {
	return bk.lastInstr, bk.hasLast
}

// BBO returns the best bid and ask of the most recently touched instrument.
func (bk *Book) BBO() (bid, ask Quote) {
	if !bk.hasLast {
		return Quote{}, Quote{}
	}
	if b, ok := bk.books[bk.lastInstr]; ok {
		return b.BBO()
	}
	return Quote{}, Quote{}
}

// BBOOf returns the best bid and ask of one instrument.
func (bk *Book) BBOOf(instr uint64) (bid, ask Quote) {
	if b, ok := bk.books[instr]; ok {
		return b.BBO()
	}
	return Quote{}, Quote{}
}

// Apply routes one event to its instrument book.
func (bk *Book) Apply(ev *decode.Event) ApplyResult {
	switch ev.Kind {
	case decode.KindAdd:
		return bk.applyAdd(ev)
	case decode.KindModify:
		return bk.applyModify(ev)
	case decode.KindCancel:
		return bk.applyCancel(ev)
	case decode.KindReplace:
		return bk.applyReplace(ev)
	case decode.KindTrade:
		return bk.applyTrade(ev)
	}
	return Ignored
}

// ApplyMany applies a batch in order. Events for the same instrument arrive
// in contiguous runs from the decoder, so the per-instrument book stays hot
// across consecutive events.
func (bk *Book) ApplyMany(events []decode.Event, each func(ev *decode.Event, res ApplyResult)) {
	for i := range events {
		res := bk.Apply(&events[i])
		if each != nil {
			each(&events[i], res)
		}
	}
}

func (bk *Book) applyAdd(ev *decode.Event) ApplyResult {
	if _, exists := bk.index[ev.OrderID]; exists {
		return DuplicateOrder
	}
	b := bk.instrument(ev.Instrument)
	h := b.add(ev.OrderID, ev.Price, ev.Qty, ev.Side)
	bk.index[ev.OrderID] = orderRef{instr: ev.Instrument, h: h}
	bk.touch(ev.Instrument)
	return Applied
}

func (bk *Book) applyModify(ev *decode.Event) ApplyResult {
	ref, ok := bk.index[ev.OrderID]
	if !ok {
		return UnknownOrder
	}
	b := bk.books[ref.instr]
	bk.touch(ref.instr)

	if ev.Qty <= 0 {
		b.cancel(ref.h)
		delete(bk.index, ev.OrderID)
		return Applied
	}

	n := &b.orders[ref.h]
	priceChanged := ev.HasNewPrice && ev.NewPrice != n.price
	qtyUp := ev.Qty > n.qty

	if priceChanged || (qtyUp && bk.opts.ModifyUpLosesPriority) {
		// Reprice and venue-dependent size-up both lose time priority:
		// modeled as cancel plus re-add at the tail.
		side := n.side
		price := n.price
		if priceChanged {
			price = ev.NewPrice
		}
		b.cancel(ref.h)
		h := b.add(ev.OrderID, price, ev.Qty, side)
		bk.index[ev.OrderID] = orderRef{instr: ref.instr, h: h}
		return Applied
	}

	b.setQty(ref.h, ev.Qty)
	return Applied
}

func (bk *Book) applyCancel(ev *decode.Event) ApplyResult {
	ref, ok := bk.index[ev.OrderID]
	if !ok {
		return UnknownOrder
	}
	b := bk.books[ref.instr]
	b.cancel(ref.h)
	delete(bk.index, ev.OrderID)
	bk.touch(ref.instr)
	return Applied
}

func (bk *Book) applyReplace(ev *decode.Event) ApplyResult {
	res := Applied
	if ref, ok := bk.index[ev.OrderID]; ok {
		b := bk.books[ref.instr]
		b.cancel(ref.h)
		delete(bk.index, ev.OrderID)
		bk.touch(ref.instr)
	} else {
		res = UnknownOrder
	}
	if _, exists := bk.index[ev.NewOrderID]; exists {
		return DuplicateOrder
	}
	b := bk.instrument(ev.Instrument)
	h := b.add(ev.NewOrderID, ev.NewPrice, ev.NewQty, ev.Side)
	bk.index[ev.NewOrderID] = orderRef{instr: ev.Instrument, h: h}
	bk.touch(ev.Instrument)
	return res
}

func (bk *Book) applyTrade(ev *decode.Event) ApplyResult {
	bk.touch(ev.Instrument)
	if !bk.opts.ConsumeTrades {
		return Ignored
	}
	if !ev.HasMaker {
		return Ignored
	}
	ref, ok := bk.index[ev.MakerOrderID]
	if !ok {
		// Maker already consumed by a prior cancel: quiet no-op, counted by
		// the caller.
		return StaleTrade
	}
	b := bk.books[ref.instr]
	newQty := b.orders[ref.h].qty - ev.Qty
	if newQty > 0 {
		b.setQty(ref.h, newQty)
	} else {
		b.cancel(ref.h)
		delete(bk.index, ev.MakerOrderID)
	}
	return Applied
}

func (bk *Book) touch(instr uint64) {
	if bk.hasLast && instr == bk.lastInstr {
		return
	}
	bk.lastInstr = instr
	bk.lastBook = bk.books[instr]
	bk.hasLast = true
}

// ApplyManyForInstr applies a contiguous run of events known to target one
// instrument, holding the hot book across the whole run.
func (bk *Book) ApplyManyForInstr(instr uint64, events []decode.Event, each func(ev *decode.Event, res ApplyResult)) {
	bk.instrument(instr)
	for i := range events {
		res := bk.Apply(&events[i])
		if each != nil {
			each(&events[i], res)
		}
	}
}

// CheckInvariants walks one instrument and verifies level aggregates, FIFO
// link integrity and the cached best quotes. Used by tests and debug builds;
// a failure here is book corruption and the process should abort.
func (bk *Book) CheckInvariants(instr uint64) error {
	b, ok := bk.books[instr]
	if !ok {
		return nil
	}
	check := func(side decode.Side, m *btree.Map[int64, *level]) error {
		var err error
		m.Scan(func(price int64, lvl *level) bool {
			if lvl.count == 0 {
				err = fmt.Errorf("book: instr %d empty level at %d", instr, price)
				return false
			}
			var sum int64
			n := 0
			prev := noHandle
			for h := lvl.head; h != noHandle; h = b.orders[h].next {
				node := b.orders[h]
				if node.price != price || node.side != side {
					err = fmt.Errorf("book: instr %d handle %d on wrong level", instr, h)
					return false
				}
				if node.prev != prev {
					err = fmt.Errorf("book: instr %d broken FIFO back-link at %d", instr, h)
					return false
				}
				sum += node.qty
				prev = h
				n++
			}
			if prev != lvl.tail {
				err = fmt.Errorf("book: instr %d tail mismatch at price %d", instr, price)
				return false
			}
			if sum != lvl.totalQty || n != lvl.count {
				err = fmt.Errorf("book: instr %d aggregate mismatch at price %d: qty %d != %d or count %d != %d",
					instr, price, sum, lvl.totalQty, n, lvl.count)
				return false
			}
			return true
		})
		return err
	}
	if err := check(decode.Bid, b.bids); err != nil {
		return err
	}
	if err := check(decode.Ask, b.asks); err != nil {
		return err
	}
	if p, lvl, ok := b.bids.Max(); ok {
		if !b.bestBid.Ok || b.bestBid.Price != p || b.bestBid.Qty != lvl.totalQty {
			return fmt.Errorf("book: instr %d stale best bid cache", instr)
		}
	} else if b.bestBid.Ok {
		return fmt.Errorf("book: instr %d best bid cached for empty side", instr)
	}
	if p, lvl, ok := b.asks.Min(); ok {
		if !b.bestAsk.Ok || b.bestAsk.Price != p || b.bestAsk.Qty != lvl.totalQty {
			return fmt.Errorf("book: instr %d stale best ask cache", instr)
		}
	} else if b.bestAsk.Ok {
		return fmt.Errorf("book: instr %d best ask cached for empty side", instr)
	}
	return nil
}
