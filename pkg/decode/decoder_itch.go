package decode

import "encoding/binary"

// Itch50Decoder parses a NASDAQ TotalView-ITCH 5.0 style payload:
// concatenated [len u16 BE][type u8][body] messages, big-endian integers,
// prices in 1/10000 units.
//
// Supported types, enough to drive a full order-by-order book:
//
//	'A' add, 'F' add with MPID (MPID ignored), 'E' executed, 'C' executed
//	with price, 'X' cancel (reduce), 'D' delete, 'U' replace, 'P' non-cross
//	trade, 'R' stock directory (symbol tracking only). Unknown types are
//	skipped.
//
// The decoder is stateful: it keeps an order map (order ref -> qty/price/
// side/instrument) so reductions emit absolute quantities, matching the
// book's Modify semantics. Instrument ids are the ITCH stock locate widened
// to u64. Single-writer: only the decode thread calls Decode.
type Itch50Decoder struct {
	orders  map[uint64]itchOrder
	symbols map[uint16][8]byte
}

type itchOrder struct {
	instr uint64
	qty   int64
	price int64
	side  Side
}

func NewItch50Decoder() *Itch50Decoder {
	return &Itch50Decoder{
		orders:  make(map[uint64]itchOrder, 1<<16),
		symbols: make(map[uint16][8]byte),
	}
}

func (d *Itch50Decoder) Decode(payload []byte, events []Event) []Event {
	off := 0
	for off+3 <= len(payload) {
		msgLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
		if msgLen < 1 {
			break
		}
		off += 2
		if off+msgLen > len(payload) {
			break // truncated tail
		}
		typ := payload[off]
		body := payload[off+1 : off+msgLen]
		off += msgLen

		switch typ {
		case 'A':
			events = d.onAdd(body, events, false)
		case 'F':
			events = d.onAdd(body, events, true)
		case 'E', 'C':
			events = d.onExec(body, events)
		case 'X':
			events = d.onCancel(body, events)
		case 'D':
			events = d.onDelete(body, events)
		case 'U':
			events = d.onReplace(body, events)
		case 'P':
			events = d.onTrade(body, events)
		case 'R':
			d.onStockDirectory(body)
		}
	}
	return events
}

// Live reports the number of tracked orders; used by tests.
func (d *Itch50Decoder) Live() int {
	return len(d.orders)
}

// locate(2) track(2) ts(6) prefix common to all order messages.
const itchPrefix = 2 + 2 + 6

func (d *Itch50Decoder) onAdd(body []byte, events []Event, withMPID bool) []Event {
	min := itchPrefix + 8 + 1 + 4 + 8 + 4
	if withMPID {
		min += 4
	}
	if len(body) < min {
		return events
	}
	locate := binary.BigEndian.Uint16(body[0:2])
	ref := binary.BigEndian.Uint64(body[itchPrefix : itchPrefix+8])
	side := Ask
	if body[itchPrefix+8] == 'B' {
		side = Bid
	}
	shares := int64(binary.BigEndian.Uint32(body[itchPrefix+9 : itchPrefix+13]))
	// 8-byte stock symbol skipped for book logic
	price := int64(binary.BigEndian.Uint32(body[itchPrefix+21 : itchPrefix+25]))

	instr := uint64(locate)
	d.orders[ref] = itchOrder{instr: instr, qty: shares, price: price, side: side}
	return append(events, Event{
		Kind:       KindAdd,
		OrderID:    ref,
		Instrument: instr,
		Side:       side,
		Price:      price,
		Qty:        shares,
	})
}

func (d *Itch50Decoder) onExec(body []byte, events []Event) []Event {
	if len(body) < itchPrefix+8+4+8 {
		return events
	}
	ref := binary.BigEndian.Uint64(body[itchPrefix : itchPrefix+8])
	executed := int64(binary.BigEndian.Uint32(body[itchPrefix+8 : itchPrefix+12]))

	st, ok := d.orders[ref]
	if !ok {
		// Unknown maker (late join); nothing to reduce.
		return events
	}
	events = d.reduce(ref, st, executed, events)
	return append(events, Event{
		Kind:         KindTrade,
		Instrument:   st.instr,
		Price:        st.price,
		Qty:          executed,
		MakerOrderID: ref,
		HasMaker:     true,
		TakerSide:    st.side.Opposite(),
		HasTakerSide: true,
	})
}

func (d *Itch50Decoder) onCancel(body []byte, events []Event) []Event {
	if len(body) < itchPrefix+8+4 {
		return events
	}
	ref := binary.BigEndian.Uint64(body[itchPrefix : itchPrefix+8])
	canceled := int64(binary.BigEndian.Uint32(body[itchPrefix+8 : itchPrefix+12]))
	st, ok := d.orders[ref]
	if !ok {
		return events
	}
	return d.reduce(ref, st, canceled, events)
}

// reduce emits an absolute-qty Modify, or a Cancel when the order is fully
// consumed, and updates tracker state.
func (d *Itch50Decoder) reduce(ref uint64, st itchOrder, by int64, events []Event) []Event {
	newQty := st.qty - by
	if newQty > 0 {
		st.qty = newQty
		d.orders[ref] = st
		return append(events, Event{Kind: KindModify, OrderID: ref, Qty: newQty})
	}
	delete(d.orders, ref)
	return append(events, Event{Kind: KindCancel, OrderID: ref})
}

func (d *Itch50Decoder) onDelete(body []byte, events []Event) []Event {
	if len(body) < itchPrefix+8 {
		return events
	}
	ref := binary.BigEndian.Uint64(body[itchPrefix : itchPrefix+8])
	if _, ok := d.orders[ref]; !ok {
		return events
	}
	delete(d.orders, ref)
	return append(events, Event{Kind: KindCancel, OrderID: ref})
}

func (d *Itch50Decoder) onReplace(body []byte, events []Event) []Event {
	if len(body) < itchPrefix+8+8+4+4 {
		return events
	}
	locate := binary.BigEndian.Uint16(body[0:2])
	origRef := binary.BigEndian.Uint64(body[itchPrefix : itchPrefix+8])
	newRef := binary.BigEndian.Uint64(body[itchPrefix+8 : itchPrefix+16])
	shares := int64(binary.BigEndian.Uint32(body[itchPrefix+16 : itchPrefix+20]))
	price := int64(binary.BigEndian.Uint32(body[itchPrefix+20 : itchPrefix+24]))

	instr := uint64(locate)
	side := Bid
	if st, ok := d.orders[origRef]; ok {
		side = st.side
		delete(d.orders, origRef)
	}
	d.orders[newRef] = itchOrder{instr: instr, qty: shares, price: price, side: side}
	return append(events, Event{
		Kind:       KindReplace,
		OrderID:    origRef,
		Instrument: instr,
		Side:       side,
		NewOrderID: newRef,
		NewPrice:   price,
		NewQty:     shares,
	})
}

func (d *Itch50Decoder) onTrade(body []byte, events []Event) []Event {
	if len(body) < itchPrefix+8+1+4+8+4+8 {
		return events
	}
	locate := binary.BigEndian.Uint16(body[0:2])
	ref := binary.BigEndian.Uint64(body[itchPrefix : itchPrefix+8])
	takerCh := body[itchPrefix+8]
	shares := int64(binary.BigEndian.Uint32(body[itchPrefix+9 : itchPrefix+13]))
	price := int64(binary.BigEndian.Uint32(body[itchPrefix+21 : itchPrefix+25]))

	st, tracked := d.orders[ref]
	if tracked {
		events = d.reduce(ref, st, shares, events)
		return append(events, Event{
			Kind:         KindTrade,
			Instrument:   st.instr,
			Price:        price,
			Qty:          shares,
			MakerOrderID: ref,
			HasMaker:     true,
			TakerSide:    st.side.Opposite(),
			HasTakerSide: true,
		})
	}
	// Unknown maker (late join): still emit trade analytics.
	taker := Ask
	if takerCh == 'B' {
		taker = Bid
	}
	return append(events, Event{
		Kind:         KindTrade,
		Instrument:   uint64(locate),
		Price:        price,
		Qty:          shares,
		MakerOrderID: ref,
		HasMaker:     true,
		TakerSide:    taker,
		HasTakerSide: true,
	})
}

func (d *Itch50Decoder) onStockDirectory(body []byte) {
	if len(body) < itchPrefix+8 {
		return
	}
	locate := binary.BigEndian.Uint16(body[0:2])
	var sym [8]byte
	copy(sym[:], body[itchPrefix:itchPrefix+8])
	d.symbols[locate] = sym
}
