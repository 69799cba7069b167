package decode

// FastLikeDecoder parses a FAST/EMDI-like compact framing. Each message is
// [pmap varint][template_id varint][body_len varint][body]; integers use
// 7-bit little-endian varints with an MSB continuation bit, signed values
// are zigzag-encoded.
//
// Templates:
//
//	1 Add    order_id, instr, side u8 raw, price zigzag, qty zigzag
//	2 Mod    order_id, qty zigzag (absolute)
//	3 Del    order_id
//	4 Trade  instr, price zigzag, qty zigzag, maker (pmap bit0),
//	         taker_side u8 raw (pmap bit1)
type FastLikeDecoder struct{}

const (
	fastTmplAdd   = 1
	fastTmplMod   = 2
	fastTmplDel   = 3
	fastTmplTrade = 4
)

func (d *FastLikeDecoder) Decode(payload []byte, events []Event) []Event {
	off := 0
	for off < len(payload) {
		pmap, n := readVarint(payload, off)
		if n == 0 {
			break
		}
		off += n
		tmpl, n2 := readVarint(payload, off)
		if n2 == 0 {
			break
		}
		off += n2
		bodyLen, n3 := readVarint(payload, off)
		if n3 == 0 {
			break
		}
		off += n3
		if off+int(bodyLen) > len(payload) {
			break
		}
		body := payload[off : off+int(bodyLen)]
		off += int(bodyLen)

		switch tmpl {
		case fastTmplAdd:
			events = fastAdd(body, events)
		case fastTmplMod:
			events = fastMod(body, events)
		case fastTmplDel:
			events = fastDel(body, events)
		case fastTmplTrade:
			events = fastTrade(body, events, pmap)
		}
	}
	return events
}

// readVarint decodes a 7-bit-per-byte little-endian varint; the MSB marks
// continuation. Returns consumed byte count, zero at end of input.
func readVarint(b []byte, off int) (uint64, int) {
	var v uint64
	var shift uint
	consumed := 0
	for off < len(b) {
		c := b[off]
		off++
		consumed++
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, consumed
		}
		shift += 7
		if shift > 63 {
			break
		}
	}
	return v, 0
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

func fastAdd(body []byte, events []Event) []Event {
	o := 0
	orderID, n := readVarint(body, o)
	if n == 0 {
		return events
	}
	o += n
	instr, n := readVarint(body, o)
	if n == 0 {
		return events
	}
	o += n
	if o >= len(body) {
		return events
	}
	side := Bid
	if body[o] != 0 {
		side = Ask
	}
	o++
	pu, n := readVarint(body, o)
	if n == 0 {
		return events
	}
	o += n
	qu, n := readVarint(body, o)
	if n == 0 {
		return events
	}
	return append(events, Event{
		Kind:       KindAdd,
		OrderID:    orderID,
		Instrument: instr,
		Side:       side,
		Price:      zigzagDecode(pu),
		Qty:        zigzagDecode(qu),
	})
}

func fastMod(body []byte, events []Event) []Event {
	o := 0
	orderID, n := readVarint(body, o)
	if n == 0 {
		return events
	}
	o += n
	qu, n := readVarint(body, o)
	if n == 0 {
		return events
	}
	return append(events, Event{Kind: KindModify, OrderID: orderID, Qty: zigzagDecode(qu)})
}

func fastDel(body []byte, events []Event) []Event {
	orderID, n := readVarint(body, 0)
	if n == 0 {
		return events
	}
	return append(events, Event{Kind: KindCancel, OrderID: orderID})
}

func fastTrade(body []byte, events []Event, pmap uint64) []Event {
	o := 0
	instr, n := readVarint(body, o)
	if n == 0 {
		return events
	}
	o += n
	pu, n := readVarint(body, o)
	if n == 0 {
		return events
	}
	o += n
	qu, n := readVarint(body, o)
	if n == 0 {
		return events
	}
	o += n
	ev := Event{
		Kind:       KindTrade,
		Instrument: instr,
		Price:      zigzagDecode(pu),
		Qty:        zigzagDecode(qu),
	}
	if pmap&0x1 != 0 {
		maker, n4 := readVarint(body, o)
		if n4 == 0 {
			return events
		}
		o += n4
		ev.MakerOrderID = maker
		ev.HasMaker = true
	}
	if pmap&0x2 != 0 && o < len(body) {
		ev.HasTakerSide = true
		if body[o] != 0 {
			ev.TakerSide = Ask
		} else {
			ev.TakerSide = Bid
		}
	}
	return append(events, ev)
}
