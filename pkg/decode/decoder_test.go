package decode

import (
	"encoding/binary"
	"testing"
)

// --- fixed_binary ---

func sbeMsg(template uint16, body []byte) []byte {
	msg := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint16(msg[0:2], uint16(len(body)))
	binary.LittleEndian.PutUint16(msg[2:4], template)
	binary.LittleEndian.PutUint16(msg[4:6], 1)
	binary.LittleEndian.PutUint16(msg[6:8], 1)
	copy(msg[8:], body)
	return msg
}

func sbeAddBody(orderID uint64, instr uint32, side byte, px, qty int64) []byte {
	b := make([]byte, 29)
	binary.LittleEndian.PutUint64(b[0:8], orderID)
	binary.LittleEndian.PutUint32(b[8:12], instr)
	b[12] = side
	binary.LittleEndian.PutUint64(b[13:21], uint64(px))
	binary.LittleEndian.PutUint64(b[21:29], uint64(qty))
	return b
}

func TestFixedBinaryDecode(t *testing.T) {
	var payload []byte
	payload = append(payload, sbeMsg(1001, sbeAddBody(123, 42, 0, 1000, 10))...)

	modBody := make([]byte, 16)
	binary.LittleEndian.PutUint64(modBody[0:8], 123)
	binary.LittleEndian.PutUint64(modBody[8:16], 5)
	payload = append(payload, sbeMsg(1002, modBody)...)

	delBody := make([]byte, 8)
	binary.LittleEndian.PutUint64(delBody, 123)
	payload = append(payload, sbeMsg(1003, delBody)...)

	tradeBody := make([]byte, 29)
	binary.LittleEndian.PutUint32(tradeBody[0:4], 7)
	binary.LittleEndian.PutUint64(tradeBody[4:12], 111)
	binary.LittleEndian.PutUint64(tradeBody[12:20], 2)
	binary.LittleEndian.PutUint64(tradeBody[20:28], 123)
	tradeBody[28] = 1
	payload = append(payload, sbeMsg(1004, tradeBody)...)

	d := &FixedBinaryDecoder{}
	events := d.Decode(payload, nil)
	if len(events) != 4 {
		t.Fatalf("decoded %d events, want 4", len(events))
	}

	if e := events[0]; e.Kind != KindAdd || e.OrderID != 123 || e.Instrument != 42 ||
		e.Side != Bid || e.Price != 1000 || e.Qty != 10 {
		t.Errorf("add: %+v", e)
	}
	if e := events[1]; e.Kind != KindModify || e.OrderID != 123 || e.Qty != 5 {
		t.Errorf("modify: %+v", e)
	}
	if e := events[2]; e.Kind != KindCancel || e.OrderID != 123 {
		t.Errorf("cancel: %+v", e)
	}
	if e := events[3]; e.Kind != KindTrade || e.Instrument != 7 || e.Price != 111 ||
		e.Qty != 2 || !e.HasMaker || e.MakerOrderID != 123 || !e.HasTakerSide || e.TakerSide != Ask {
		t.Errorf("trade: %+v", e)
	}
}

func TestFixedBinaryTruncatedTail(t *testing.T) {
	payload := sbeMsg(1001, sbeAddBody(1, 1, 0, 10, 1))
	payload = append(payload, sbeMsg(1001, sbeAddBody(2, 1, 1, 20, 2))[:12]...)

	d := &FixedBinaryDecoder{}
	events := d.Decode(payload, nil)
	if len(events) != 1 {
		t.Fatalf("decoded %d events from truncated payload, want 1", len(events))
	}
}

func TestFixedBinaryGarbageDoesNotPanic(t *testing.T) {
	d := &FixedBinaryDecoder{}
	for size := 0; size < 64; size++ {
		garbage := make([]byte, size)
		for i := range garbage {
			garbage[i] = byte(i*7 + size)
		}
		_ = d.Decode(garbage, nil)
	}
}

// --- itch50 ---

func itchMsg(typ byte, body []byte) []byte {
	msg := make([]byte, 2+1+len(body))
	binary.BigEndian.PutUint16(msg[0:2], uint16(1+len(body)))
	msg[2] = typ
	copy(msg[3:], body)
	return msg
}

func itchAddBody(locate uint16, ref uint64, side byte, shares uint32, price uint32) []byte {
	b := make([]byte, 10+8+1+4+8+4)
	binary.BigEndian.PutUint16(b[0:2], locate)
	binary.BigEndian.PutUint64(b[10:18], ref)
	b[18] = side
	binary.BigEndian.PutUint32(b[19:23], shares)
	copy(b[23:31], "TESTSTK ")
	binary.BigEndian.PutUint32(b[31:35], price)
	return b
}

func TestItchAddExecDelete(t *testing.T) {
	d := NewItch50Decoder()

	events := d.Decode(itchMsg('A', itchAddBody(42, 1001, 'B', 100, 250000)), nil)
	if len(events) != 1 {
		t.Fatalf("add: %d events", len(events))
	}
	if e := events[0]; e.Kind != KindAdd || e.Instrument != 42 || e.Side != Bid ||
		e.Qty != 100 || e.Price != 250000 {
		t.Errorf("add: %+v", e)
	}

	// Partial execution: absolute remaining qty plus a trade record.
	exec := make([]byte, 10+8+4+8)
	binary.BigEndian.PutUint16(exec[0:2], 42)
	binary.BigEndian.PutUint64(exec[10:18], 1001)
	binary.BigEndian.PutUint32(exec[18:22], 40)
	events = d.Decode(itchMsg('E', exec), nil)
	if len(events) != 2 {
		t.Fatalf("exec: %d events, want 2", len(events))
	}
	if e := events[0]; e.Kind != KindModify || e.OrderID != 1001 || e.Qty != 60 {
		t.Errorf("exec modify: %+v", e)
	}
	if e := events[1]; e.Kind != KindTrade || e.Qty != 40 || !e.HasMaker || e.MakerOrderID != 1001 ||
		e.TakerSide != Ask {
		t.Errorf("exec trade: %+v", e)
	}

	// Executing the rest converts to a cancel.
	binary.BigEndian.PutUint32(exec[18:22], 60)
	events = d.Decode(itchMsg('E', exec), nil)
	if len(events) != 2 || events[0].Kind != KindCancel {
		t.Fatalf("final exec: %+v", events)
	}
	if d.Live() != 0 {
		t.Errorf("tracker still holds %d orders", d.Live())
	}

	// Unknown order afterwards: silence.
	if events = d.Decode(itchMsg('D', exec[:18]), nil); len(events) != 0 {
		t.Errorf("delete of unknown order produced %+v", events)
	}
}

func TestItchReplace(t *testing.T) {
	d := NewItch50Decoder()
	d.Decode(itchMsg('A', itchAddBody(42, 1001, 'S', 10, 999)), nil)

	rep := make([]byte, 10+8+8+4+4)
	binary.BigEndian.PutUint16(rep[0:2], 42)
	binary.BigEndian.PutUint64(rep[10:18], 1001)
	binary.BigEndian.PutUint64(rep[18:26], 2002)
	binary.BigEndian.PutUint32(rep[26:30], 25)
	binary.BigEndian.PutUint32(rep[30:34], 888)

	events := d.Decode(itchMsg('U', rep), nil)
	if len(events) != 1 {
		t.Fatalf("replace: %d events", len(events))
	}
	e := events[0]
	if e.Kind != KindReplace || e.OrderID != 1001 || e.NewOrderID != 2002 ||
		e.NewPrice != 888 || e.NewQty != 25 || e.Side != Ask {
		t.Errorf("replace: %+v", e)
	}
}

// --- fast_like ---

func putVarint(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			dst = append(dst, b|0x80)
		} else {
			return append(dst, b)
		}
	}
}

func zigzagEncode(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func fastMsg(pmap, template uint64, body []byte) []byte {
	var msg []byte
	msg = putVarint(msg, pmap)
	msg = putVarint(msg, template)
	msg = putVarint(msg, uint64(len(body)))
	return append(msg, body...)
}

func TestFastLikeDecode(t *testing.T) {
	var body []byte
	body = putVarint(body, 77)                       // order id
	body = putVarint(body, 42)                       // instrument
	body = append(body, 1)                           // ask
	body = putVarint(body, zigzagEncode(-1234))      // price
	body = putVarint(body, zigzagEncode(500))        // qty
	payload := fastMsg(0, fastTmplAdd, body)

	var trade []byte
	trade = putVarint(trade, 42)
	trade = putVarint(trade, zigzagEncode(1000))
	trade = putVarint(trade, zigzagEncode(5))
	trade = putVarint(trade, 77) // maker via pmap bit0
	trade = append(trade, 0)     // taker bid via pmap bit1
	payload = append(payload, fastMsg(0x3, fastTmplTrade, trade)...)

	d := &FastLikeDecoder{}
	events := d.Decode(payload, nil)
	if len(events) != 2 {
		t.Fatalf("decoded %d events, want 2", len(events))
	}
	if e := events[0]; e.Kind != KindAdd || e.OrderID != 77 || e.Instrument != 42 ||
		e.Side != Ask || e.Price != -1234 || e.Qty != 500 {
		t.Errorf("add: %+v", e)
	}
	if e := events[1]; e.Kind != KindTrade || e.Instrument != 42 || e.Price != 1000 ||
		e.Qty != 5 || !e.HasMaker || e.MakerOrderID != 77 || !e.HasTakerSide || e.TakerSide != Bid {
		t.Errorf("trade: %+v", e)
	}
}

func TestFastLikeOptionalFieldsAbsent(t *testing.T) {
	var trade []byte
	trade = putVarint(trade, 42)
	trade = putVarint(trade, zigzagEncode(1000))
	trade = putVarint(trade, zigzagEncode(5))

	d := &FastLikeDecoder{}
	events := d.Decode(fastMsg(0, fastTmplTrade, trade), nil)
	if len(events) != 1 {
		t.Fatalf("decoded %d events", len(events))
	}
	if e := events[0]; e.HasMaker || e.HasTakerSide {
		t.Errorf("optional fields set without pmap bits: %+v", e)
	}
}

// --- sequence extraction ---

func TestExtractSeqWidths(t *testing.T) {
	pkt := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	cases := []struct {
		cfg  SeqConfig
		want uint64
	}{
		{SeqConfig{Offset: 0, Length: 1, Endian: BigEndian}, 0x01},
		{SeqConfig{Offset: 1, Length: 2, Endian: BigEndian}, 0x0203},
		{SeqConfig{Offset: 1, Length: 2, Endian: LittleEndian}, 0x0302},
		{SeqConfig{Offset: 0, Length: 4, Endian: BigEndian}, 0x01020304},
		{SeqConfig{Offset: 0, Length: 8, Endian: LittleEndian}, 0x0807060504030201},
	}
	for _, tc := range cases {
		got, ok := tc.cfg.ExtractSeq(pkt)
		if !ok || got != tc.want {
			t.Errorf("cfg %+v: got (%#x,%v), want %#x", tc.cfg, got, ok, tc.want)
		}
	}

	if _, ok := (SeqConfig{Offset: 6, Length: 4}).ExtractSeq(pkt); ok {
		t.Error("extraction beyond packet end succeeded")
	}
	if err := (SeqConfig{Length: 3}).Validate(); err == nil {
		t.Error("length 3 accepted")
	}
}
