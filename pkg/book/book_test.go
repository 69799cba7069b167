package book

import (
	"testing"

	"github.com/Numi2/Numi-orderbook/pkg/decode"
)

func add(id, instr uint64, side decode.Side, px, qty int64) *decode.Event {
	return &decode.Event{Kind: decode.KindAdd, OrderID: id, Instrument: instr, Side: side, Price: px, Qty: qty}
}

func TestAddAndBBO(t *testing.T) {
	bk := New(Options{})

	if res := bk.Apply(add(1, 7, decode.Bid, 100, 5)); res != Applied {
		t.Fatalf("add: got %v", res)
	}
	bk.Apply(add(2, 7, decode.Bid, 99, 7))
	bk.Apply(add(3, 7, decode.Ask, 101, 3))

	bid, ask := bk.BBOOf(7)
	if !bid.Ok || bid.Price != 100 || bid.Qty != 5 {
		t.Errorf("best bid: got %+v, want 100/5", bid)
	}
	if !ask.Ok || ask.Price != 101 || ask.Qty != 3 {
		t.Errorf("best ask: got %+v, want 101/3", ask)
	}
	if n := bk.LiveOrders(); n != 3 {
		t.Errorf("live orders: got %d, want 3", n)
	}
	if err := bk.CheckInvariants(7); err != nil {
		t.Fatal(err)
	}
}

func TestCancelOfBestRepairsCache(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Bid, 100, 5))
	bk.Apply(add(2, 7, decode.Bid, 99, 7))

	res := bk.Apply(&decode.Event{Kind: decode.KindCancel, OrderID: 1})
	if res != Applied {
		t.Fatalf("cancel: got %v", res)
	}

	bid, _ := bk.BBOOf(7)
	if !bid.Ok || bid.Price != 99 || bid.Qty != 7 {
		t.Errorf("best bid after cancel: got %+v, want 99/7", bid)
	}
	if n := bk.LiveOrders(); n != 1 {
		t.Errorf("live orders: got %d, want 1", n)
	}
	ib := bk.Instrument(7)
	if bids, _ := ib.Levels(); bids != 1 {
		t.Errorf("bid levels: got %d, want 1 (level 100 removed)", bids)
	}
	if err := bk.CheckInvariants(7); err != nil {
		t.Fatal(err)
	}
}

func TestDuplicateAndUnknown(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Bid, 100, 5))

	if res := bk.Apply(add(1, 7, decode.Bid, 101, 5)); res != DuplicateOrder {
		t.Errorf("duplicate add: got %v", res)
	}
	if res := bk.Apply(&decode.Event{Kind: decode.KindCancel, OrderID: 42}); res != UnknownOrder {
		t.Errorf("unknown cancel: got %v", res)
	}
	if res := bk.Apply(&decode.Event{Kind: decode.KindModify, OrderID: 42, Qty: 1}); res != UnknownOrder {
		t.Errorf("unknown modify: got %v", res)
	}
	// The failed duplicate must not have disturbed state.
	bid, _ := bk.BBOOf(7)
	if bid.Price != 100 {
		t.Errorf("best bid: got %d, want 100", bid.Price)
	}
	if err := bk.CheckInvariants(7); err != nil {
		t.Fatal(err)
	}
}

func TestModifyQtyDownKeepsPriority(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Bid, 100, 10))
	bk.Apply(add(2, 7, decode.Bid, 100, 20))

	bk.Apply(&decode.Event{Kind: decode.KindModify, OrderID: 1, Qty: 5})

	var order []uint64
	bk.Instrument(7).SnapshotIter(func(o OrderExport) {
		order = append(order, o.OrderID)
	})
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("FIFO after qty-down: got %v, want [1 2]", order)
	}
	bid, _ := bk.BBOOf(7)
	if bid.Qty != 25 {
		t.Errorf("aggregate after qty-down: got %d, want 25", bid.Qty)
	}
}

func TestModifyQtyUpLosesPriorityWhenConfigured(t *testing.T) {
	bk := New(Options{ModifyUpLosesPriority: true})
	bk.Apply(add(1, 7, decode.Bid, 100, 10))
	bk.Apply(add(2, 7, decode.Bid, 100, 20))

	bk.Apply(&decode.Event{Kind: decode.KindModify, OrderID: 1, Qty: 15})

	var order []uint64
	bk.Instrument(7).SnapshotIter(func(o OrderExport) {
		order = append(order, o.OrderID)
	})
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("FIFO after qty-up: got %v, want [2 1]", order)
	}
	if err := bk.CheckInvariants(7); err != nil {
		t.Fatal(err)
	}
}

func TestModifyPriceChangeIsCancelAdd(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Bid, 100, 10))
	bk.Apply(add(2, 7, decode.Bid, 101, 20))

	bk.Apply(&decode.Event{Kind: decode.KindModify, OrderID: 1, Qty: 10, NewPrice: 101, HasNewPrice: true})

	var order []uint64
	bk.Instrument(7).SnapshotIter(func(o OrderExport) {
		order = append(order, o.OrderID)
	})
	// Order 1 moved to 101 behind the resident order 2.
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("FIFO after reprice: got %v, want [2 1]", order)
	}
	bid, _ := bk.BBOOf(7)
	if bid.Price != 101 || bid.Qty != 30 {
		t.Errorf("best bid after reprice: got %+v, want 101/30", bid)
	}
	if err := bk.CheckInvariants(7); err != nil {
		t.Fatal(err)
	}
}

func TestModifyToZeroRemoves(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Ask, 100, 10))
	bk.Apply(&decode.Event{Kind: decode.KindModify, OrderID: 1, Qty: 0})
	if n := bk.LiveOrders(); n != 0 {
		t.Errorf("live orders: got %d, want 0", n)
	}
	_, ask := bk.BBOOf(7)
	if ask.Ok {
		t.Errorf("ask side should be empty, got %+v", ask)
	}
}

func TestTradeConsumesWhenConfigured(t *testing.T) {
	bk := New(Options{ConsumeTrades: true})
	bk.Apply(add(1, 7, decode.Ask, 100, 10))

	res := bk.Apply(&decode.Event{Kind: decode.KindTrade, Instrument: 7, Price: 100, Qty: 4, MakerOrderID: 1, HasMaker: true})
	if res != Applied {
		t.Fatalf("trade: got %v", res)
	}
	_, ask := bk.BBOOf(7)
	if ask.Qty != 6 {
		t.Errorf("qty after partial execution: got %d, want 6", ask.Qty)
	}

	bk.Apply(&decode.Event{Kind: decode.KindTrade, Instrument: 7, Price: 100, Qty: 6, MakerOrderID: 1, HasMaker: true})
	if n := bk.LiveOrders(); n != 0 {
		t.Errorf("live orders after full execution: got %d, want 0", n)
	}

	// Maker is gone; a further trade is a stale no-op.
	res = bk.Apply(&decode.Event{Kind: decode.KindTrade, Instrument: 7, Price: 100, Qty: 1, MakerOrderID: 1, HasMaker: true})
	if res != StaleTrade {
		t.Errorf("stale trade: got %v", res)
	}
}

func TestTradeIgnoredByDefault(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Ask, 100, 10))
	res := bk.Apply(&decode.Event{Kind: decode.KindTrade, Instrument: 7, Price: 100, Qty: 4, MakerOrderID: 1, HasMaker: true})
	if res != Ignored {
		t.Errorf("trade with consume_trades off: got %v", res)
	}
	_, ask := bk.BBOOf(7)
	if ask.Qty != 10 {
		t.Errorf("book must be untouched, got qty %d", ask.Qty)
	}
}

func TestReplaceKeepsSideLosesPriority(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Bid, 100, 10))
	bk.Apply(add(2, 7, decode.Bid, 100, 20))

	bk.Apply(&decode.Event{
		Kind: decode.KindReplace, OrderID: 1, Instrument: 7, Side: decode.Bid,
		NewOrderID: 9, NewPrice: 100, NewQty: 5,
	})

	if _, ok := bk.InstrumentForOrder(1); ok {
		t.Error("old order id still indexed after replace")
	}
	instr, ok := bk.InstrumentForOrder(9)
	if !ok || instr != 7 {
		t.Errorf("new order id: got (%d,%v)", instr, ok)
	}
	var order []uint64
	bk.Instrument(7).SnapshotIter(func(o OrderExport) {
		order = append(order, o.OrderID)
	})
	if len(order) != 2 || order[0] != 2 || order[1] != 9 {
		t.Errorf("FIFO after replace: got %v, want [2 9]", order)
	}
}

func TestInstrumentForOrder(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Bid, 100, 10))
	bk.Apply(add(2, 11, decode.Ask, 200, 10))

	if instr, ok := bk.InstrumentForOrder(2); !ok || instr != 11 {
		t.Errorf("got (%d,%v), want (11,true)", instr, ok)
	}
	bk.Apply(&decode.Event{Kind: decode.KindCancel, OrderID: 2})
	if _, ok := bk.InstrumentForOrder(2); ok {
		t.Error("cancelled order still resolvable")
	}
}

func TestArrivalSeqStrictlyIncreasing(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Bid, 100, 1))
	bk.Apply(add(2, 7, decode.Bid, 100, 1))
	bk.Apply(&decode.Event{Kind: decode.KindCancel, OrderID: 1})
	bk.Apply(add(3, 7, decode.Bid, 100, 1))

	var seqs []uint64
	bk.Instrument(7).SnapshotIter(func(o OrderExport) {
		seqs = append(seqs, o.ArrivalSeq)
	})
	if len(seqs) != 2 || seqs[0] >= seqs[1] {
		t.Errorf("arrival seqs not increasing in FIFO order: %v", seqs)
	}
	// Order 3 reused order 1's slab slot but must carry a fresh sequence.
	if seqs[0] != 2 || seqs[1] != 3 {
		t.Errorf("arrival seqs: got %v, want [2 3]", seqs)
	}
}

func TestApplyManyForInstr(t *testing.T) {
	bk := New(Options{})
	run := []decode.Event{
		*add(1, 7, decode.Bid, 100, 5),
		*add(2, 7, decode.Bid, 100, 6),
		{Kind: decode.KindModify, OrderID: 1, Qty: 3},
		{Kind: decode.KindCancel, OrderID: 2},
	}
	var results []ApplyResult
	bk.ApplyManyForInstr(7, run, func(ev *decode.Event, res ApplyResult) {
		results = append(results, res)
	})
	for i, res := range results {
		if res != Applied {
			t.Errorf("event %d: got %v", i, res)
		}
	}
	bid, _ := bk.BBOOf(7)
	if bid.Price != 100 || bid.Qty != 3 {
		t.Errorf("best bid after run: %+v", bid)
	}
	if err := bk.CheckInvariants(7); err != nil {
		t.Fatal(err)
	}
}

func TestTopN(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Bid, 100, 5))
	bk.Apply(add(2, 7, decode.Bid, 99, 6))
	bk.Apply(add(3, 7, decode.Bid, 98, 7))
	bk.Apply(add(4, 7, decode.Ask, 101, 8))

	bids, asks := bk.Instrument(7).TopN(2)
	if len(bids) != 2 || bids[0].Price != 100 || bids[1].Price != 99 {
		t.Errorf("top bids: %+v", bids)
	}
	if len(asks) != 1 || asks[0].Price != 101 || asks[0].Qty != 8 {
		t.Errorf("top asks: %+v", asks)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	bk := New(Options{})
	bk.Apply(add(1, 7, decode.Bid, 100, 5))
	bk.Apply(add(2, 7, decode.Bid, 100, 6))
	bk.Apply(add(3, 7, decode.Bid, 99, 7))
	bk.Apply(add(4, 7, decode.Ask, 101, 8))
	bk.Apply(add(5, 11, decode.Ask, 50, 9))

	restored := FromExport(bk.ExportAll(), Options{})

	for _, instr := range []uint64{7, 11} {
		wantBid, wantAsk := bk.BBOOf(instr)
		gotBid, gotAsk := restored.BBOOf(instr)
		if wantBid != gotBid || wantAsk != gotAsk {
			t.Errorf("instr %d BBO mismatch: want %+v/%+v got %+v/%+v", instr, wantBid, wantAsk, gotBid, gotAsk)
		}

		var want, got []OrderExport
		bk.Instrument(instr).SnapshotIter(func(o OrderExport) { want = append(want, o) })
		restored.Instrument(instr).SnapshotIter(func(o OrderExport) { got = append(got, o) })
		if len(want) != len(got) {
			t.Fatalf("instr %d order count: want %d got %d", instr, len(want), len(got))
		}
		for i := range want {
			if want[i] != got[i] {
				t.Errorf("instr %d order %d: want %+v got %+v", instr, i, want[i], got[i])
			}
		}
		if err := restored.CheckInvariants(instr); err != nil {
			t.Fatal(err)
		}
	}

	// New arrivals continue the restored counter.
	restored.Apply(add(6, 7, decode.Bid, 98, 1))
	var maxSeq uint64
	restored.Instrument(7).SnapshotIter(func(o OrderExport) {
		if o.ArrivalSeq > maxSeq {
			maxSeq = o.ArrivalSeq
		}
	})
	if maxSeq != 5 {
		t.Errorf("arrival seq after restore: got %d, want 5", maxSeq)
	}
}

func BenchmarkAddCancel(b *testing.B) {
	bk := New(Options{SlabCapacity: 1 << 20})
	ev := decode.Event{Kind: decode.KindAdd, Instrument: 7, Side: decode.Bid, Qty: 10}
	cxl := decode.Event{Kind: decode.KindCancel}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev.OrderID = uint64(i + 1)
		ev.Price = int64(100 + i%500)
		bk.Apply(&ev)
		cxl.OrderID = uint64(i + 1)
		bk.Apply(&cxl)
	}
}

func BenchmarkBBO(b *testing.B) {
	bk := New(Options{})
	for i := 0; i < 1000; i++ {
		bk.Apply(add(uint64(i+1), 7, decode.Bid, int64(100+i%200), 10))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bk.BBOOf(7)
	}
}
