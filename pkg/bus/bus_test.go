package bus

import (
	"testing"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Numi2/Numi-orderbook/pkg/metrics"
	"github.com/Numi2/Numi-orderbook/pkg/obo"
)

func newBus(cfg Config) (*Bus, *metrics.Metrics) {
	met := metrics.New("test", log.Root())
	return New(cfg, met, log.Root()), met
}

func addPayload(orderID uint64) []byte {
	p := make([]byte, obo.AddSize)
	obo.PutAdd(p, obo.Add{OrderID: orderID, PriceE8: 100, Qty: 10})
	return p
}

func recvHeader(t *testing.T, sub *Subscription) obo.Header {
	t.Helper()
	select {
	case frame := <-sub.C:
		hdr, err := obo.ParseHeader(frame)
		if err != nil {
			t.Fatal(err)
		}
		return hdr
	default:
		t.Fatal("no frame buffered")
	}
	return obo.Header{}
}

func TestPerInstrumentSequencing(t *testing.T) {
	b, _ := newBus(Config{})
	if seq := b.Publish(obo.MsgOboAdd, 7, addPayload(1)); seq != 1 {
		t.Errorf("first seq for instr 7: got %d, want 1", seq)
	}
	if seq := b.Publish(obo.MsgOboAdd, 7, addPayload(2)); seq != 2 {
		t.Errorf("second seq for instr 7: got %d, want 2", seq)
	}
	if seq := b.Publish(obo.MsgOboAdd, 11, addPayload(3)); seq != 1 {
		t.Errorf("first seq for instr 11: got %d, want 1", seq)
	}
}

func TestSubscriberReceivesStampedFrames(t *testing.T) {
	b, _ := newBus(Config{})
	sub := b.Subscribe(SubscribeOptions{})
	defer sub.Close()

	b.Publish(obo.MsgOboAdd, 7, addPayload(1))
	hdr := recvHeader(t, sub)
	if hdr.MessageType != obo.MsgOboAdd || hdr.InstrumentID != 7 || hdr.Sequence != 1 {
		t.Errorf("frame header: %+v", hdr)
	}
	if hdr.PayloadLen != obo.AddSize {
		t.Errorf("payload len: got %d, want %d", hdr.PayloadLen, obo.AddSize)
	}
}

func TestInstrumentFilter(t *testing.T) {
	b, _ := newBus(Config{})
	sub := b.Subscribe(SubscribeOptions{Instruments: map[uint64]struct{}{11: {}}})
	defer sub.Close()

	b.Publish(obo.MsgOboAdd, 7, addPayload(1))
	b.Publish(obo.MsgOboAdd, 11, addPayload(2))

	hdr := recvHeader(t, sub)
	if hdr.InstrumentID != 11 {
		t.Errorf("filtered sub got instrument %d", hdr.InstrumentID)
	}
	select {
	case <-sub.C:
		t.Error("filtered sub received an unwanted frame")
	default:
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	const ringCap = 8
	b, met := newBus(Config{SubscriberRing: ringCap})
	slow := b.Subscribe(SubscribeOptions{})
	healthy := b.Subscribe(SubscribeOptions{})

	// Fill the slow subscriber's ring, then one more. The healthy subscriber
	// keeps draining, so only the slow one overflows.
	var last uint64
	for i := 0; i < ringCap+1; i++ {
		b.Publish(obo.MsgOboAdd, 7, addPayload(uint64(i)))
		hdr := recvHeader(t, healthy)
		if hdr.Sequence != last+1 {
			t.Fatalf("healthy sub hole: got %d, want %d", hdr.Sequence, last+1)
		}
		last = hdr.Sequence
	}

	if !slow.Dropped() {
		t.Fatal("slow subscriber not dropped")
	}
	if v := testutil.ToFloat64(met.DroppedClients); v != 1 {
		t.Errorf("dropped_clients_total: got %v, want 1", v)
	}
	if b.Subscribers() != 1 {
		t.Errorf("subscribers: got %d, want 1", b.Subscribers())
	}
	healthy.Close()

	// Channel of the dropped subscriber is closed after the buffered frames.
	n := 0
	for range slow.C {
		n++
	}
	if n != ringCap {
		t.Errorf("slow sub drained %d frames, want %d", n, ringCap)
	}
}

func TestReplayFromCursor(t *testing.T) {
	b, _ := newBus(Config{})
	b.Publish(obo.MsgOboAdd, 7, addPayload(1))
	cursor := b.Cursor()
	b.Publish(obo.MsgOboAdd, 7, addPayload(2))
	b.Publish(obo.MsgOboAdd, 7, addPayload(3))

	sub := b.Subscribe(SubscribeOptions{FromSeq: &cursor})
	defer sub.Close()

	hdr := recvHeader(t, sub)
	if hdr.Sequence != 2 {
		t.Errorf("replay start: got seq %d, want 2", hdr.Sequence)
	}
	hdr = recvHeader(t, sub)
	if hdr.Sequence != 3 {
		t.Errorf("replay next: got seq %d, want 3", hdr.Sequence)
	}
}

func TestReplayBeyondHistoryGetsGap(t *testing.T) {
	b, _ := newBus(Config{ReplayDepth: 4})
	for i := 0; i < 10; i++ {
		b.Publish(obo.MsgOboAdd, 7, addPayload(uint64(i)))
	}
	from := uint64(0)
	sub := b.Subscribe(SubscribeOptions{FromSeq: &from})
	defer sub.Close()

	hdr := recvHeader(t, sub)
	if hdr.MessageType != obo.MsgGap {
		t.Fatalf("first frame type: got %d, want GAP", hdr.MessageType)
	}
}

func TestSnapshotDeliveredBeforeTail(t *testing.T) {
	b, _ := newBus(Config{})
	b.SetSnapshotSource(func(emit func(msgType uint16, instrument uint64, payload []byte)) {
		var start [obo.SnapshotStartSize]byte
		emit(obo.MsgSnapshotStart, 0, start[:])
		emit(obo.MsgOboAdd, 7, addPayload(99))
		var end [obo.SnapshotEndSize]byte
		emit(obo.MsgSnapshotEnd, 0, end[:])
	})

	sub := b.Subscribe(SubscribeOptions{Snapshot: true})
	defer sub.Close()
	b.Publish(obo.MsgOboAdd, 7, addPayload(1))

	types := []uint16{obo.MsgSnapshotStart, obo.MsgOboAdd, obo.MsgSnapshotEnd, obo.MsgOboAdd}
	seqs := []uint64{0, 0, 0, 1}
	for i, want := range types {
		hdr := recvHeader(t, sub)
		if hdr.MessageType != want {
			t.Fatalf("frame %d type: got %d, want %d", i, hdr.MessageType, want)
		}
		if hdr.Sequence != seqs[i] {
			t.Fatalf("frame %d seq: got %d, want %d", i, hdr.Sequence, seqs[i])
		}
	}
}

func TestHeartbeatAndGapFrames(t *testing.T) {
	b, _ := newBus(Config{})
	sub := b.Subscribe(SubscribeOptions{})
	defer sub.Close()

	b.Heartbeat()
	b.PublishGap(50, 60)

	if hdr := recvHeader(t, sub); hdr.MessageType != obo.MsgHeartbeat {
		t.Errorf("want heartbeat, got type %d", hdr.MessageType)
	}
	frame := <-sub.C
	hdr, err := obo.ParseHeader(frame)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.MessageType != obo.MsgGap {
		t.Fatalf("want gap, got type %d", hdr.MessageType)
	}
	g, err := obo.ParseGap(frame[obo.HeaderSize:])
	if err != nil {
		t.Fatal(err)
	}
	if g.From != 50 || g.To != 60 {
		t.Errorf("gap payload: %+v", g)
	}
}
