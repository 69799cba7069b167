package merge

import (
	"testing"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Numi2/Numi-orderbook/pkg/metrics"
	"github.com/Numi2/Numi-orderbook/pkg/pool"
	"github.com/Numi2/Numi-orderbook/pkg/spsc"
)

type harness struct {
	m    *Merge
	met  *metrics.Metrics
	pool *pool.Pool
	out  *spsc.Ring[*pool.Frame]
	gaps [][2]uint64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	p, err := pool.New(4096, 512)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		met:  metrics.New("test", log.Root()),
		pool: p,
		out:  spsc.New[*pool.Frame](8192),
	}
	qA := spsc.New[*pool.Frame](64)
	qB := spsc.New[*pool.Frame](64)
	onGap := func(from, to uint64) {
		h.gaps = append(h.gaps, [2]uint64{from, to})
	}
	h.m = New(cfg, qA, qB, nil, h.out, onGap, h.met, log.Root())
	return h
}

func (h *harness) frame(t *testing.T, seq uint64, ch pool.Channel) *pool.Frame {
	t.Helper()
	f, err := h.pool.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	f.Seq = seq
	f.Chan = ch
	return f
}

// emitted drains the output ring and releases the frames.
func (h *harness) emitted() []uint64 {
	var seqs []uint64
	for {
		f, ok := h.out.Pop()
		if !ok {
			return seqs
		}
		seqs = append(seqs, f.Seq)
		f.Release()
	}
}

func TestInOrderStream(t *testing.T) {
	h := newHarness(t, Config{InitialExpectedSeq: 1, ReorderWindow: 16, MaxPending: 16})
	for s := uint64(1); s <= 100; s++ {
		h.m.ingest(h.frame(t, s, pool.ChannelA))
	}
	seqs := h.emitted()
	if len(seqs) != 100 {
		t.Fatalf("emitted %d frames, want 100", len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d", i, s, i+1)
		}
	}
	if len(h.gaps) != 0 {
		t.Errorf("unexpected gaps: %v", h.gaps)
	}
	if free := h.pool.Available(); free != h.pool.Size() {
		t.Errorf("pool leak: %d free of %d", free, h.pool.Size())
	}
}

func TestCrossFeedDedupe(t *testing.T) {
	h := newHarness(t, Config{InitialExpectedSeq: 1, ReorderWindow: 16, MaxPending: 16})
	// A delivers everything except 50; B mirrors everything.
	for s := uint64(1); s <= 100; s++ {
		if s != 50 {
			h.m.ingest(h.frame(t, s, pool.ChannelA))
		}
		h.m.ingest(h.frame(t, s, pool.ChannelB))
	}
	seqs := h.emitted()
	if len(seqs) != 100 {
		t.Fatalf("emitted %d frames, want 100", len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d", i, s, i+1)
		}
	}
	if len(h.gaps) != 0 {
		t.Errorf("gap with redundant feed: %v", h.gaps)
	}
	dupsB := testutil.ToFloat64(h.met.MergeDups.WithLabelValues("B"))
	if dupsB != 99 {
		t.Errorf("B duplicates: got %v, want 99", dupsB)
	}
	if free := h.pool.Available(); free != h.pool.Size() {
		t.Errorf("pool leak: %d free of %d", free, h.pool.Size())
	}
}

func TestReorderWithinWindow(t *testing.T) {
	h := newHarness(t, Config{InitialExpectedSeq: 1, ReorderWindow: 16, MaxPending: 16})
	for _, s := range []uint64{2, 3, 1, 5, 4} {
		h.m.ingest(h.frame(t, s, pool.ChannelA))
	}
	seqs := h.emitted()
	want := []uint64{1, 2, 3, 4, 5}
	if len(seqs) != len(want) {
		t.Fatalf("emitted %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("emitted %v, want %v", seqs, want)
		}
	}
}

func TestWindowOverflowGap(t *testing.T) {
	const w = 16
	h := newHarness(t, Config{InitialExpectedSeq: 1, ReorderWindow: w, MaxPending: w})
	for _, s := range []uint64{1, 2, 3} {
		h.m.ingest(h.frame(t, s, pool.ChannelA))
	}
	// B silent; A jumps past the window.
	h.m.ingest(h.frame(t, w+5, pool.ChannelA))

	seqs := h.emitted()
	if len(seqs) != 4 || seqs[3] != w+5 {
		t.Fatalf("emitted %v, want [1 2 3 %d]", seqs, w+5)
	}
	if len(h.gaps) != 1 || h.gaps[0] != [2]uint64{4, w + 4} {
		t.Fatalf("gaps %v, want [[4 %d]]", h.gaps, w+4)
	}
	if got := h.m.Expected(); got != w+6 {
		t.Errorf("expected seq: got %d, want %d", got, w+6)
	}
	if v := testutil.ToFloat64(h.met.MergeWindowFull); v != 1 {
		t.Errorf("merge_window_full: got %v, want 1", v)
	}
}

func TestRecoveryFillsGapWithoutForwardedDups(t *testing.T) {
	h := newHarness(t, Config{InitialExpectedSeq: 1, ReorderWindow: 64, MaxPending: 64})
	// Live feed delivers 1..49 then 61..70; 50..60 wait in the window.
	for s := uint64(1); s <= 49; s++ {
		h.m.ingest(h.frame(t, s, pool.ChannelA))
	}
	for s := uint64(61); s <= 70; s++ {
		h.m.ingest(h.frame(t, s, pool.ChannelA))
	}
	if got := h.emitted(); len(got) != 49 {
		t.Fatalf("pre-recovery emitted %d, want 49", len(got))
	}

	// Recovery replays 50..60, plus an already-emitted duplicate.
	h.m.ingest(h.frame(t, 30, pool.ChannelRecovery))
	for s := uint64(50); s <= 60; s++ {
		h.m.ingest(h.frame(t, s, pool.ChannelRecovery))
	}

	seqs := h.emitted()
	if len(seqs) != 21 {
		t.Fatalf("post-recovery emitted %d, want 21", len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(50+i) {
			t.Fatalf("seq[%d] = %d, want %d", i, s, 50+i)
		}
	}
	dupsR := testutil.ToFloat64(h.met.MergeDups.WithLabelValues("R"))
	if dupsR != 1 {
		t.Errorf("recovery duplicates: got %v, want 1", dupsR)
	}
	if free := h.pool.Available(); free != h.pool.Size() {
		t.Errorf("pool leak: %d free of %d", free, h.pool.Size())
	}
}

func TestMaxPendingEviction(t *testing.T) {
	h := newHarness(t, Config{InitialExpectedSeq: 1, ReorderWindow: 64, MaxPending: 4})
	// Five out-of-order arrivals with 1 missing; the fifth evicts the oldest.
	for _, s := range []uint64{2, 3, 4, 5, 6} {
		h.m.ingest(h.frame(t, s, pool.ChannelA))
	}
	seqs := h.emitted()
	// Eviction of 2 declares gap [1,2] and drains 3..6.
	want := []uint64{3, 4, 5, 6}
	if len(seqs) != len(want) {
		t.Fatalf("emitted %v, want %v", seqs, want)
	}
	for i := range want {
		if seqs[i] != want[i] {
			t.Fatalf("emitted %v, want %v", seqs, want)
		}
	}
	if len(h.gaps) != 1 || h.gaps[0] != [2]uint64{1, 2} {
		t.Fatalf("gaps %v, want [[1 2]]", h.gaps)
	}
	if v := testutil.ToFloat64(h.met.MergeEvictions); v != 1 {
		t.Errorf("merge_evictions: got %v, want 1", v)
	}
}

func TestDuplicateOfBufferedFrame(t *testing.T) {
	h := newHarness(t, Config{InitialExpectedSeq: 1, ReorderWindow: 16, MaxPending: 16})
	h.m.ingest(h.frame(t, 3, pool.ChannelA))
	h.m.ingest(h.frame(t, 3, pool.ChannelB))
	if v := testutil.ToFloat64(h.met.MergeDups.WithLabelValues("B")); v != 1 {
		t.Errorf("dup of buffered frame: got %v, want 1", v)
	}
	h.m.ingest(h.frame(t, 1, pool.ChannelA))
	h.m.ingest(h.frame(t, 2, pool.ChannelA))
	if got := h.emitted(); len(got) != 3 {
		t.Fatalf("emitted %d, want 3", len(got))
	}
	if free := h.pool.Available(); free != h.pool.Size() {
		t.Errorf("pool leak: %d free of %d", free, h.pool.Size())
	}
}
