// Package merge reconciles the redundant A/B feeds (plus recovery replays)
// into one strictly monotonic packet stream. Out-of-order arrivals wait in a
// bounded reorder window; duplicates are dropped on sequence; forward
// progress over a missing range is declared as a Gap, never silently.
package merge

import (
	"sync/atomic"

	"github.com/luxfi/log"

	"github.com/Numi2/Numi-orderbook/pkg/clock"
	"github.com/Numi2/Numi-orderbook/pkg/metrics"
	"github.com/Numi2/Numi-orderbook/pkg/pool"
	"github.com/Numi2/Numi-orderbook/pkg/spsc"
)

// Hysteresis thresholds for preferred-feed switching: flip away from the
// preferred feed after 2 consecutive non-preferred forwards, flip back after
// 8 preferred ones, never faster than the dwell interval.
const (
	switchToOtherAfter = 2
	switchBackAfter    = 8
	defaultDwellNs     = 2_000_000
	maxDwellNs         = 50_000_000
	adaptiveCheckEvery = 4096
	minReorderWindow   = 8
)

// Config sets the merge stage parameters. ReorderWindow must be a power of
// two; ReorderWindowMax bounds adaptive growth and sizes the slot array.
type Config struct {
	InitialExpectedSeq uint64
	ReorderWindow      uint64
	ReorderWindowMax   uint64
	MaxPending         int
	DwellNs            uint64
	Adaptive           bool
	SpinLoopsPerYield  uint32
}

type windowSlot struct {
	seq   uint64
	frame *pool.Frame
}

// Merge drains the per-channel RX rings and the recovery ring, and emits the
// ordered stream into the decode ring. Single consumer; runs on its own
// pinned thread.
type Merge struct {
	cfg Config

	qA, qB, qRec *spsc.Ring[*pool.Frame]
	qOut         *spsc.Ring[*pool.Frame]

	// onGap fans a declared gap out to the recovery client, the gap log and
	// the bus GAP control frame.
	onGap func(from, to uint64)

	met    *metrics.Metrics
	logger log.Logger

	expected    uint64
	lastEmitted uint64
	hasEmitted  bool
	window      []windowSlot
	winSize     uint64
	pending     int
	lastEmitNs  uint64

	preferA     bool
	streakPref  uint32
	streakOther uint32
	lastSwitch  uint64
	minDwellNs  uint64

	// adaptive counters
	forwardedSinceCheck uint64
	recentGaps          uint64
	recentOOO           uint64
	switchesInWindow    uint32
}

// New builds the merge stage. qRec may be nil when no recovery injector is
// configured.
func New(cfg Config, qA, qB, qRec, qOut *spsc.Ring[*pool.Frame], onGap func(from, to uint64), met *metrics.Metrics, logger log.Logger) *Merge {
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = minReorderWindow
	}
	if cfg.ReorderWindowMax < cfg.ReorderWindow {
		cfg.ReorderWindowMax = cfg.ReorderWindow
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = int(cfg.ReorderWindow)
	}
	dwell := cfg.DwellNs
	if dwell == 0 {
		dwell = defaultDwellNs
	}
	m := &Merge{
		cfg:        cfg,
		qA:         qA,
		qB:         qB,
		qRec:       qRec,
		qOut:       qOut,
		onGap:      onGap,
		met:        met,
		logger:     logger,
		expected:   cfg.InitialExpectedSeq,
		window:     make([]windowSlot, cfg.ReorderWindowMax+1),
		winSize:    cfg.ReorderWindow,
		preferA:    true,
		lastSwitch: clock.Nanos(),
		minDwellNs: dwell,
		lastEmitNs: clock.Nanos(),
	}
	met.MergePreferredA.Set(1)
	met.MergeReorderSize.Set(float64(m.winSize))
	return m
}

// Run executes the merge loop until stop is set, then drains and releases
// buffered frames.
func (m *Merge) Run(stop *atomic.Bool) {
	var idle uint32
	for !stop.Load() {
		moved := false

		for src := 0; src < 2; src++ {
			takeAFirst := (src == 0) == m.preferA
			var f *pool.Frame
			var ok bool
			if takeAFirst {
				f, ok = m.qA.Pop()
			} else {
				f, ok = m.qB.Pop()
			}
			if !ok {
				continue
			}
			if m.ingest(f) {
				moved = true
			}
		}

		if m.qRec != nil {
			if f, ok := m.qRec.Pop(); ok {
				if m.ingest(f) {
					moved = true
				}
			}
		}

		if !moved {
			m.maybeDwellAdvance()
			spsc.IdleWait(&idle, m.cfg.SpinLoopsPerYield)
		} else {
			idle = 0
		}

		if m.cfg.Adaptive && m.forwardedSinceCheck >= adaptiveCheckEvery {
			m.adapt()
		}
	}
	m.drainAndRelease()
}

// ingest classifies one inbound frame; returns true when anything was
// forwarded.
func (m *Merge) ingest(f *pool.Frame) bool {
	s := f.Seq
	switch {
	case s < m.expected:
		m.met.MergeDups.WithLabelValues(f.Chan.String()).Inc()
		f.Release()
		return false

	case s == m.expected:
		m.emitAndDrain(f)
		return true

	case s-m.expected < m.winSize:
		m.store(f)
		return false

	default:
		// Window overflow: declare the gap and jump forward to s.
		m.met.MergeGaps.Inc()
		m.met.MergeWindowFull.Inc()
		m.met.MergeGapsByChan.WithLabelValues(f.Chan.String()).Inc()
		m.recentGaps++
		m.logger.Warn("sequence gap on window overflow",
			"got", s, "expected", m.expected, "pending", m.pending, "window", m.winSize, "from", f.Chan.String())
		if m.onGap != nil && s > m.expected {
			m.onGap(m.expected, s-1)
		}
		m.clearStale(s)
		m.expected = s
		m.emitAndDrain(f)
		return true
	}
}

// emitAndDrain forwards a frame that is exactly the expected sequence, then
// drains whatever became contiguous.
func (m *Merge) emitAndDrain(f *pool.Frame) {
	chanName := f.Chan.String()
	m.forward(f)
	m.met.MergeForwards.WithLabelValues(chanName).Inc()
	m.expected++
	m.drainContiguous()
	m.observeSource(chanName == "A")
}

// store parks an out-of-order frame in its window slot, evicting the oldest
// pending frame when the buffer is saturated.
func (m *Merge) store(f *pool.Frame) {
	if m.pending >= m.cfg.MaxPending {
		m.evictOldest()
		// Eviction advanced expected; the newcomer may now be emittable or
		// stale.
		if f.Seq == m.expected {
			m.emitAndDrain(f)
			return
		}
		if f.Seq < m.expected {
			m.met.MergeDups.WithLabelValues(f.Chan.String()).Inc()
			f.Release()
			return
		}
	}
	idx := f.Seq % uint64(len(m.window))
	slot := &m.window[idx]
	switch {
	case slot.frame == nil:
		slot.seq = f.Seq
		slot.frame = f
		m.pending++
	case slot.seq == f.Seq:
		// Cross-feed duplicate of a buffered frame.
		m.met.MergeDups.WithLabelValues(f.Chan.String()).Inc()
		f.Release()
	case slot.seq < m.expected:
		// Stale occupant from before a jump; replace it.
		slot.frame.Release()
		slot.seq = f.Seq
		slot.frame = f
	default:
		// Distinct in-window sequences cannot alias: the slot array is sized
		// for the maximum window. Treat defensively as a duplicate.
		m.met.MergeDups.WithLabelValues(f.Chan.String()).Inc()
		f.Release()
	}
}

// evictOldest drops the smallest buffered sequence and advances past it with
// a gap, bounding memory when one feed stalls for a long stretch.
func (m *Merge) evictOldest() {
	minSeq := uint64(0)
	minIdx := -1
	for i := range m.window {
		if m.window[i].frame == nil {
			continue
		}
		if minIdx < 0 || m.window[i].seq < minSeq {
			minSeq = m.window[i].seq
			minIdx = i
		}
	}
	if minIdx < 0 {
		return
	}
	m.window[minIdx].frame.Release()
	m.window[minIdx].frame = nil
	m.pending--
	m.met.MergeEvictions.Inc()
	m.met.MergeGaps.Inc()
	m.recentGaps++
	m.logger.Warn("reorder buffer full, evicting oldest pending frame",
		"seq", minSeq, "expected", m.expected, "max_pending", m.cfg.MaxPending)
	if m.onGap != nil && minSeq >= m.expected {
		m.onGap(m.expected, minSeq)
	}
	m.expected = minSeq + 1
	m.drainContiguous()
}

// drainContiguous emits buffered frames while the window holds expected,
// expected+1, ...
func (m *Merge) drainContiguous() {
	for m.pending > 0 {
		idx := m.expected % uint64(len(m.window))
		slot := &m.window[idx]
		if slot.frame == nil || slot.seq != m.expected {
			return
		}
		f := slot.frame
		slot.frame = nil
		m.pending--
		m.met.MergeOOO.Inc()
		m.recentOOO++
		chanName := f.Chan.String()
		m.forward(f)
		m.met.MergeForwards.WithLabelValues(chanName).Inc()
		m.expected++
		m.observeSource(chanName == "A")
	}
}

// clearStale releases buffered frames below the new expected sequence after
// a jump.
func (m *Merge) clearStale(newExpected uint64) {
	for i := range m.window {
		if m.window[i].frame != nil && m.window[i].seq < newExpected {
			m.window[i].frame.Release()
			m.window[i].frame = nil
			m.pending--
		}
	}
}

// maybeDwellAdvance trades completeness for bounded latency: when frames
// have been waiting behind a missing sequence longer than the dwell budget,
// jump to the oldest buffered frame and declare the gap.
func (m *Merge) maybeDwellAdvance() {
	if m.pending == 0 || m.cfg.DwellNs == 0 {
		return
	}
	now := clock.Nanos()
	if now-m.lastEmitNs < m.cfg.DwellNs {
		return
	}
	minSeq := uint64(0)
	found := false
	for i := range m.window {
		if m.window[i].frame == nil {
			continue
		}
		if !found || m.window[i].seq < minSeq {
			minSeq = m.window[i].seq
			found = true
		}
	}
	if !found || minSeq <= m.expected {
		return
	}
	m.met.MergeGaps.Inc()
	m.recentGaps++
	m.logger.Warn("dwell timeout, advancing past gap",
		"expected", m.expected, "resume", minSeq, "waited_ns", now-m.lastEmitNs)
	if m.onGap != nil {
		m.onGap(m.expected, minSeq-1)
	}
	m.expected = minSeq
	m.drainContiguous()
}

// forward stamps stage timing and pushes downstream, spinning until the
// decode ring accepts the frame.
func (m *Merge) forward(f *pool.Frame) {
	now := clock.Nanos()
	if f.RecvTimeNs != 0 && now > f.RecvTimeNs {
		metrics.ObserveLatencyNs(m.met.StageRxMerge, now-f.RecvTimeNs)
	}
	f.MergeEmitNs = now
	m.lastEmitNs = now

	if m.hasEmitted && f.Seq <= m.lastEmitted {
		// Monotonicity is the one invariant this stage exists to provide.
		m.logger.Error("merge emitted non-monotonic sequence",
			"seq", f.Seq, "last", m.lastEmitted)
		panic("merge: non-monotonic emission")
	}
	m.lastEmitted = f.Seq
	m.hasEmitted = true
	m.forwardedSinceCheck++

	m.qOut.PushBlocking(f)
}

// observeSource updates the prefer-A hysteresis after a forward from a feed.
func (m *Merge) observeSource(fromA bool) {
	isPreferred := fromA == m.preferA
	now := clock.Nanos()
	if isPreferred {
		m.streakPref++
		m.streakOther = 0
		if !m.preferA && m.streakPref >= switchBackAfter && now-m.lastSwitch >= m.minDwellNs {
			m.switchPreference(now)
		}
		return
	}
	m.streakOther++
	m.streakPref = 0
	if m.streakOther >= switchToOtherAfter && now-m.lastSwitch >= m.minDwellNs {
		m.switchPreference(now)
	}
}

func (m *Merge) switchPreference(now uint64) {
	m.preferA = !m.preferA
	m.streakPref = 0
	m.streakOther = 0
	m.lastSwitch = now
	m.switchesInWindow++
	m.met.MergeFailovers.Inc()
	if m.preferA {
		m.met.MergePreferredA.Set(1)
	} else {
		m.met.MergePreferredA.Set(0)
	}
}

// adapt resizes the reorder window and the switch dwell based on the last
// few thousand forwards: grow on gaps, shrink when clean, damp preference
// ping-pong.
func (m *Merge) adapt() {
	if m.recentGaps > 0 && m.winSize < m.cfg.ReorderWindowMax {
		grow := m.winSize / 4
		if grow < 1 {
			grow = 1
		}
		m.winSize += grow
		if m.winSize > m.cfg.ReorderWindowMax {
			m.winSize = m.cfg.ReorderWindowMax
		}
	}
	if m.recentOOO == 0 && m.recentGaps == 0 && m.winSize > minReorderWindow {
		m.winSize -= m.winSize / 8
		if m.winSize < minReorderWindow {
			m.winSize = minReorderWindow
		}
	}
	if m.switchesInWindow >= 4 {
		m.minDwellNs *= 2
		if m.minDwellNs > maxDwellNs {
			m.minDwellNs = maxDwellNs
		}
	} else if m.switchesInWindow == 0 && m.minDwellNs > m.cfg.DwellNs && m.cfg.DwellNs > 0 {
		m.minDwellNs -= m.minDwellNs / 4
		if m.minDwellNs < m.cfg.DwellNs {
			m.minDwellNs = m.cfg.DwellNs
		}
	}
	m.met.MergeReorderSize.Set(float64(m.winSize))
	m.forwardedSinceCheck = 0
	m.recentGaps = 0
	m.recentOOO = 0
	m.switchesInWindow = 0
}

// drainAndRelease frees buffered frames on shutdown.
func (m *Merge) drainAndRelease() {
	for i := range m.window {
		if m.window[i].frame != nil {
			m.window[i].frame.Release()
			m.window[i].frame = nil
		}
	}
	m.pending = 0
	for {
		f, ok := m.qA.Pop()
		if !ok {
			break
		}
		f.Release()
	}
	for {
		f, ok := m.qB.Pop()
		if !ok {
			break
		}
		f.Release()
	}
	if m.qRec != nil {
		for {
			f, ok := m.qRec.Pop()
			if !ok {
				break
			}
			f.Release()
		}
	}
}

// Expected reports the next sequence to emit; test hook.
func (m *Merge) Expected() uint64 {
	return m.expected
}

// Pending reports the occupied window slots; test hook.
func (m *Merge) Pending() int {
	return m.pending
}
