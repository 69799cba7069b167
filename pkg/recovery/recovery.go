// Package recovery handles feed gaps: it journals every detected gap to an
// append-only store and, when an injector endpoint is configured, fetches
// the missing range from a TCP replay service and feeds the packets back
// into the merge stage as Recovery-tagged frames.
package recovery

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/Numi2/Numi-orderbook/pkg/clock"
	"github.com/Numi2/Numi-orderbook/pkg/pool"
	"github.com/Numi2/Numi-orderbook/pkg/spsc"
)

// Request asks for replay of an inclusive sequence range.
type Request struct {
	From, To uint64
}

// Client is the merge-side handle: gap notifications are posted without
// blocking; a full queue drops the notification, and a dropped gap is
// neither fetched nor written to the gap log.
type Client struct {
	ch chan Request
}

// NotifyGap posts a gap for recovery.
func (c *Client) NotifyGap(from, to uint64) {
	select {
	case c.ch <- Request{From: from, To: to}:
	default:
	}
}

// GapLog journals Gap{from,to,t} tuples into an append-only database so
// out-of-band tooling can drive replay later.
type GapLog struct {
	db     database.Database
	logger log.Logger
}

// NewGapLog wraps a database for gap journaling; db may be nil to disable.
func NewGapLog(db database.Database, logger log.Logger) *GapLog {
	return &GapLog{db: db, logger: logger}
}

// Append records one gap keyed by detection time.
func (g *GapLog) Append(from, to uint64) {
	if g == nil || g.db == nil {
		return
	}
	t := time.Now().UnixNano()
	key := fmt.Sprintf("gap:%020d", t)
	var val [16]byte
	binary.LittleEndian.PutUint64(val[0:8], from)
	binary.LittleEndian.PutUint64(val[8:16], to)
	if err := g.db.Put([]byte(key), val[:]); err != nil {
		g.logger.Error("gap log append failed", "from", from, "to", to, "error", err)
	}
}

// Manager owns the request queue and either logs gaps or drives the TCP
// injector, depending on configuration.
type Manager struct {
	client   *Client
	endpoint string
	gapLog   *GapLog
	pool     *pool.Pool
	qRec     *spsc.Ring[*pool.Frame]
	logger   log.Logger
	done     chan struct{}
}

// NewManager builds the recovery manager. endpoint empty means logger-only
// mode; qRec and framePool are required otherwise.
func NewManager(endpoint string, gapLog *GapLog, framePool *pool.Pool, qRec *spsc.Ring[*pool.Frame], logger log.Logger) *Manager {
	return &Manager{
		client:   &Client{ch: make(chan Request, 1024)},
		endpoint: endpoint,
		gapLog:   gapLog,
		pool:     framePool,
		qRec:     qRec,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Client returns the gap notification handle for the merge stage.
func (m *Manager) Client() *Client {
	return m.client
}

// Start runs the manager goroutine.
func (m *Manager) Start() {
	go m.run()
}

// Stop closes the request queue and waits for the goroutine.
func (m *Manager) Stop() {
	close(m.client.ch)
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	if m.endpoint == "" {
		m.logger.Info("recovery manager running (logger mode)")
	} else {
		m.logger.Info("recovery injector running", "endpoint", m.endpoint)
	}

	var lastWarnNs uint64
	for first := range m.client.ch {
		lo, hi := first.From, first.To
		if lo > hi {
			continue
		}
		// Coalesce queued overlapping or adjacent ranges before fetching.
		for {
			select {
			case next, ok := <-m.client.ch:
				if !ok {
					m.handle(lo, hi, &lastWarnNs)
					return
				}
				if next.From <= hi+1 && next.To+1 >= lo {
					if next.From < lo {
						lo = next.From
					}
					if next.To > hi {
						hi = next.To
					}
					continue
				}
				if next.From > next.To {
					continue
				}
				// A separate range: handle the current one, then keep
				// coalescing from this one.
				m.handle(lo, hi, &lastWarnNs)
				lo, hi = next.From, next.To
				continue
			default:
			}
			break
		}
		m.handle(lo, hi, &lastWarnNs)
	}
}

func (m *Manager) handle(lo, hi uint64, lastWarnNs *uint64) {
	m.gapLog.Append(lo, hi)
	if m.endpoint == "" {
		// Rate-limit the advisory so a gap storm does not flood the log.
		now := clock.Nanos()
		if now-*lastWarnNs >= 100_000_000 {
			*lastWarnNs = now
			m.logger.Warn("gap detected; out-of-band recovery recommended", "from", lo, "to", hi)
		}
		return
	}
	if err := m.fetchAndInject(lo, hi); err != nil {
		m.logger.Error("replay fetch failed", "from", lo, "to", hi, "error", err)
	}
}

// fetchAndInject speaks the replay protocol: one "REPLAY from to\n" request,
// then framed packets [len u32 BE][seq u64 BE][payload] until a zero length
// or EOF. Each packet becomes a Recovery-tagged frame pushed into merge.
func (m *Manager) fetchAndInject(from, to uint64) error {
	conn, err := net.DialTimeout("tcp", m.endpoint, 5*time.Second)
	if err != nil {
		return fmt.Errorf("recovery: dial %s: %w", m.endpoint, err)
	}
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	if _, err := fmt.Fprintf(conn, "REPLAY %d %d\n", from, to); err != nil {
		return fmt.Errorf("recovery: request: %w", err)
	}

	var hdr [12]byte
	injected := 0
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			break
		}
		length := int(binary.BigEndian.Uint32(hdr[0:4]))
		seq := binary.BigEndian.Uint64(hdr[4:12])
		if length == 0 {
			break
		}
		if length > m.pool.MaxPacketSize() {
			return fmt.Errorf("recovery: replay packet too large: %d", length)
		}
		f, err := m.pool.Acquire()
		if err != nil {
			// Pool pressure: skip the rest of the replay; the gap stays in
			// the log.
			return err
		}
		if _, err := io.ReadFull(conn, f.Buf()[:length]); err != nil {
			f.Release()
			return fmt.Errorf("recovery: short replay packet: %w", err)
		}
		f.SetLen(length)
		f.Seq = seq
		f.Chan = pool.ChannelRecovery
		f.RecvTimeNs = clock.Nanos()
		f.WireTimeNs = f.RecvTimeNs
		f.TsSource = pool.TsSoftware
		m.qRec.PushBlocking(f)
		injected++
	}
	m.logger.Info("replay injected", "from", from, "to", to, "packets", injected)
	return nil
}
