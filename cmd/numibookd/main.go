// numibookd is the market-data gateway daemon: it ingests the redundant A/B
// multicast feeds, maintains the order book and republishes the OBO stream
// over the configured transports.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/Numi2/Numi-orderbook/pkg/book"
	"github.com/Numi2/Numi-orderbook/pkg/bus"
	"github.com/Numi2/Numi-orderbook/pkg/config"
	"github.com/Numi2/Numi-orderbook/pkg/decode"
	"github.com/Numi2/Numi-orderbook/pkg/engine"
	"github.com/Numi2/Numi-orderbook/pkg/instruments"
	"github.com/Numi2/Numi-orderbook/pkg/merge"
	"github.com/Numi2/Numi-orderbook/pkg/metrics"
	"github.com/Numi2/Numi-orderbook/pkg/pool"
	"github.com/Numi2/Numi-orderbook/pkg/recovery"
	"github.com/Numi2/Numi-orderbook/pkg/rx"
	"github.com/Numi2/Numi-orderbook/pkg/snapshot"
	"github.com/Numi2/Numi-orderbook/pkg/spsc"
	"github.com/Numi2/Numi-orderbook/pkg/transport/kafkasink"
	"github.com/Numi2/Numi-orderbook/pkg/transport/natspub"
	"github.com/Numi2/Numi-orderbook/pkg/transport/ws"
	"github.com/Numi2/Numi-orderbook/pkg/transport/zmqpub"

	"github.com/shopspring/decimal"
)

func main() {
	var (
		configPath = flag.String("config", "numibook.yaml", "Configuration file")
	)
	flag.Parse()

	logger := log.Root().New("module", "numibookd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "numibookd: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type node struct {
	cfg    *config.Config
	logger log.Logger
	met    *metrics.Metrics
	reg    *instruments.Registry

	pool   *pool.Pool
	book   *book.Book
	bus    *bus.Bus
	engine *engine.Engine
	writer *snapshot.Writer
	gapDB  database.Database

	stop atomic.Bool
	wg   sync.WaitGroup
}

func run(cfg *config.Config, logger log.Logger) error {
	n := &node{cfg: cfg, logger: logger}
	var err error

	if cfg.General.MlockAll {
		if err := pool.LockMemory(); err != nil {
			logger.Warn("mlockall failed, continuing unpinned", "error", err)
		}
	}

	n.reg, err = buildRegistry(cfg.Instruments)
	if err != nil {
		return err
	}
	logger.Info("instrument registry loaded", "count", n.reg.Len())

	n.met = metrics.New("numibook", logger.New("module", "metrics"))

	n.pool, err = pool.New(cfg.General.PoolSize, cfg.General.MaxPacketSize)
	if err != nil {
		return err
	}

	endian, err := decode.ParseEndian(cfg.Sequence.Endian)
	if err != nil {
		return err
	}
	seqCfg := decode.SeqConfig{
		Offset: uint16(cfg.Sequence.Offset),
		Length: uint8(cfg.Sequence.Length),
		Endian: endian,
	}
	kind, err := decode.ParseParserKind(cfg.Parser.Kind)
	if err != nil {
		return err
	}
	parser, err := decode.NewParser(kind, seqCfg, cfg.Parser.MaxMessagesPerPacket)
	if err != nil {
		return err
	}

	// Book, restored from snapshot when configured.
	bookOpts := book.Options{
		ConsumeTrades:         cfg.Book.ConsumeTrades,
		ModifyUpLosesPriority: cfg.Book.ModifyUpLosesPriority,
		SlabCapacity:          cfg.Book.SlabCapacity,
	}
	n.book = book.New(bookOpts)
	if cfg.Snapshot.LoadOnStart && cfg.Snapshot.Path != "" {
		if exp, err := snapshot.Load(cfg.Snapshot.Path); err == nil {
			n.book = book.FromExport(exp, bookOpts)
			logger.Info("book restored from snapshot",
				"path", cfg.Snapshot.Path, "instruments", len(exp.Instruments), "orders", n.book.LiveOrders())
		} else if !os.IsNotExist(err) {
			logger.Warn("snapshot load failed, starting empty", "path", cfg.Snapshot.Path, "error", err)
		}
	}

	// Hot-path rings.
	qA := spsc.New[*pool.Frame](cfg.General.RxQueueCapacity)
	qB := spsc.New[*pool.Frame](cfg.General.RxQueueCapacity)
	qRec := spsc.New[*pool.Frame](cfg.General.RxQueueCapacity)
	qMerged := spsc.New[*pool.Frame](cfg.General.MergeQueueCap)

	n.bus = bus.New(bus.Config{
		ReplayDepth:    cfg.Bus.ReplayDepth,
		SubscriberRing: cfg.Bus.SubscriberRing,
	}, n.met, logger.New("module", "bus"))

	// Gap log store.
	var gapLog *recovery.GapLog
	if cfg.Recovery.GapLogDir != "" {
		n.gapDB = openGapDB(cfg.Recovery.GapLogDir, logger)
		gapLog = recovery.NewGapLog(n.gapDB, logger.New("module", "gaplog"))
	}

	recEndpoint := ""
	if cfg.Recovery.EnableInjector {
		recEndpoint = cfg.Recovery.Endpoint
	}
	rec := recovery.NewManager(recEndpoint, gapLog, n.pool, qRec, logger.New("module", "recovery"))
	rec.Start()
	defer rec.Stop()

	// Merge, with gaps fanned out to recovery and the bus.
	onGap := func(from, to uint64) {
		rec.Client().NotifyGap(from, to)
		n.bus.PublishGap(from, to)
	}
	mrg := merge.New(merge.Config{
		InitialExpectedSeq: cfg.Merge.InitialExpectedSeq,
		ReorderWindow:      cfg.Merge.ReorderWindow,
		ReorderWindowMax:   cfg.Merge.ReorderWindowMax,
		MaxPending:         cfg.Merge.MaxPendingPackets,
		DwellNs:            cfg.Merge.DwellNs,
		Adaptive:           cfg.Merge.Adaptive,
		SpinLoopsPerYield:  uint32(cfg.General.SpinLoopsPerYield),
	}, qA, qB, qRec, qMerged, onGap, n.met, logger.New("module", "merge"))

	if cfg.Snapshot.EnableWriter && cfg.Snapshot.Path != "" {
		n.writer = snapshot.NewWriter(cfg.Snapshot.Path, logger.New("module", "snapshot"))
	}

	n.engine = engine.New(engine.Config{
		SnapshotInterval:  time.Duration(cfg.Book.SnapshotIntervalMs) * time.Millisecond,
		ReportDepth:       cfg.Book.MaxDepth,
		SpinLoopsPerYield: uint32(cfg.General.SpinLoopsPerYield),
	}, qMerged, parser, n.book, n.bus, n.writer, n.met, logger.New("module", "decode"))
	n.bus.SetSnapshotSource(n.engine.SnapshotSource())

	// Receivers.
	rxA, err := newRX(cfg.Channels.A, "A", pool.ChannelA, cfg, seqCfg, n, qA)
	if err != nil {
		return err
	}
	rxB, err := newRX(cfg.Channels.B, "B", pool.ChannelB, cfg, seqCfg, n, qB)
	if err != nil {
		return err
	}

	// Stage threads, pinned when cores are configured.
	n.runStage("rx-a", cfg.CPU.ARxCore, func(stop *atomic.Bool) { rxA.Run(stop) })
	n.runStage("rx-b", cfg.CPU.BRxCore, func(stop *atomic.Bool) { rxB.Run(stop) })
	n.runStage("merge", cfg.CPU.MergeCore, func(stop *atomic.Bool) { mrg.Run(stop) })
	n.runStage("decode", cfg.CPU.DecodeCore, func(stop *atomic.Bool) { n.engine.Run(stop) })

	// Transports and auxiliary services.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.startTransports(ctx)

	if cfg.Metrics.Bind != "" {
		go func() {
			if err := n.met.StartServer(ctx, cfg.Metrics.Bind); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		go n.met.CollectSystem(ctx, n.pool.Available, map[string]func() int{
			"rx_a":     qA.Len,
			"rx_b":     qB.Len,
			"recovery": qRec.Len,
			"merged":   qMerged.Len,
		})
	}

	if cfg.Bus.HeartbeatMs > 0 {
		go n.heartbeat(ctx, time.Duration(cfg.Bus.HeartbeatMs)*time.Millisecond)
	}

	logger.Info("numibookd started",
		"feed_a", fmt.Sprintf("%s:%d", cfg.Channels.A.Group, cfg.Channels.A.Port),
		"feed_b", fmt.Sprintf("%s:%d", cfg.Channels.B.Group, cfg.Channels.B.Port),
		"parser", cfg.Parser.Kind,
		"pool", cfg.General.PoolSize)

	// Wait for shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	n.stop.Store(true)
	n.wg.Wait()

	if n.writer != nil {
		n.writer.Close()
	}
	if cfg.Snapshot.Path != "" {
		if err := snapshot.WriteAtomic(cfg.Snapshot.Path, n.book.ExportAll()); err != nil {
			logger.Error("final snapshot failed", "error", err)
		} else {
			logger.Info("final snapshot written", "path", cfg.Snapshot.Path, "orders", n.book.LiveOrders())
		}
	}
	if n.gapDB != nil {
		n.gapDB.Close()
	}
	return nil
}

// runStage spawns one pinned stage thread.
func (n *node) runStage(name string, core int, fn func(stop *atomic.Bool)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if n.cfg.CPU.RtPriority > 0 {
			spsc.PinRealtime(core, n.cfg.CPU.RtPriority)
		} else {
			spsc.Pin(core)
		}
		defer spsc.Unpin()
		n.logger.Info("stage started", "stage", name, "core", core)
		fn(&n.stop)
		n.logger.Info("stage stopped", "stage", name)
	}()
}

func (n *node) startTransports(ctx context.Context) {
	t := n.cfg.Transports
	if t.WS.Enabled {
		for _, bind := range []string{t.WS.BindA, t.WS.BindB} {
			if bind == "" {
				continue
			}
			srv := ws.NewServer(bind, n.bus, n.reg, n.met, n.logger.New("module", "ws"))
			go func() {
				if err := srv.Run(ctx); err != nil {
					n.logger.Error("ws server failed", "error", err)
				}
			}()
		}
	}
	if t.ZMQ.Enabled && t.ZMQ.Bind != "" {
		pub := zmqpub.New(t.ZMQ.Bind, n.bus, n.logger.New("module", "zmq"))
		go func() {
			if err := pub.Run(ctx); err != nil {
				n.logger.Error("zmq publisher failed", "error", err)
			}
		}()
	}
	if t.NATS.Enabled && t.NATS.URL != "" {
		pub := natspub.New(t.NATS.URL, t.NATS.SubjectPrefix, n.bus, n.logger.New("module", "nats"))
		go func() {
			if err := pub.Run(ctx); err != nil {
				n.logger.Error("nats publisher failed", "error", err)
			}
		}()
	}
	if t.Kafka.Enabled {
		sink := kafkasink.New(t.Kafka.Brokers, t.Kafka.Topic, n.bus, n.logger.New("module", "kafka"))
		go func() {
			if err := sink.Run(ctx); err != nil {
				n.logger.Error("kafka sink failed", "error", err)
			}
		}()
	}
}

func (n *node) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.bus.Heartbeat()
		}
	}
}

func newRX(ch config.Channel, name string, tag pool.Channel, cfg *config.Config, seqCfg decode.SeqConfig, n *node, q *spsc.Ring[*pool.Frame]) (*rx.RX, error) {
	tsMode, err := rx.ParseTimestampingMode(ch.Timestamping)
	if err != nil {
		return nil, err
	}
	return rx.New(rx.Config{
		Name:              name,
		Channel:           tag,
		Group:             ch.Group,
		Port:              ch.Port,
		IfaceAddr:         ch.IfaceAddr,
		ReusePort:         ch.ReusePort,
		RecvBufferBytes:   ch.RecvBufferBytes,
		Timestamping:      tsMode,
		SpinLoopsPerYield: uint32(cfg.General.SpinLoopsPerYield),
	}, seqCfg, n.pool, q, n.met, n.logger.New("module", "rx-"+name))
}

// openGapDB opens the on-disk gap journal, falling back to an in-memory
// store when the directory is unusable.
func openGapDB(dir string, logger log.Logger) database.Database {
	dbManager := manager.NewManager(dir, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "numibook"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("gap log database unavailable, using memory store", "dir", dir, "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			logger.Error("memory database failed, gap log disabled", "error", err)
			return nil
		}
	}
	return db
}

func buildRegistry(defs []config.InstrumentDef) (*instruments.Registry, error) {
	list := make([]instruments.Instrument, 0, len(defs))
	for _, d := range defs {
		tick := decimal.Zero
		if d.TickSize != "" {
			var err error
			tick, err = decimal.NewFromString(d.TickSize)
			if err != nil {
				return nil, fmt.Errorf("instrument %d: bad tick_size %q: %w", d.ID, d.TickSize, err)
			}
		}
		list = append(list, instruments.Instrument{
			ID:         d.ID,
			Symbol:     d.Symbol,
			TickSize:   tick,
			PriceScale: d.PriceScale,
		})
	}
	return instruments.NewRegistry(list)
}
