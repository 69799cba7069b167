// Package config loads the immutable daemon configuration: one file read at
// startup (YAML or TOML via viper, NUMI_ environment overrides), validated
// once, then shared read-only. Nothing mutates configuration after boot.
package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
)

// Config is the complete daemon configuration.
type Config struct {
	General     General         `mapstructure:"general"`
	Sequence    Sequence        `mapstructure:"sequence"`
	Parser      Parser          `mapstructure:"parser"`
	Channels    Channels        `mapstructure:"channels"`
	Merge       Merge           `mapstructure:"merge"`
	Book        Book            `mapstructure:"book"`
	Bus         Bus             `mapstructure:"bus"`
	Snapshot    Snapshot        `mapstructure:"snapshot"`
	Recovery    Recovery        `mapstructure:"recovery"`
	Metrics     Metrics         `mapstructure:"metrics"`
	CPU         CPU             `mapstructure:"cpu"`
	Transports  Transports      `mapstructure:"transports"`
	Instruments []InstrumentDef `mapstructure:"instruments"`
}

type General struct {
	MaxPacketSize     int  `mapstructure:"max_packet_size"`
	PoolSize          int  `mapstructure:"pool_size"`
	RxQueueCapacity   int  `mapstructure:"rx_queue_capacity"`
	MergeQueueCap     int  `mapstructure:"merge_queue_capacity"`
	SpinLoopsPerYield int  `mapstructure:"spin_loops_per_yield"`
	MlockAll          bool `mapstructure:"mlock_all"`
}

type Sequence struct {
	Offset int    `mapstructure:"offset"`
	Length int    `mapstructure:"length"`
	Endian string `mapstructure:"endian"`
}

type Parser struct {
	Kind                 string `mapstructure:"kind"`
	MaxMessagesPerPacket int    `mapstructure:"max_messages_per_packet"`
}

type Channels struct {
	A Channel `mapstructure:"a"`
	B Channel `mapstructure:"b"`
}

type Channel struct {
	Group           string `mapstructure:"group"`
	Port            int    `mapstructure:"port"`
	IfaceAddr       string `mapstructure:"iface_addr"`
	ReusePort       bool   `mapstructure:"reuse_port"`
	RecvBufferBytes int    `mapstructure:"recv_buffer_bytes"`
	Timestamping    string `mapstructure:"timestamping"`
}

type Merge struct {
	InitialExpectedSeq uint64 `mapstructure:"initial_expected_seq"`
	ReorderWindow      uint64 `mapstructure:"reorder_window"`
	MaxPendingPackets  int    `mapstructure:"max_pending_packets"`
	DwellNs            uint64 `mapstructure:"dwell_ns"`
	Adaptive           bool   `mapstructure:"adaptive"`
	ReorderWindowMax   uint64 `mapstructure:"reorder_window_max"`
}

type Book struct {
	MaxDepth              int    `mapstructure:"max_depth"`
	SnapshotIntervalMs    int    `mapstructure:"snapshot_interval_ms"`
	ConsumeTrades         bool   `mapstructure:"consume_trades"`
	ModifyUpLosesPriority bool   `mapstructure:"modify_up_loses_priority"`
	SlabCapacity          int    `mapstructure:"slab_capacity"`
}

type Bus struct {
	ReplayDepth    int `mapstructure:"replay_depth"`
	SubscriberRing int `mapstructure:"subscriber_ring"`
	HeartbeatMs    int `mapstructure:"heartbeat_ms"`
}

type Snapshot struct {
	Path         string `mapstructure:"path"`
	LoadOnStart  bool   `mapstructure:"load_on_start"`
	EnableWriter bool   `mapstructure:"enable_writer"`
}

type Recovery struct {
	EnableInjector bool   `mapstructure:"enable_injector"`
	Endpoint       string `mapstructure:"endpoint"`
	GapLogDir      string `mapstructure:"gaplog_dir"`
}

type Metrics struct {
	Bind string `mapstructure:"bind"`
}

type CPU struct {
	ARxCore    int `mapstructure:"a_rx_core"`
	BRxCore    int `mapstructure:"b_rx_core"`
	MergeCore  int `mapstructure:"merge_core"`
	DecodeCore int `mapstructure:"decode_core"`
	RtPriority int `mapstructure:"rt_priority"`
}

type Transports struct {
	WS    WSTransport    `mapstructure:"ws"`
	ZMQ   ZMQTransport   `mapstructure:"zmq"`
	NATS  NATSTransport  `mapstructure:"nats"`
	Kafka KafkaTransport `mapstructure:"kafka"`
}

type WSTransport struct {
	Enabled bool `mapstructure:"enabled"`
	// Two listeners for feed redundancy.
	BindA string `mapstructure:"bind_a"`
	BindB string `mapstructure:"bind_b"`
}

type ZMQTransport struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

type NATSTransport struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type KafkaTransport struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type InstrumentDef struct {
	ID         uint64 `mapstructure:"id"`
	Symbol     string `mapstructure:"symbol"`
	TickSize   string `mapstructure:"tick_size"`
	PriceScale int32  `mapstructure:"price_scale"`
}

// Load reads, overlays environment variables and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("NUMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.max_packet_size", 2048)
	v.SetDefault("general.pool_size", 65536)
	v.SetDefault("general.rx_queue_capacity", 65536)
	v.SetDefault("general.merge_queue_capacity", 65536)
	v.SetDefault("general.spin_loops_per_yield", 64)

	v.SetDefault("sequence.offset", 0)
	v.SetDefault("sequence.length", 8)
	v.SetDefault("sequence.endian", "be")

	v.SetDefault("parser.kind", "fixed_binary")
	v.SetDefault("parser.max_messages_per_packet", 64)

	v.SetDefault("channels.a.timestamping", "off")
	v.SetDefault("channels.b.timestamping", "off")
	v.SetDefault("channels.a.recv_buffer_bytes", 64<<20)
	v.SetDefault("channels.b.recv_buffer_bytes", 64<<20)

	v.SetDefault("merge.initial_expected_seq", 1)
	v.SetDefault("merge.reorder_window", 1024)
	v.SetDefault("merge.max_pending_packets", 1024)
	v.SetDefault("merge.dwell_ns", 2_000_000)

	v.SetDefault("book.max_depth", 10)
	v.SetDefault("book.snapshot_interval_ms", 1000)
	v.SetDefault("book.slab_capacity", 1<<16)

	v.SetDefault("bus.replay_depth", 65536)
	v.SetDefault("bus.subscriber_ring", 1024)
	v.SetDefault("bus.heartbeat_ms", 1000)

	v.SetDefault("cpu.a_rx_core", -1)
	v.SetDefault("cpu.b_rx_core", -1)
	v.SetDefault("cpu.merge_core", -1)
	v.SetDefault("cpu.decode_core", -1)

	v.SetDefault("transports.nats.subject_prefix", "obo")
	v.SetDefault("transports.kafka.topic", "obo-frames")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.General.MaxPacketSize < 512 || c.General.MaxPacketSize > 65535 {
		return fmt.Errorf("config: general.max_packet_size must be in [512, 65535], got %d", c.General.MaxPacketSize)
	}
	if c.General.PoolSize <= 0 {
		return fmt.Errorf("config: general.pool_size must be > 0")
	}
	switch c.Sequence.Length {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("config: sequence.length must be 1, 2, 4 or 8, got %d", c.Sequence.Length)
	}
	if c.Sequence.Endian != "be" && c.Sequence.Endian != "le" {
		return fmt.Errorf("config: sequence.endian must be be|le, got %q", c.Sequence.Endian)
	}
	switch c.Parser.Kind {
	case "fixed_binary", "itch50", "fast_like":
	default:
		return fmt.Errorf("config: parser.kind must be fixed_binary|itch50|fast_like, got %q", c.Parser.Kind)
	}
	for name, ch := range map[string]Channel{"a": c.Channels.A, "b": c.Channels.B} {
		ip := net.ParseIP(ch.Group)
		if ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("config: channels.%s.group must be a multicast address, got %q", name, ch.Group)
		}
		if ch.Port <= 0 || ch.Port > 65535 {
			return fmt.Errorf("config: channels.%s.port out of range: %d", name, ch.Port)
		}
	}
	if c.Merge.ReorderWindow == 0 {
		return fmt.Errorf("config: merge.reorder_window must be > 0")
	}
	if c.Merge.ReorderWindow&(c.Merge.ReorderWindow-1) != 0 {
		return fmt.Errorf("config: merge.reorder_window must be a power of two, got %d", c.Merge.ReorderWindow)
	}
	if c.Book.MaxDepth <= 0 {
		return fmt.Errorf("config: book.max_depth must be > 0")
	}
	if c.Book.SnapshotIntervalMs <= 0 {
		return fmt.Errorf("config: book.snapshot_interval_ms must be > 0")
	}
	if c.Snapshot.EnableWriter && strings.TrimSpace(c.Snapshot.Path) == "" {
		return fmt.Errorf("config: snapshot.path must be set when snapshot.enable_writer is true")
	}
	if c.Recovery.EnableInjector {
		if !strings.Contains(c.Recovery.Endpoint, ":") {
			return fmt.Errorf("config: recovery.endpoint must be host:port when the injector is enabled")
		}
	}
	if c.Transports.Kafka.Enabled && len(c.Transports.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: transports.kafka.brokers must be set when kafka is enabled")
	}
	return nil
}
