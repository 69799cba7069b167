// Package kafkasink journals every OBO frame to a Kafka topic, keyed by
// instrument id so per-instrument ordering survives partitioning. This is
// the analytics tap, not a latency path: writes are batched and async.
package kafkasink

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/luxfi/log"
	"github.com/segmentio/kafka-go"

	"github.com/Numi2/Numi-orderbook/pkg/bus"
	"github.com/Numi2/Numi-orderbook/pkg/obo"
)

// Sink pumps one bus subscription into Kafka.
type Sink struct {
	brokers []string
	topic   string
	bus     *bus.Bus
	logger  log.Logger
}

// New builds the sink.
func New(brokers []string, topic string, b *bus.Bus, logger log.Logger) *Sink {
	return &Sink{brokers: brokers, topic: topic, bus: b, logger: logger}
}

// Run writes frames until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	w := &kafka.Writer{
		Addr:         kafka.TCP(s.brokers...),
		Topic:        s.topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			s.logger.Error("kafka write failed", "detail", msg)
		}),
	}
	defer w.Close()
	s.logger.Info("kafka sink started", "brokers", s.brokers, "topic", s.topic)

	sub := s.bus.Subscribe(bus.SubscribeOptions{})
	defer sub.Close()

	var key [8]byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-sub.C:
			if !ok {
				return nil
			}
			hdr, err := obo.ParseHeader(frame)
			if err != nil {
				continue
			}
			binary.BigEndian.PutUint64(key[:], hdr.InstrumentID)
			msg := kafka.Message{
				Key:   append([]byte(nil), key[:]...),
				Value: frame,
			}
			if err := w.WriteMessages(ctx, msg); err != nil && ctx.Err() == nil {
				s.logger.Error("kafka write failed", "error", err)
			}
		}
	}
}
