// Package zmqpub publishes OBO frames on a ZeroMQ PUB socket. Subscribers
// filter with an 8-byte big-endian instrument-id topic; the frame bytes
// follow as the second message part.
package zmqpub

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/luxfi/log"
	zmq "github.com/pebbe/zmq4"

	"github.com/Numi2/Numi-orderbook/pkg/bus"
	"github.com/Numi2/Numi-orderbook/pkg/obo"
)

// Publisher pumps one bus subscription into a PUB socket.
type Publisher struct {
	bind   string
	bus    *bus.Bus
	logger log.Logger
}

// New builds the publisher.
func New(bind string, b *bus.Bus, logger log.Logger) *Publisher {
	return &Publisher{bind: bind, bus: b, logger: logger}
}

// Run binds the socket and pumps frames until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return fmt.Errorf("zmqpub: socket: %w", err)
	}
	defer sock.Close()
	if err := sock.Bind(p.bind); err != nil {
		return fmt.Errorf("zmqpub: bind %s: %w", p.bind, err)
	}
	p.logger.Info("zmq pub listening", "bind", p.bind)

	sub := p.bus.Subscribe(bus.SubscribeOptions{})
	defer sub.Close()

	var topic [8]byte
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
			binary.BigEndian.PutUint64(topic[:], hdr.InstrumentID)
			if _, err := sock.SendBytes(topic[:], zmq.SNDMORE); err != nil {
				p.logger.Error("zmq send topic failed", "error", err)
				continue
			}
			if _, err := sock.SendBytes(frame, 0); err != nil {
				p.logger.Error("zmq send frame failed", "error", err)
			}
		}
	}
}
