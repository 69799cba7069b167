// Package natspub republishes OBO frames to NATS subjects, one subject per
// instrument (<prefix>.<instrument_id>), for consumers that prefer broker
// fan-out over a direct socket.
package natspub

import (
	"context"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/Numi2/Numi-orderbook/pkg/bus"
	"github.com/Numi2/Numi-orderbook/pkg/obo"
)

// Publisher pumps one bus subscription into NATS.
type Publisher struct {
	url    string
	prefix string
	bus    *bus.Bus
	logger log.Logger
}

// New builds the publisher.
func New(url, subjectPrefix string, b *bus.Bus, logger log.Logger) *Publisher {
	if subjectPrefix == "" {
		subjectPrefix = "obo"
	}
	return &Publisher{url: url, prefix: subjectPrefix, bus: b, logger: logger}
}

// Run connects and pumps frames until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	nc, err := nats.Connect(p.url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return fmt.Errorf("natspub: connect %s: %w", p.url, err)
	}
	defer nc.Close()
	p.logger.Info("nats publisher connected", "url", p.url, "prefix", p.prefix)

	sub := p.bus.Subscribe(bus.SubscribeOptions{})
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			nc.Flush()
			return nil
		case frame, ok := <-sub.C:
			if !ok {
				return nil
			}
			hdr, err := obo.ParseHeader(frame)
			if err != nil {
				continue
			}
			subject := fmt.Sprintf("%s.%d", p.prefix, hdr.InstrumentID)
			if err := nc.Publish(subject, frame); err != nil {
				p.logger.Error("nats publish failed", "subject", subject, "error", err)
			}
		}
	}
}
