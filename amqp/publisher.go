package amqp

import (
	"context"
	"github.com/jt05610/echemlab/events"
	"go.uber.org/zap"
	"time"
)

// Publisher forwards engine events to a topic exchange.
type Publisher struct {
	logger   *zap.Logger
	ch       Channel
	exchange string
	device   string
	timeout  time.Duration
	// skip holds event types that are not forwarded.
	skip map[events.Type]bool
}

func NewPublisher(logger *zap.Logger, ch Channel, exchange, device string) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := declareExchange(ch, exchange); err != nil {
		return nil, err
	}
	return &Publisher{
		logger:   logger,
		ch:       ch,
		exchange: exchange,
		device:   device,
		timeout:  5 * time.Second,
		skip:     make(map[events.Type]bool),
	}, nil
}

// Skip stops forwarding the given types, typically step_progress on slow
// links.
func (p *Publisher) Skip(types ...events.Type) {
	for _, t := range types {
		p.skip[t] = true
	}
}

func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	msg, err := Flush(ev)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx,
		p.exchange,
		routingKey(p.device, topicEvents, string(ev.Type)),
		false,
		false,
		msg,
	)
}

// Attach forwards every event from bus until the returned function is
// called. Publish failures are logged and do not reach the engine.
func (p *Publisher) Attach(bus *events.Bus) func() {
	return bus.Subscribe(func(ev events.Event) {
		if p.skip[ev.Type] {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Publish(ctx, ev); err != nil {
			p.logger.Warn("publish event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	})
}
