package amqp

import (
	"context"
	"encoding/json"
	"github.com/google/uuid"
	"github.com/jt05610/echemlab/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"strings"
)

// Client sends commands to remote devices and follows their events.
type Client struct {
	logger   *zap.Logger
	ch       Channel
	exchange string
}

func NewClient(logger *zap.Logger, ch Channel, exchange string) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := declareExchange(ch, exchange); err != nil {
		return nil, err
	}
	return &Client{logger: logger, ch: ch, exchange: exchange}, nil
}

// Send publishes a command and returns its id, which the device echoes in
// its reply.
func (c *Client) Send(ctx context.Context, device, name string, body []byte) (string, error) {
	cmd := Command{To: device, Name: name, ID: uuid.NewString(), Body: body}
	err := c.ch.PublishWithContext(ctx, c.exchange, cmd.RoutingKey(), false, false, amqp.Publishing{
		Body:         body,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"x-command-id": cmd.ID},
	})
	return cmd.ID, err
}

// Message is one event or reply received from a device.
type Message struct {
	From  string
	Event *events.Event
	Reply *Reply
}

// Follow delivers events and replies from device ("*" for every device)
// until ctx ends.
func (c *Client) Follow(ctx context.Context, device string) (<-chan Message, error) {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{routingKey(device, topicEvents, "*"), routingKey(device, topicState, "current")} {
		if err := c.ch.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return nil, err
		}
	}
	msgs, err := c.ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				m, err := decode(d)
				if err != nil {
					c.logger.Warn("bad message", zap.String("key", d.RoutingKey), zap.Error(err))
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func decode(d amqp.Delivery) (Message, error) {
	sk := strings.Split(d.RoutingKey, ".")
	if len(sk) == 3 && sk[1] == topicEvents {
		from, ev, err := LoadEvent(d)
		return Message{From: from, Event: &ev}, err
	}
	var r Reply
	if err := json.Unmarshal(d.Body, &r); err != nil {
		return Message{}, err
	}
	return Message{From: sk[0], Reply: &r}, nil
}
