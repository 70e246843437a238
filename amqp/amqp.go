// Package amqp carries engine events and remote commands over RabbitMQ.
// Events are published as <device>.events.<type>, commands arrive as
// <device>.commands.<name> and state replies go out as <device>.state.current.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"strings"
	"time"
)

const (
	topicEvents   = "events"
	topicCommands = "commands"
	topicState    = "state"
)

// Channel is the part of *amqp.Channel the package uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Connection struct {
	*amqp.Connection
	*amqp.Channel
}

func (c *Connection) Close() error {
	if c.Channel != nil {
		if err := c.Channel.Close(); err != nil {
			return err
		}
	}
	return c.Connection.Close()
}

func Dial(uri string) (*Connection, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Connection{conn, ch}, nil
}

func declareExchange(ch Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // delete when unused
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
}

func routingKey(device, topic, name string) string {
	return device + "." + topic + "." + name
}

// Command is a parsed remote command.
type Command struct {
	To   string
	Name string
	ID   string
	Body []byte
}

func (c Command) RoutingKey() string {
	return routingKey(c.To, topicCommands, c.Name)
}

// LoadCommand parses a delivery routed as <device>.commands.<name>.
func LoadCommand(d amqp.Delivery) (Command, error) {
	sk := strings.Split(d.RoutingKey, ".")
	if len(sk) != 3 || sk[1] != topicCommands {
		return Command{}, fmt.Errorf("%w: routing key %q", echemlab.ErrValidation, d.RoutingKey)
	}
	cmd := Command{To: sk[0], Name: sk[2], Body: d.Body}
	if id, ok := d.Headers["x-command-id"].(string); ok {
		cmd.ID = id
	}
	return cmd, nil
}

// Flush encodes ev as a persistent JSON publishing.
func Flush(ev events.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, err
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return amqp.Publishing{
		Body:         body,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ts,
		Headers: amqp.Table{
			"x-event-name": string(ev.Type),
			"x-run-id":     ev.RunID,
		},
	}, nil
}

// LoadEvent decodes a publishing produced by Flush.
func LoadEvent(d amqp.Delivery) (from string, ev events.Event, err error) {
	sk := strings.Split(d.RoutingKey, ".")
	if len(sk) != 3 || sk[1] != topicEvents {
		return "", ev, fmt.Errorf("%w: routing key %q", echemlab.ErrValidation, d.RoutingKey)
	}
	err = json.Unmarshal(d.Body, &ev)
	return sk[0], ev, err
}
