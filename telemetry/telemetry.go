// Package telemetry mirrors pump and engine state to an MQTT broker as
// retained JSON messages.
package telemetry

import (
	"encoding/json"
	"fmt"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jt05610/echemlab/events"
	"github.com/jt05610/echemlab/pump"
	"go.uber.org/zap"
	"sync"
	"time"
)

const publishTimeout = 5 * time.Second

// Client is the part of mqtt.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// StateSource is the part of the pump manager the publisher listens to.
type StateSource interface {
	OnState(fn func(pump.State)) (remove func())
}

type Publisher struct {
	logger *zap.Logger
	client Client
	prefix string

	mu   sync.Mutex
	last map[byte]pump.State
}

func New(logger *zap.Logger, client Client, prefix string) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "echemlab"
	}
	return &Publisher{logger: logger, client: client, prefix: prefix, last: make(map[byte]pump.State)}
}

func (p *Publisher) PumpTopic(addr byte) string {
	return fmt.Sprintf("%s/pumps/%d/state", p.prefix, addr)
}

func (p *Publisher) StatusTopic() string {
	return p.prefix + "/status"
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tok := p.client.Publish(topic, 1, retained, body)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return tok.Error()
}

// same ignores the fields that change on every poll.
func same(a, b pump.State) bool {
	a.LastSeen, b.LastSeen = time.Time{}, time.Time{}
	a.LastCommand, b.LastCommand = "", ""
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

// PublishPump publishes st when it differs from the last published state of
// the same pump.
func (p *Publisher) PublishPump(st pump.State) error {
	p.mu.Lock()
	prev, ok := p.last[st.Address]
	if ok && same(prev, st) {
		p.mu.Unlock()
		return nil
	}
	p.last[st.Address] = st
	p.mu.Unlock()
	return p.publish(p.PumpTopic(st.Address), true, st)
}

// PublishEvent mirrors engine state changes (retained) and progress.
func (p *Publisher) PublishEvent(ev events.Event) error {
	switch ev.Type {
	case events.StateChanged:
		return p.publish(p.prefix+"/engine/state", true, ev)
	case events.StepProgress:
		return p.publish(p.prefix+"/engine/progress", false, ev)
	}
	return nil
}

// Attach publishes pump snapshots from pumps and engine events from bus;
// either may be nil.
func (p *Publisher) Attach(pumps StateSource, bus *events.Bus) func() {
	var undo []func()
	if pumps != nil {
		undo = append(undo, pumps.OnState(func(st pump.State) {
			if err := p.PublishPump(st); err != nil {
				p.logger.Warn("publish pump state", zap.Uint8("addr", st.Address), zap.Error(err))
			}
		}))
	}
	if bus != nil {
		undo = append(undo, bus.Subscribe(func(ev events.Event) {
			if err := p.PublishEvent(ev); err != nil {
				p.logger.Warn("publish engine event", zap.String("type", string(ev.Type)), zap.Error(err))
			}
		}, events.StateChanged, events.StepProgress))
	}
	return func() {
		for _, fn := range undo {
			fn()
		}
	}
}

// Dial connects to broker with auto reconnect and an "offline" will on the
// status topic; "online" is published on every connect.
func Dial(logger *zap.Logger, broker, clientID, prefix string) (mqtt.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "echemlab"
	}
	status := prefix + "/status"
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(status, "offline", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", broker))
		if tok := c.Publish(status, 1, true, "online"); tok.Wait() && tok.Error() != nil {
			logger.Warn("publish online status", zap.Error(tok.Error()))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect %s: timeout", broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", broker, err)
	}
	return c, nil
}
