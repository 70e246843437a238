package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/engine"
	"github.com/jt05610/echemlab/program"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Controller is the engine surface reachable by remote commands.
type Controller interface {
	Load(p *program.Program) error
	Start(combo bool) error
	Stop() error
	Pause() error
	Resume() error
	NextCombo() error
	ResetCombo() error
	EmergencyStop() error
	Status() engine.Status
}

// Reply is published to <device>.state.current after every command.
type Reply struct {
	Command string        `json:"command"`
	ID      string        `json:"id,omitempty"`
	OK      bool          `json:"ok"`
	Error   string        `json:"error,omitempty"`
	Status  engine.Status `json:"status"`
}

type startBody struct {
	Combo bool `json:"combo"`
}

// Server consumes commands addressed to one device and drives a Controller.
type Server struct {
	logger   *zap.Logger
	ch       Channel
	ctrl     Controller
	exchange string
	device   string
}

func NewServer(logger *zap.Logger, ch Channel, exchange, device string, ctrl Controller) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, ch: ch, ctrl: ctrl, exchange: exchange, device: device}
}

func (s *Server) handlers() map[string]func(body []byte) error {
	return map[string]func([]byte) error{
		"load": func(body []byte) error {
			p, err := program.Parse(body)
			if err != nil {
				return fmt.Errorf("%w: %w", echemlab.ErrValidation, err)
			}
			return s.ctrl.Load(p)
		},
		"start": func(body []byte) error {
			var b startBody
			if len(body) > 0 {
				if err := json.Unmarshal(body, &b); err != nil {
					return fmt.Errorf("%w: %w", echemlab.ErrValidation, err)
				}
			}
			return s.ctrl.Start(b.Combo)
		},
		"stop":           func([]byte) error { return s.ctrl.Stop() },
		"pause":          func([]byte) error { return s.ctrl.Pause() },
		"resume":         func([]byte) error { return s.ctrl.Resume() },
		"next_combo":     func([]byte) error { return s.ctrl.NextCombo() },
		"reset_combo":    func([]byte) error { return s.ctrl.ResetCombo() },
		"emergency_stop": func([]byte) error { return s.ctrl.EmergencyStop() },
		"status":         func([]byte) error { return nil },
	}
}

// Handle runs one command and builds its reply.
func (s *Server) Handle(cmd Command) Reply {
	r := Reply{Command: cmd.Name, ID: cmd.ID}
	h, ok := s.handlers()[cmd.Name]
	var err error
	if ok {
		err = h(cmd.Body)
	} else {
		err = fmt.Errorf("%w: unknown command %q", echemlab.ErrValidation, cmd.Name)
	}
	if err != nil {
		r.Error = err.Error()
		s.logger.Warn("remote command failed", zap.String("command", cmd.Name), zap.Error(err))
	} else {
		r.OK = true
		s.logger.Info("remote command", zap.String("command", cmd.Name))
	}
	r.Status = s.ctrl.Status()
	return r
}

func (s *Server) reply(ctx context.Context, r Reply) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, s.exchange, routingKey(s.device, topicState, "current"), false, false, amqp.Publishing{
		Body:        body,
		ContentType: "application/json",
		Headers:     amqp.Table{"x-command-id": r.ID},
	})
}

// Listen binds a private queue to the device's command keys and serves
// until ctx ends or the delivery channel closes.
func (s *Server) Listen(ctx context.Context) error {
	if err := declareExchange(s.ch, s.exchange); err != nil {
		return err
	}
	q, err := s.ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return err
	}
	if err := s.ch.QueueBind(q.Name, routingKey(s.device, topicCommands, "*"), s.exchange, false, nil); err != nil {
		return err
	}
	msgs, err := s.ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return err
	}
	s.logger.Info("listening for commands", zap.String("exchange", s.exchange), zap.String("device", s.device))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			cmd, err := LoadCommand(d)
			if err != nil {
				s.logger.Warn("bad command", zap.String("key", d.RoutingKey), zap.Error(err))
				continue
			}
			if err := s.reply(ctx, s.Handle(cmd)); err != nil {
				s.logger.Warn("reply", zap.String("command", cmd.Name), zap.Error(err))
			}
		}
	}
}
