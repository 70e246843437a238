package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/engine"
	"github.com/jt05610/echemlab/events"
	"github.com/jt05610/echemlab/program"
	amqp "github.com/rabbitmq/amqp091-go"
	"sync"
	"testing"
	"time"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu        sync.Mutex
	exchanges []string
	bindings  []string
	pub       []published
	deliver   chan amqp.Delivery
	failPub   error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliver: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeChannel) QueueDeclare(string, bool, bool, bool, bool, amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "q1"}, nil
}

func (f *fakeChannel) QueueBind(_, key, _ string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, key)
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliver, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub != nil {
		return f.failPub
	}
	f.pub = append(f.pub, published{exchange, key, msg})
	return nil
}

func (f *fakeChannel) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.pub...)
}

func TestLoadCommand(t *testing.T) {
	cases := []struct {
		key  string
		name string
		err  bool
	}{
		{"cell1.commands.start", "start", false},
		{"cell1.events.start", "", true},
		{"cell1.start", "", true},
	}
	for _, c := range cases {
		cmd, err := LoadCommand(amqp.Delivery{RoutingKey: c.key, Headers: amqp.Table{"x-command-id": "abc"}})
		if (err != nil) != c.err {
			t.Fatalf("%s: unexpected error %v", c.key, err)
		}
		if err == nil && (cmd.Name != c.name || cmd.To != "cell1" || cmd.ID != "abc") {
			t.Fatalf("%s: unexpected command %+v", c.key, cmd)
		}
	}
}

func TestFlush_LoadEvent(t *testing.T) {
	ev := events.Event{Type: events.StepStarted, RunID: "r1", Time: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Data: map[string]any{"index": 2.0}}
	msg, err := Flush(ev)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Headers["x-event-name"] != "step_started" || msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("unexpected publishing %+v", msg)
	}
	from, got, err := LoadEvent(amqp.Delivery{RoutingKey: "cell1.events.step_started", Body: msg.Body})
	if err != nil {
		t.Fatal(err)
	}
	if from != "cell1" || got.Type != ev.Type || got.RunID != "r1" || got.Data["index"] != 2.0 || !got.Time.Equal(ev.Time) {
		t.Fatalf("unexpected event %+v from %s", got, from)
	}
}

func TestPublisher_Attach(t *testing.T) {
	ch := newFakeChannel()
	p, err := NewPublisher(nil, ch, "lab", "cell1")
	if err != nil {
		t.Fatal(err)
	}
	p.Skip(events.StepProgress)
	bus := events.NewBus(nil, 16)
	p.Attach(bus)
	bus.Publish(events.Event{Type: events.ExperimentStarted, RunID: "r"})
	bus.Publish(events.Event{Type: events.StepProgress, RunID: "r"})
	bus.Publish(events.Event{Type: events.ExperimentCompleted, RunID: "r"})
	bus.Close()

	got := ch.published()
	if len(got) != 2 {
		t.Fatalf("expected 2 publishings, got %d", len(got))
	}
	want := []string{"cell1.events.experiment_started", "cell1.events.experiment_completed"}
	for i, w := range want {
		if got[i].key != w || got[i].exchange != "lab" {
			t.Fatalf("publishing %d: got %s on %s", i, got[i].key, got[i].exchange)
		}
	}
}

func TestPublisher_FailureIsLogged(t *testing.T) {
	ch := newFakeChannel()
	ch.failPub = errors.New("channel closed")
	p, err := NewPublisher(nil, ch, "lab", "cell1")
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus(nil, 4)
	p.Attach(bus)
	bus.Publish(events.Event{Type: events.ExperimentStarted})
	bus.Close()
}

type fakeController struct {
	calls  []string
	combo  bool
	prog   *program.Program
	failOn string
}

func (f *fakeController) call(name string) error {
	f.calls = append(f.calls, name)
	if name == f.failOn {
		return engine.ErrNotRunning
	}
	return nil
}

func (f *fakeController) Load(p *program.Program) error { f.prog = p; return f.call("load") }
func (f *fakeController) Start(combo bool) error        { f.combo = combo; return f.call("start") }
func (f *fakeController) Stop() error                   { return f.call("stop") }
func (f *fakeController) Pause() error                  { return f.call("pause") }
func (f *fakeController) Resume() error                 { return f.call("resume") }
func (f *fakeController) NextCombo() error              { return f.call("next_combo") }
func (f *fakeController) ResetCombo() error             { return f.call("reset_combo") }
func (f *fakeController) EmergencyStop() error          { return f.call("emergency_stop") }
func (f *fakeController) Status() engine.Status         { return engine.Status{State: engine.Running} }

func TestServer_Handle(t *testing.T) {
	ctrl := &fakeController{failOn: "resume"}
	s := NewServer(nil, newFakeChannel(), "lab", "cell1", ctrl)

	r := s.Handle(Command{Name: "load", Body: []byte(`{"name": "remote", "steps": [{"step_type": "blank", "wait_time": 1}]}`)})
	if !r.OK || ctrl.prog == nil || ctrl.prog.Name != "remote" {
		t.Fatalf("load: %+v", r)
	}
	r = s.Handle(Command{Name: "start", ID: "42", Body: []byte(`{"combo": true}`)})
	if !r.OK || !ctrl.combo || r.ID != "42" || r.Status.State != engine.Running {
		t.Fatalf("start: %+v", r)
	}
	r = s.Handle(Command{Name: "resume"})
	if r.OK || r.Error == "" {
		t.Fatalf("resume: %+v", r)
	}
	r = s.Handle(Command{Name: "launch"})
	if r.OK {
		t.Fatal("unknown command accepted")
	}
	r = s.Handle(Command{Name: "load", Body: []byte(`{`)})
	if r.OK {
		t.Fatal("bad program accepted")
	}
	for _, name := range []string{"stop", "pause", "next_combo", "reset_combo", "emergency_stop", "status"} {
		if r := s.Handle(Command{Name: name}); !r.OK {
			t.Fatalf("%s: %+v", name, r)
		}
	}
}

func TestServer_Listen(t *testing.T) {
	ch := newFakeChannel()
	ctrl := &fakeController{}
	s := NewServer(nil, ch, "lab", "cell1", ctrl)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Listen(ctx)
	}()
	ch.deliver <- amqp.Delivery{RoutingKey: "cell1.commands.pause", Headers: amqp.Table{"x-command-id": "7"}}
	ch.deliver <- amqp.Delivery{RoutingKey: "garbage"}
	ch.deliver <- amqp.Delivery{RoutingKey: "cell1.commands.stop"}

	deadline := time.Now().Add(2 * time.Second)
	for len(ch.published()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	got := ch.published()
	if len(got) != 2 || got[0].key != "cell1.state.current" {
		t.Fatalf("unexpected replies %+v", got)
	}
	var r Reply
	if err := json.Unmarshal(got[0].msg.Body, &r); err != nil {
		t.Fatal(err)
	}
	if r.Command != "pause" || r.ID != "7" || !r.OK || r.Status.State != engine.Running {
		t.Fatalf("unexpected reply %+v", r)
	}
	if len(ch.bindings) != 1 || ch.bindings[0] != "cell1.commands.*" {
		t.Fatalf("unexpected bindings %v", ch.bindings)
	}
}

func TestClient(t *testing.T) {
	ch := newFakeChannel()
	c, err := NewClient(nil, ch, "lab")
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.Send(context.Background(), "cell1", "start", []byte(`{"combo": false}`))
	if err != nil || id == "" {
		t.Fatalf("send: %q %v", id, err)
	}
	pub := ch.published()
	if len(pub) != 1 || pub[0].key != "cell1.commands.start" || pub[0].msg.Headers["x-command-id"] != id {
		t.Fatalf("unexpected publishing %+v", pub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := c.Follow(ctx, "cell1")
	if err != nil {
		t.Fatal(err)
	}
	evMsg, _ := Flush(events.Event{Type: events.ExperimentStarted, RunID: "r"})
	ch.deliver <- amqp.Delivery{RoutingKey: "cell1.events.experiment_started", Body: evMsg.Body}
	reply, _ := json.Marshal(Reply{Command: "start", ID: id, OK: true, Status: engine.Status{State: engine.Running}})
	ch.deliver <- amqp.Delivery{RoutingKey: "cell1.state.current", Body: reply}

	m := <-msgs
	if m.Event == nil || m.Event.Type != events.ExperimentStarted || m.From != "cell1" {
		t.Fatalf("unexpected message %+v", m)
	}
	m = <-msgs
	if m.Reply == nil || m.Reply.ID != id || m.Reply.Status.State != engine.Running {
		t.Fatalf("unexpected reply %+v", m)
	}
	if _, err := LoadCommand(amqp.Delivery{RoutingKey: "cell1.events.x"}); !errors.Is(err, echemlab.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
