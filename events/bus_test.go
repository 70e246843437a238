package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_Filter(t *testing.T) {
	b := NewBus(nil, 10)
	var mu sync.Mutex
	var all, steps []Type
	b.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		all = append(all, ev.Type)
	})
	b.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, ev.Type)
	}, StepStarted, StepCompleted)

	b.Publish(Event{Type: ExperimentStarted})
	b.Publish(Event{Type: StepStarted})
	b.Publish(Event{Type: StepProgress})
	b.Publish(Event{Type: StepCompleted})
	b.Close()

	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %v", all)
	}
	if len(steps) != 2 || steps[0] != StepStarted || steps[1] != StepCompleted {
		t.Fatalf("unexpected filtered events %v", steps)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil, 10)
	got := make(chan Event, 10)
	unsub := b.Subscribe(func(ev Event) { got <- ev })
	b.Publish(Event{Type: StateChanged})
	<-got
	unsub()
	b.Publish(Event{Type: StateChanged})
	select {
	case ev := <-got:
		t.Fatalf("event after unsubscribe: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
	b.Close()
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := NewBus(nil, 1)
	release := make(chan struct{})
	b.Subscribe(func(Event) { <-release })
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: StepProgress})
	}
	if b.Dropped() == 0 {
		t.Fatal("expected drops with a blocked subscriber")
	}
	close(release)
	b.Close()
}

func TestBus_KeepsLifecycleEventsWhenFull(t *testing.T) {
	b := NewBus(nil, 4)
	release := make(chan struct{})
	var mu sync.Mutex
	var got []Type
	b.Subscribe(func(ev Event) {
		<-release
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
	})
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: StepProgress})
	}
	progressDrops := b.Dropped()
	if progressDrops < 5 {
		t.Fatalf("expected at least 5 progress drops, got %d", progressDrops)
	}
	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	start := time.Now()
	b.Publish(Event{Type: ExperimentError})
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("publish did not wait for room")
	}
	b.Close()

	if b.Dropped() != progressDrops {
		t.Fatalf("error event dropped: %d drops", b.Dropped())
	}
	if len(got) == 0 || got[len(got)-1] != ExperimentError {
		t.Fatalf("error event not delivered last: %v", got)
	}
}

func TestBus_SendTimeout(t *testing.T) {
	b := NewBus(nil, 1)
	b.SetSendTimeout(30 * time.Millisecond)
	release := make(chan struct{})
	b.Subscribe(func(Event) { <-release })
	b.Publish(Event{Type: StepStarted})
	b.Publish(Event{Type: StepStarted})
	start := time.Now()
	b.Publish(Event{Type: ExperimentStopped})
	if time.Since(start) > time.Second {
		t.Fatal("publish blocked past the send timeout")
	}
	if b.Dropped() == 0 {
		t.Fatal("expected the stalled send to be dropped")
	}
	close(release)
	b.Close()
}

func TestBus_RecoversPanic(t *testing.T) {
	b := NewBus(nil, 10)
	got := make(chan struct{}, 2)
	b.Subscribe(func(ev Event) {
		if ev.Type == ExperimentError {
			panic("boom")
		}
		got <- struct{}{}
	})
	b.Publish(Event{Type: ExperimentError})
	b.Publish(Event{Type: ExperimentCompleted})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("subscriber stopped after panic")
	}
	b.Close()
	if !ExperimentStopped.Terminal() || StepCompleted.Terminal() {
		t.Fatal("terminal classification")
	}
	if !EchemData.Droppable() || ExperimentError.Droppable() || ComboAdvanced.Droppable() {
		t.Fatal("droppable classification")
	}
}
