package runtime_test

import (
	"testing"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/runtime"
)

func lines(ch <-chan model.TaskEvent) []string {
	var out []string
	for ev := range ch {
		out = append(out, ev.Line)
	}
	return out
}

func TestEventBrokerDeliversInOrder(t *testing.T) {
	b := runtime.NewEventBroker()
	ch, unsub := b.Subscribe("t1")
	defer unsub()

	want := []string{"submitted", "placed on cpu", "completed"}
	for i, l := range want {
		b.Publish("t1", model.TaskEvent{Seq: i, Line: l})
	}
	b.Close("t1")

	got := lines(ch)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := runtime.NewEventBroker()
	ch1, unsub1 := b.Subscribe("t1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("t1")
	defer unsub2()

	b.Publish("t1", model.TaskEvent{Line: "hello"})
	b.Close("t1")

	for i, ch := range []<-chan model.TaskEvent{ch1, ch2} {
		if got := lines(ch); len(got) != 1 || got[0] != "hello" {
			t.Errorf("subscriber %d got %v, want [hello]", i+1, got)
		}
	}
}

func TestEventBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := runtime.NewEventBroker()
	b.Publish("t1", model.TaskEvent{Line: "early"})
	b.Close("t1")

	ch, unsub := b.Subscribe("t1")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := runtime.NewEventBroker()
	ch, unsub := b.Subscribe("t1")
	unsub()

	b.Publish("t1", model.TaskEvent{Line: "after unsub"})
	b.Close("t1")

	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("got unexpected event %q after unsubscribe", ev.Line)
		}
	default:
	}
}

func TestEventBrokerTopicsAreIsolated(t *testing.T) {
	b := runtime.NewEventBroker()
	ch, unsub := b.Subscribe("t1")
	defer unsub()

	b.Publish("t2", model.TaskEvent{Line: "other"})
	b.Publish("t1", model.TaskEvent{Line: "mine"})
	b.Close("t2")
	b.Close("t1")

	if got := lines(ch); len(got) != 1 || got[0] != "mine" {
		t.Errorf("got %v, want [mine]", got)
	}
}
