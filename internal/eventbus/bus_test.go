package eventbus

import (
	"testing"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: JobSubmitted, Data: JobEvent{ID: "x"}})

	for _, ch := range []<-chan Event{a, c} {
		ev := <-ch
		if ev.Type != JobSubmitted {
			t.Fatalf("Type = %s, want %s", ev.Type, JobSubmitted)
		}
		if ev.Time.IsZero() {
			t.Fatal("expected Publish to stamp Time")
		}
		if je, ok := ev.Data.(JobEvent); !ok || je.ID != "x" {
			t.Fatalf("unexpected payload %#v", ev.Data)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block

	if ev := <-ch; ev.Type != "a" {
		t.Fatalf("Type = %s, want a", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}
