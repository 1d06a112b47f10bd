package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicLoopStep)
	defer b.Unsubscribe(sub)

	b.Publish(TopicLoopStep, LoopStepEvent{SessionID: "s1", Iteration: 1, State: "thinking"})

	select {
	case ev := <-sub.Ch():
		step, ok := ev.Payload.(LoopStepEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if step.SessionID != "s1" || step.Iteration != 1 {
			t.Fatalf("unexpected event: %+v", step)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	loopSub := b.Subscribe("loop.")
	guardSub := b.Subscribe("guard.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(loopSub)
	defer b.Unsubscribe(guardSub)
	defer b.Unsubscribe(allSub)

	b.Publish(TopicGuardRejected, GuardEvent{Skill: "x"})

	select {
	case <-guardSub.Ch():
	case <-time.After(time.Second):
		t.Fatal("guard subscriber missed guard event")
	}
	select {
	case <-allSub.Ch():
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber missed event")
	}
	select {
	case ev := <-loopSub.Ch():
		t.Fatalf("loop subscriber received %q", ev.Topic)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	if _, open := <-sub.Ch(); open {
		t.Fatal("channel still open after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestSlowConsumerDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicLoopStep, LoopStepEvent{Iteration: i})
	}
	// The publisher must not block; buffered events remain readable.
	n := 0
	for {
		select {
		case <-sub.Ch():
			n++
		default:
			if n != defaultBufferSize {
				t.Fatalf("buffered %d events, want %d", n, defaultBufferSize)
			}
			return
		}
	}
}
