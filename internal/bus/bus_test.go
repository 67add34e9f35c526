package bus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Envelope) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestPublishExactMatch(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("job.task_completed")
	defer unsub()

	b.Publish("job.task_completed", "payload-1")
	env := recv(t, ch)
	if env.Topic != "job.task_completed" || env.Payload != "payload-1" {
		t.Fatalf("got %+v", env)
	}
}

func TestPublishWildcardSegment(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("terminal.*")
	defer unsub()

	b.Publish("terminal.stdout", "a")
	b.Publish("terminal.stderr", "b")
	b.Publish("job.task_completed", "c") // must not match

	first := recv(t, ch)
	second := recv(t, ch)
	got := map[string]bool{first.Topic: true, second.Topic: true}
	if !got["terminal.stdout"] || !got["terminal.stderr"] {
		t.Fatalf("wildcard subscription missed events: %v", got)
	}

	select {
	case env := <-ch:
		t.Fatalf("unexpected delivery for unmatched topic: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishGreaterThanPrefix(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("terminal.>")
	defer unsub()

	b.Publish("terminal.stdout", "a")
	env := recv(t, ch)
	if env.Topic != "terminal.stdout" {
		t.Fatalf("got %+v", env)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("job.*")
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestTapReceivesEverything(t *testing.T) {
	b := New()
	tap := b.NewTap()

	b.Publish("job.task_completed", 1)
	b.Publish("terminal.stdout", 2)

	first := recv(t, tap)
	second := recv(t, tap)
	if first.Payload != 1 || second.Payload != 2 {
		t.Fatalf("tap missed events: %+v %+v", first, second)
	}
}

func TestPublishNonBlockingOnFullSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("job.*")
	defer unsub()

	// Fill the subscriber buffer, then publish one more — must not block.
	for i := 0; i < subscriberBufSize+5; i++ {
		b.Publish("job.x", i)
	}

	// Drain what made it through; the exact count depends on buffer size but
	// must not exceed subscriberBufSize messages in flight.
	drained := 0
loop:
	for {
		select {
		case <-ch:
			drained++
		default:
			break loop
		}
	}
	if drained > subscriberBufSize {
		t.Fatalf("drained %d, want <= %d", drained, subscriberBufSize)
	}
}
