package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()

	jobs, unsubJobs := b.Subscribe(4, "job.")
	defer unsubJobs()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: JobFinished, Data: "a"})
	b.Publish(Event{Type: "config.reloaded"})

	select {
	case e := <-jobs:
		if e.Type != JobFinished {
			t.Fatalf("type = %q, want %q", e.Type, JobFinished)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Publish to stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("job subscriber got nothing")
	}
	select {
	case e := <-jobs:
		t.Fatalf("unexpected event for job subscriber: %q", e.Type)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber buffered %d events, want 2", len(all))
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobStarted})

	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: JobFailed})
}
