package broadcast

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishDeliversInOrder(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("sub-1", ChannelJobs, 10)

	b.Publish(ChannelJobs, "first")
	b.Publish(ChannelJobs, "second")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Payload != "first" {
		t.Errorf("got %v, want first", ev.Payload)
	}

	ev, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Payload != "second" {
		t.Errorf("got %v, want second", ev.Payload)
	}
}

func TestBus_PublishIgnoresOtherChannels(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("sub-1", ChannelJobs, 10)
	b.Publish(ChannelNotes, "ignored")
	b.Publish(ChannelJobs, "seen")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Payload != "seen" {
		t.Errorf("got %v, want seen", ev.Payload)
	}
}

func TestBus_OverflowDropsOldestAndEmitsLag(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("sub-1", ChannelJobs, 2)

	b.Publish(ChannelJobs, 1)
	b.Publish(ChannelJobs, 2)
	b.Publish(ChannelJobs, 3) // drops 1

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	lag, ok := ev.Payload.(LagEvent)
	if !ok {
		t.Fatalf("expected LagEvent first, got %#v", ev.Payload)
	}
	if lag.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", lag.Dropped)
	}

	ev, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Payload != 2 {
		t.Errorf("got %v, want 2", ev.Payload)
	}

	ev, err = sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Payload != 3 {
		t.Errorf("got %v, want 3", ev.Payload)
	}
}

func TestBus_PublishNeverBlocksOnSlowConsumer(t *testing.T) {
	b := NewBus()
	b.Subscribe("slow", ChannelJobs, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(ChannelJobs, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow consumer")
	}
}

func TestBus_UnsubscribeEndsNext(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("sub-1", ChannelJobs, 10)
	b.Unsubscribe("sub-1", ChannelJobs)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	if err != ErrUnsubscribed {
		t.Errorf("got %v, want ErrUnsubscribed", err)
	}
}

func TestBus_NextRespectsContextCancellation(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("sub-1", ChannelJobs, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	if err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}
