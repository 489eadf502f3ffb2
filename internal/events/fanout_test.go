package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFanOut_PublishStampsEvents(t *testing.T) {
	f := NewFanOut("sess-1")
	f.now = func() time.Time { return time.UnixMilli(1700000000000) }
	sub := f.SubscribeMailbox(8)

	f.Publish(Event{Type: TurnStart})
	f.Publish(Event{Type: TurnEnd})

	first := <-sub.Events()
	second := <-sub.Events()

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("Seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if first.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want %q", first.SessionID, "sess-1")
	}
	if first.Timestamp != 1700000000000 {
		t.Errorf("Timestamp = %d, want 1700000000000", first.Timestamp)
	}
	if first.Type != TurnStart || second.Type != TurnEnd {
		t.Errorf("types = %s, %s, want turn_start, turn_end", first.Type, second.Type)
	}
}

func TestMailboxSub_ReceivesInOrder(t *testing.T) {
	f := NewFanOut("sess-1")
	sub := f.SubscribeMailbox(16)

	types := []Type{AgentStart, TurnStart, MessageStart, MessageEnd, TurnEnd, AgentEnd}
	for _, typ := range types {
		f.Publish(Event{Type: typ})
	}

	for i, want := range types {
		got := <-sub.Events()
		if got.Type != want {
			t.Fatalf("event %d: Type = %s, want %s", i, got.Type, want)
		}
		if got.Seq != uint64(i+1) {
			t.Fatalf("event %d: Seq = %d, want %d", i, got.Seq, i+1)
		}
	}
}

func TestMailboxSub_DropsWhenFull(t *testing.T) {
	f := NewFanOut("sess-1")
	sub := f.SubscribeMailbox(2)

	for i := 0; i < 5; i++ {
		f.Publish(Event{Type: MessageUpdate})
	}

	if got := sub.DroppedEvents(); got != 3 {
		t.Errorf("DroppedEvents = %d, want 3", got)
	}

	// The first two publishes landed before saturation.
	first := <-sub.Events()
	second := <-sub.Events()
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("kept Seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	select {
	case e := <-sub.Events():
		t.Errorf("unexpected extra event with Seq %d", e.Seq)
	default:
	}
}

func TestMailboxSub_PublishNeverBlocks(t *testing.T) {
	f := NewFanOut("sess-1")
	f.SubscribeMailbox(1)
	f.Publish(Event{Type: TurnStart})

	done := make(chan struct{})
	go func() {
		f.Publish(Event{Type: TurnEnd})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Publish blocked on a saturated mailbox")
	}
}

func TestMailboxSub_SaturationDoesNotAffectOthers(t *testing.T) {
	f := NewFanOut("sess-1")
	slow := f.SubscribeMailbox(1)
	fast := f.SubscribeMailbox(16)

	for i := 0; i < 4; i++ {
		f.Publish(Event{Type: MessageUpdate})
	}

	if got := slow.DroppedEvents(); got != 3 {
		t.Errorf("slow DroppedEvents = %d, want 3", got)
	}
	if got := fast.DroppedEvents(); got != 0 {
		t.Errorf("fast DroppedEvents = %d, want 0", got)
	}
	for i := 1; i <= 4; i++ {
		e := <-fast.Events()
		if e.Seq != uint64(i) {
			t.Fatalf("fast event Seq = %d, want %d", e.Seq, i)
		}
	}
}

func TestStreamSub_NextPullsInOrder(t *testing.T) {
	f := NewFanOut("sess-1")
	sub := f.SubscribeStream(16)

	f.Publish(Event{Type: AgentStart})
	f.Publish(Event{Type: TurnStart})
	f.Publish(Event{Type: TurnEnd})

	ctx := context.Background()
	for i, want := range []Type{AgentStart, TurnStart, TurnEnd} {
		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if e.Type != want {
			t.Fatalf("event %d: Type = %s, want %s", i, e.Type, want)
		}
	}
}

func TestStreamSub_DropOldestOnOverflow(t *testing.T) {
	f := NewFanOut("sess-1")
	sub := f.SubscribeStream(3)

	for i := 0; i < 5; i++ {
		f.Publish(Event{Type: MessageUpdate})
	}

	if got := sub.Overflow(); got != 2 {
		t.Errorf("Overflow = %d, want 2", got)
	}

	// Oldest two were discarded; the queue holds the newest three.
	ctx := context.Background()
	for _, wantSeq := range []uint64{3, 4, 5} {
		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if e.Seq != wantSeq {
			t.Fatalf("Seq = %d, want %d", e.Seq, wantSeq)
		}
	}
	if _, ok := sub.TryNext(); ok {
		t.Error("queue should be drained")
	}
}

func TestStreamSub_NextWaitsForPublish(t *testing.T) {
	f := NewFanOut("sess-1")
	sub := f.SubscribeStream(4)

	got := make(chan Event, 1)
	go func() {
		e, err := sub.Next(context.Background())
		if err != nil {
			t.Errorf("Next: %v", err)
			return
		}
		got <- e
	}()

	time.Sleep(20 * time.Millisecond)
	f.Publish(Event{Type: AgentEnd})

	select {
	case e := <-got:
		if e.Type != AgentEnd {
			t.Errorf("Type = %s, want agent_end", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not observe the publish")
	}
}

func TestStreamSub_NextHonorsContext(t *testing.T) {
	f := NewFanOut("sess-1")
	sub := f.SubscribeStream(4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sub.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStreamSub_DrainsThenCloses(t *testing.T) {
	f := NewFanOut("sess-1")
	sub := f.SubscribeStream(4)

	f.Publish(Event{Type: TurnStart})
	f.Publish(Event{Type: TurnEnd})
	f.Unsubscribe(sub.ID())

	ctx := context.Background()
	for _, want := range []Type{TurnStart, TurnEnd} {
		e, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if e.Type != want {
			t.Fatalf("Type = %s, want %s", e.Type, want)
		}
	}
	if _, err := sub.Next(ctx); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("err = %v, want ErrSubscriptionClosed", err)
	}
}

func TestFanOut_UnsubscribeStopsDelivery(t *testing.T) {
	f := NewFanOut("sess-1")
	sub := f.SubscribeMailbox(8)
	f.Unsubscribe(sub.ID())

	f.Publish(Event{Type: TurnStart})

	if e, ok := <-sub.Events(); ok {
		t.Errorf("unexpected delivery after unsubscribe: %+v", e)
	}
	if got := f.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestFanOut_UnsubscribeIdempotent(t *testing.T) {
	f := NewFanOut("sess-1")
	sub := f.SubscribeMailbox(8)

	f.Unsubscribe(sub.ID())
	f.Unsubscribe(sub.ID())
	f.Unsubscribe("no-such-handle")
}

func TestFanOut_SubscribersSeeSameOrder(t *testing.T) {
	f := NewFanOut("sess-1")
	mailbox := f.SubscribeMailbox(64)
	stream := f.SubscribeStream(64)

	for i := 0; i < 20; i++ {
		f.Publish(Event{Type: MessageUpdate})
	}

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		m := <-mailbox.Events()
		s, err := stream.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if m.Seq != s.Seq {
			t.Fatalf("event %d: mailbox Seq %d != stream Seq %d", i, m.Seq, s.Seq)
		}
	}
}

func TestFanOut_Close(t *testing.T) {
	f := NewFanOut("sess-1")
	mailbox := f.SubscribeMailbox(8)
	stream := f.SubscribeStream(8)

	f.Close()
	f.Close()

	if _, ok := <-mailbox.Events(); ok {
		t.Error("mailbox channel should be closed")
	}
	if _, err := stream.Next(context.Background()); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("err = %v, want ErrSubscriptionClosed", err)
	}

	f.Publish(Event{Type: TurnStart})

	late := f.SubscribeMailbox(8)
	if _, ok := <-late.Events(); ok {
		t.Error("subscription after Close should be closed immediately")
	}
}
