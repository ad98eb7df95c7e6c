package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribeOrder(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("security.alerts")

	for i := 0; i < 5; i++ {
		b.Publish("security.alerts", i)
	}

	for i := 0; i < 5; i++ {
		select {
		case msg := <-sub.C:
			if msg.Payload != i {
				t.Errorf("message %d payload = %v, want %d", i, msg.Payload, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestBus_MultipleSubscribersEachGetOwnQueue(t *testing.T) {
	b := New(nil)
	subA := b.Subscribe("topic")
	subB := b.Subscribe("topic")

	b.Publish("topic", "hello")

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case msg := <-sub.C:
			if msg.Payload != "hello" {
				t.Errorf("payload = %v, want hello", msg.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestBus_BackpressureDropsOldestForSlowSubscriber(t *testing.T) {
	b := New(nil, WithQueueSize(2), WithPublishDeadline(10*time.Millisecond))
	sub := b.Subscribe("topic")

	b.Publish("topic", 1)
	b.Publish("topic", 2)
	b.Publish("topic", 3) // queue full, should drop payload 1 and enqueue 3

	first := <-sub.C
	second := <-sub.C

	if first.Payload != 2 || second.Payload != 3 {
		t.Errorf("got payloads %v, %v; want 2, 3 (oldest dropped)", first.Payload, second.Payload)
	}
	if b.DroppedCount("topic") == 0 {
		t.Error("DroppedCount() = 0, want at least 1 after forced drop")
	}
}

func TestBus_CloseTopicFlushesThenSignalsEndOfStream(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("topic")

	b.Publish("topic", "buffered")
	b.CloseTopic("topic")

	msg, ok := <-sub.C
	if !ok {
		t.Fatal("expected buffered message before close, got channel already closed")
	}
	if msg.Payload != "buffered" {
		t.Errorf("payload = %v, want buffered", msg.Payload)
	}

	if _, ok := <-sub.C; ok {
		t.Error("expected channel closed after buffered message drained")
	}

	select {
	case <-sub.Closed:
	case <-time.After(time.Second):
		t.Error("Closed channel never closed")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("topic")
	sub.Unsubscribe()

	b.Publish("topic", "after unsubscribe")

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("received message after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("channel not closed after unsubscribe")
	}
}
