package memory

import (
	"context"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id1, err := pub.Publish(context.Background(), "runs", map[string]string{"run_id": "r1"})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "runs-errors", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "runs" || msgs[1].Topic != "runs-errors" {
		t.Fatalf("topics not recorded correctly: %+v", msgs)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherKeepsNewestWithinLimit(t *testing.T) {
	t.Parallel()

	pub := New(2)
	for i := 0; i < 5; i++ {
		if _, err := pub.Publish(context.Background(), "runs", i); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	msgs := pub.Messages()
	if len(msgs) != 2 || msgs[0].ID != "memory-4" || msgs[1].Payload != 4 {
		t.Fatalf("expected last two messages, got %+v", msgs)
	}
}
