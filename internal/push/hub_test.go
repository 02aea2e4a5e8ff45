package push

import (
	"context"
	"testing"
	"time"

	"platefinder/searchservice/internal/domain"
)

func patchFor(placeID, provider string) domain.EnrichmentPatch {
	return domain.EnrichmentPatch{
		PlaceID:  placeID,
		Provider: provider,
		Status:   domain.EnrichmentFound,
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("place-1")
	hub.Publish(context.Background(), "place-1", patchFor("place-1", "wolt"))

	select {
	case got := <-sub.C():
		if got.PlaceID != "place-1" || got.Provider != "wolt" {
			t.Fatalf("unexpected patch %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the patch")
	}
}

func TestPublishIsScopedToPlace(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	other := hub.Subscribe("place-2")
	hub.Publish(context.Background(), "place-1", patchFor("place-1", "wolt"))

	select {
	case got := <-other.C():
		t.Fatalf("subscriber of another place received %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("place-1")
	// Overfill the buffer; the publisher must return regardless.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultSubscriberBuffer*3; i++ {
			hub.Publish(context.Background(), "place-1", patchFor("place-1", "wolt"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	received := 0
	for {
		select {
		case <-sub.C():
			received++
			continue
		default:
		}
		break
	}
	if received != defaultSubscriberBuffer {
		t.Fatalf("expected exactly the buffered %d patches, got %d", defaultSubscriberBuffer, received)
	}
}

func TestCancelRemovesSubscription(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("place-1")
	if hub.SubscriberCount("place-1") != 1 {
		t.Fatal("expected one subscriber")
	}

	sub.Cancel()
	sub.Cancel() // idempotent

	if hub.SubscriberCount("place-1") != 0 {
		t.Fatal("expected subscription removed")
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected channel closed after cancel")
	}
}

func TestCloseStopsEverything(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("place-1")

	hub.Close()

	if _, ok := <-sub.C(); ok {
		t.Fatal("expected channel closed after hub close")
	}
	if hub.Subscribe("place-2") != nil {
		t.Fatal("expected nil subscription after close")
	}
	// Publish after close must be a no-op, not a panic.
	hub.Publish(context.Background(), "place-1", patchFor("place-1", "wolt"))
}
