package bus

import (
	"context"
	"testing"
	"time"

	"github.com/rilical/focusfield/internal/clock"
)

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := New(clock.New())
	h := Subscribe[int](b, "t", 32, DropNewest)

	for i := range 10 {
		if err := Publish(b, "t", i); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	ctx := context.Background()
	for i := range 10 {
		got, ok := h.Recv(ctx)
		if !ok {
			t.Fatalf("recv %d: channel closed early", i)
		}
		if got != i {
			t.Errorf("recv %d: got %d, want %d", i, got, i)
		}
	}
}

func TestLateSubscriberNoBacklog(t *testing.T) {
	b := New(clock.New())
	_ = Publish(b, "t", 1)
	_ = Publish(b, "t", 2)

	h := Subscribe[int](b, "t", 4, DropNewest)
	_ = Publish(b, "t", 3)

	ctx := context.Background()
	got, ok := h.Recv(ctx)
	if !ok || got != 3 {
		t.Fatalf("expected only the post-subscribe message 3, got %v ok=%v", got, ok)
	}
}

func TestOverflowDropNewest(t *testing.T) {
	b := New(clock.New())
	h := Subscribe[int](b, "t", 4, DropNewest)

	for i := range 10 {
		_ = Publish(b, "t", i)
	}

	ctx := context.Background()
	for i := range 4 {
		got, ok := h.Recv(ctx)
		if !ok || got != i {
			t.Errorf("frame %d: got %v ok=%v, want %d", i, got, ok, i)
		}
	}
	if drops := h.Drops(); drops != 6 {
		t.Errorf("drops: got %d, want 6", drops)
	}
}

func TestOverflowDropOldest(t *testing.T) {
	b := New(clock.New())
	h := Subscribe[int](b, "t", 4, DropOldest)

	for i := range 10 {
		_ = Publish(b, "t", i)
	}

	ctx := context.Background()
	want := []int{6, 7, 8, 9}
	for i, w := range want {
		got, ok := h.Recv(ctx)
		if !ok || got != w {
			t.Errorf("frame %d: got %v ok=%v, want %d", i, got, ok, w)
		}
	}
}

func TestCrossTopicNoOrderingAssumed(t *testing.T) {
	b := New(clock.New())
	ha := Subscribe[string](b, "a", 8, DropNewest)
	hb := Subscribe[string](b, "b", 8, DropNewest)

	_ = Publish(b, "b", "first-on-b")
	_ = Publish(b, "a", "first-on-a")

	ctx := context.Background()
	gotA, _ := ha.Recv(ctx)
	gotB, _ := hb.Recv(ctx)
	if gotA != "first-on-a" || gotB != "first-on-b" {
		t.Fatalf("each topic should preserve its own order regardless of interleaving: a=%q b=%q", gotA, gotB)
	}
}

func TestShutdownDrainsThenCloses(t *testing.T) {
	b := New(clock.New())
	h := Subscribe[int](b, "t", 4, DropNewest)

	_ = Publish(b, "t", 1)
	_ = Publish(b, "t", 2)
	b.Shutdown()

	if err := Publish(b, "t", 3); err != ErrShutdown {
		t.Errorf("publish after shutdown: got %v, want ErrShutdown", err)
	}

	ctx := context.Background()
	got, ok := h.Recv(ctx)
	if !ok || got != 1 {
		t.Fatalf("expected drained message 1, got %v ok=%v", got, ok)
	}
	got, ok = h.Recv(ctx)
	if !ok || got != 2 {
		t.Fatalf("expected drained message 2, got %v ok=%v", got, ok)
	}
	if _, ok = h.Recv(ctx); ok {
		t.Fatal("expected handle closed after drain")
	}
}

func TestRecvRespectsContextCancellation(t *testing.T) {
	b := New(clock.New())
	h := Subscribe[int](b, "t", 4, DropNewest)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := h.Recv(ctx); ok {
		t.Fatal("expected no message and a cancelled context")
	}
}

func TestDropAccountingCoalesced(t *testing.T) {
	b := New(clock.New())
	Subscribe[int](b, "noisy", 1, DropNewest)
	logHandle := Subscribe[any](b, "log.events", 16, DropNewest)

	for i := range 20 {
		_ = Publish(b, "noisy", i)
	}

	// At least one coalesced drop event should have been published.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := logHandle.Recv(ctx)
	if !ok {
		t.Fatal("expected at least one log.events drop record")
	}
}
