package msgsock

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu      sync.Mutex
	entries []Entry
}

func (h *recordingHandler) HandleEntry(_ context.Context, e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

func TestDispatch_DeliversInOrder(t *testing.T) {
	q := NewQueue()
	h := &recordingHandler{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Dispatch(ctx, q, h)
	}()

	for i := 0; i < 20; i++ {
		q.Enqueue(entryN(i))
	}
	q.Enqueue(Entry{Peer: PeerID{Host: "127.0.0.1", Port: 1}})

	waitFor(t, 2*time.Second, func() bool { return h.count() == 21 })
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Dispatch returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after cancel")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < 20; i++ {
		if h.entries[i].Message["n"] != i {
			t.Fatalf("entry %d = %v", i, h.entries[i].Message)
		}
	}
	if !h.entries[20].Closed() {
		t.Error("sentinel not delivered last")
	}
}

func TestPoll_DeliversAndStops(t *testing.T) {
	q := NewQueue()
	h := &recordingHandler{}
	for i := 0; i < 5; i++ {
		q.Enqueue(entryN(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Poll(ctx, q, h, 0)
	}()

	waitFor(t, 2*time.Second, func() bool { return h.count() == 5 })

	// entries arriving while Poll sleeps are picked up on the next tick
	q.Enqueue(entryN(5))
	waitFor(t, 2*time.Second, func() bool { return h.count() == 6 })

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Poll returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return after cancel")
	}
}

func TestHandlerFunc(t *testing.T) {
	var got Entry
	h := HandlerFunc(func(_ context.Context, e Entry) { got = e })

	want := entryN(3)
	h.HandleEntry(context.Background(), want)

	if got.Peer != want.Peer || got.Message["n"] != 3 {
		t.Errorf("HandlerFunc got %+v", got)
	}
}
