package jobs

import (
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	q.Push("a")
	q.Push("b")
	q.Push("c")

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	for _, want := range []string{"a", "b", "c"} {
		id, ok := q.Pop(10 * time.Millisecond)
		if !ok {
			t.Fatalf("Pop returned ok=false, want %s", want)
		}
		if id != want {
			t.Fatalf("Pop = %s, want %s", id, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d after draining, want 0", q.Len())
	}
}

func TestQueuePopTimeout(t *testing.T) {
	q := NewQueue()

	start := time.Now()
	id, ok := q.Pop(30 * time.Millisecond)
	if ok {
		t.Fatalf("Pop on empty queue returned %q", id)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Pop returned too early: %v", elapsed)
	}
}

func TestQueuePushWakesWaitingPop(t *testing.T) {
	q := NewQueue()

	done := make(chan string, 1)
	go func() {
		id, ok := q.Pop(2 * time.Second)
		if !ok {
			done <- ""
			return
		}
		done <- id
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("wake")

	select {
	case id := <-done:
		if id != "wake" {
			t.Fatalf("Pop = %q, want wake", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up after Push")
	}
}
