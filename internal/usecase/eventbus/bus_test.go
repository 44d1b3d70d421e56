package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowbot/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("message.received", "counter", func(_ context.Context, e domain.Event) {
		if e.Channel == "message.received" {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), "message.received", nil)
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeReplacesSameID(t *testing.T) {
	bus := newTestBus()

	var first, second atomic.Int32
	bus.Subscribe("chan", "sub", func(_ context.Context, _ domain.Event) { first.Add(1) })
	bus.Subscribe("chan", "sub", func(_ context.Context, _ domain.Event) { second.Add(1) })

	bus.Publish(context.Background(), "chan", nil)
	bus.Close()

	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("expected replacement handler only, got first=%d second=%d", first.Load(), second.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("chan", "sub", func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Unsubscribe("chan", "sub")
	bus.Publish(context.Background(), "chan", nil)
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe("chan", "sub", func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), "chan", nil)
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	// First subscriber panics
	bus.Subscribe("chan", "panicky", func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	// Second subscriber should still fire
	bus.Subscribe("chan", "steady", func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), "chan", nil)
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestPublishAndWaitFirstResponseWins(t *testing.T) {
	bus := newTestBus()

	var loser atomic.Int32
	bus.Subscribe("approve:42", "x", func(_ context.Context, e domain.Event) {
		id := e.Data["request_id"].(string)
		if !bus.Respond(id, map[string]any{"ok": true}, "X") {
			loser.Add(1)
		}
	})
	bus.Subscribe("approve:42", "y", func(_ context.Context, e domain.Event) {
		time.Sleep(50 * time.Millisecond)
		id := e.Data["request_id"].(string)
		if !bus.Respond(id, map[string]any{"ok": false}, "Y") {
			loser.Add(1)
		}
	})

	resp, ok := bus.PublishAndWait(context.Background(), "approve:42", "42", nil, time.Second)
	if !ok {
		t.Fatal("expected a response before timeout")
	}
	if v, _ := resp["ok"].(bool); !v {
		t.Fatalf("expected the first responder's payload, got %v", resp)
	}
	if resp["responder_id"] != "X" {
		t.Fatalf("expected winner id X, got %v", resp["responder_id"])
	}

	bus.Close()
	if loser.Load() != 1 {
		t.Fatalf("expected exactly one rejected responder, got %d", loser.Load())
	}
}

func TestPublishAndWaitTimeout(t *testing.T) {
	bus := newTestBus()

	start := time.Now()
	resp, ok := bus.PublishAndWait(context.Background(), "approve:7", "7", nil, 80*time.Millisecond)
	if ok || resp != nil {
		t.Fatalf("expected timeout, got %v %v", resp, ok)
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
	if n := bus.PendingCount(); n != 0 {
		t.Fatalf("expected pending count 0 after timeout, got %d", n)
	}

	// A late responder finds no pending request.
	if bus.Respond("7", map[string]any{"ok": true}, "late") {
		t.Fatal("expected late respond to be rejected")
	}
	bus.Close()
}

func TestRespondRepublishesResolution(t *testing.T) {
	bus := newTestBus()

	resolved := make(chan domain.Event, 1)
	bus.Subscribe("approve:9"+domain.ResolvedSuffix, "observer", func(_ context.Context, e domain.Event) {
		resolved <- e
	})
	bus.Subscribe("approve:9", "responder", func(_ context.Context, e domain.Event) {
		bus.Respond(e.Data["request_id"].(string), map[string]any{"choice": "yes"}, "responder")
	})

	if _, ok := bus.PublishAndWait(context.Background(), "approve:9", "9", nil, time.Second); !ok {
		t.Fatal("expected resolution")
	}

	select {
	case e := <-resolved:
		if e.Data["responder_id"] != "responder" {
			t.Fatalf("unexpected resolution event: %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no resolution event observed")
	}
	bus.Close()
}

func TestPublishAndWaitMergesRequestID(t *testing.T) {
	bus := newTestBus()

	var seen atomic.Value
	bus.Subscribe("ask", "sub", func(_ context.Context, e domain.Event) {
		seen.Store(e.Data)
		bus.Respond(e.Data["request_id"].(string), nil, "sub")
	})

	if _, ok := bus.PublishAndWait(context.Background(), "ask", "req-1", map[string]any{"question": "?"}, time.Second); !ok {
		t.Fatal("expected resolution")
	}
	bus.Close()

	data := seen.Load().(map[string]any)
	if data["request_id"] != "req-1" || data["question"] != "?" {
		t.Fatalf("expected merged data, got %v", data)
	}
}
