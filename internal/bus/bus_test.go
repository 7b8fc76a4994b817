package bus

import (
	"testing"
)

func TestEmit_OrderedDelivery(t *testing.T) {
	b := New()
	var got []int
	b.On("tool:start", func(Event) { got = append(got, 1) }, "m1")
	b.On("tool:start", func(Event) { got = append(got, 2) }, "m2")
	b.On("tool:start", func(Event) { got = append(got, 3) }, "m1")

	b.Emit("tool:start", nil)

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected registration order [1 2 3], got %v", got)
	}
}

func TestEmit_PanickingHandlerDoesNotAbortDispatch(t *testing.T) {
	b := New()
	var sinkTopic string
	b.SetErrorSink(func(topic string, _ interface{}) { sinkTopic = topic })

	ran := false
	b.On("x", func(Event) { panic("boom") }, "m1")
	b.On("x", func(Event) { ran = true }, "m2")

	b.Emit("x", nil)

	if !ran {
		t.Fatal("handler after panicking handler did not run")
	}
	if sinkTopic != "x" {
		t.Fatalf("error sink not invoked, topic=%q", sinkTopic)
	}
}

func TestEmit_ReentrantQueuedAfterOuterDispatch(t *testing.T) {
	b := New()
	var got []string
	depth := 0
	maxDepth := 0

	b.On("outer", func(Event) {
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		got = append(got, "outer-1")
		b.Emit("inner", nil)
		got = append(got, "outer-2")
		depth--
	}, "m")
	b.On("inner", func(Event) {
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		got = append(got, "inner")
		depth--
	}, "m")

	b.Emit("outer", nil)

	want := []string{"outer-1", "outer-2", "inner"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if maxDepth != 1 {
		t.Fatalf("handler observed stack depth %d, want 1", maxDepth)
	}
}

func TestOff_RemovesSingleSubscription(t *testing.T) {
	b := New()
	count := 0
	sub := b.On("t", func(Event) { count++ }, "m")
	b.On("t", func(Event) { count += 10 }, "m")

	b.Off(sub)
	b.Emit("t", nil)

	if count != 10 {
		t.Fatalf("count = %d, want 10", count)
	}
}

func TestUnsubscribeModule_ReleasesAllHolds(t *testing.T) {
	b := New()
	count := 0
	b.On("a", func(Event) { count++ }, "mod")
	b.On("b", func(Event) { count++ }, "mod")
	b.On("a", func(Event) { count += 100 }, "other")

	removed := b.UnsubscribeModule("mod")
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	b.Emit("a", nil)
	b.Emit("b", nil)
	if count != 100 {
		t.Fatalf("count = %d, want 100", count)
	}
}
