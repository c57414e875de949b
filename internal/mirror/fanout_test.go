package mirror

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
)

func TestFanOut(t *testing.T) {
	t.Parallel()

	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}
	var running, peak atomic.Int32
	var got []int
	err := fanOut(context.Background(), 4, items, func(_ context.Context, i int) int {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		running.Add(-1)
		return i * 2
	}, func(r int) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(items) {
		t.Fatalf("collected %d results, want %d", len(got), len(items))
	}
	sort.Ints(got)
	for i, r := range got {
		if r != i*2 {
			t.Fatalf("got[%d] = %d, want %d", i, r, i*2)
		}
	}
	if p := peak.Load(); p > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", p)
	}
}

func TestFanOutStopsOnError(t *testing.T) {
	t.Parallel()

	items := make([]int, 1000)
	for i := range items {
		items[i] = i
	}
	boom := errors.New("boom")
	var started atomic.Int32
	var collected int
	err := fanOut(context.Background(), 2, items, func(_ context.Context, i int) int {
		started.Add(1)
		return i
	}, func(int) error {
		collected++
		if collected == 3 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("fanOut() = %v, want boom", err)
	}
	if n := started.Load(); n == int32(len(items)) {
		t.Errorf("all %d items were dispatched after the error", n)
	}
}

func TestFanOutCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fanOut(ctx, 2, []int{1, 2, 3}, func(context.Context, int) int { return 0 }, func(int) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("fanOut() = %v, want context.Canceled", err)
	}
}
