package balancer

import (
	"sync"
	"testing"
)

func pickN(t *testing.T, b *Balancer, n int) []int {
	t.Helper()
	ids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		target, ok := b.PickOne()
		if !ok {
			t.Fatalf("pick %d: no target", i)
		}
		ids = append(ids, target.ID)
	}
	return ids
}

func TestPickOneEmptyRegistry(t *testing.T) {
	strategies := []Strategy{Polling, Weights, MinimumConnection, Random, WeightsRandom, Specify}
	for _, s := range strategies {
		t.Run(string(s), func(t *testing.T) {
			b, err := New(s, []Target{})
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := b.PickOne(); ok {
				t.Fatalf("%s: expected no pick from empty registry", s)
			}
		})
	}
}

func TestPollingSequence(t *testing.T) {
	tests := []struct {
		name     string
		targets  []Target
		picks    int
		expected []int
	}{
		{
			name:     "three targets five picks",
			targets:  []Target{{ID: 1081}, {ID: 1082}, {ID: 1083}},
			picks:    5,
			expected: []int{1081, 1082, 1083, 1081, 1082},
		},
		{
			name:     "single target",
			targets:  []Target{{ID: 1081}},
			picks:    3,
			expected: []int{1081, 1081, 1081},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(Polling, tt.targets)
			if err != nil {
				t.Fatal(err)
			}
			got := pickN(t, b, tt.picks)
			for i := range tt.expected {
				if got[i] != tt.expected[i] {
					t.Errorf("pick %d: expected %d, got %d", i, tt.expected[i], got[i])
				}
			}
		})
	}
}

func TestPollingWindowIsPermutation(t *testing.T) {
	targets := []Target{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}
	b, err := New(Polling, targets)
	if err != nil {
		t.Fatal(err)
	}
	// Any window of n consecutive picks covers every target exactly once.
	for window := 0; window < 5; window++ {
		seen := map[int]int{}
		for _, id := range pickN(t, b, len(targets)) {
			seen[id]++
		}
		for _, tg := range targets {
			if seen[tg.ID] != 1 {
				t.Fatalf("window %d: target %d picked %d times", window, tg.ID, seen[tg.ID])
			}
		}
	}
}

func TestPollingCursorAfterShrink(t *testing.T) {
	b, err := New(Polling, []Target{{ID: 1}, {ID: 2}, {ID: 3}})
	if err != nil {
		t.Fatal(err)
	}
	pickN(t, b, 2) // cursor now at index 2
	b.SetTargets([]Target{{ID: 1}, {ID: 2}})
	got := pickN(t, b, 2)
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("after shrink expected [1 2], got %v", got)
	}
}

func TestWeightsSmoothInterleaving(t *testing.T) {
	b, err := New(Weights, []Target{{ID: 1, Weight: 3}, {ID: 2, Weight: 1}})
	if err != nil {
		t.Fatal(err)
	}
	got := pickN(t, b, 4)
	expected := []int{1, 1, 2, 1}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, got)
		}
	}
}

func TestWeightsWindowMatchesRatios(t *testing.T) {
	targets := []Target{{ID: 1, Weight: 2}, {ID: 2, Weight: 3}, {ID: 3, Weight: 1}}
	b, err := New(Weights, targets)
	if err != nil {
		t.Fatal(err)
	}
	const k = 4
	total := 6 * k
	counts := map[int]int{}
	for _, id := range pickN(t, b, total) {
		counts[id]++
	}
	for _, tg := range targets {
		if counts[tg.ID] != tg.Weight*k {
			t.Errorf("target %d: expected %d picks, got %d", tg.ID, tg.Weight*k, counts[tg.ID])
		}
	}
}

func TestWeightsDefaultWeightIsOne(t *testing.T) {
	b, err := New(Weights, []Target{{ID: 1}, {ID: 2}})
	if err != nil {
		t.Fatal(err)
	}
	counts := map[int]int{}
	for _, id := range pickN(t, b, 6) {
		counts[id]++
	}
	if counts[1] != 3 || counts[2] != 3 {
		t.Fatalf("expected even split, got %v", counts)
	}
}

func TestMinimumConnection(t *testing.T) {
	b, err := New(MinimumConnection, []Target{{ID: 1}, {ID: 2}, {ID: 3}})
	if err != nil {
		t.Fatal(err)
	}

	first, _ := b.PickOne()
	if first.ID != 1 {
		t.Fatalf("tie should break by registry order, got %d", first.ID)
	}
	b.OnOpen(first)

	second, _ := b.PickOne()
	if second.ID != 2 {
		t.Fatalf("expected least loaded target 2, got %d", second.ID)
	}
	b.OnOpen(second)
	b.OnOpen(second)

	third, _ := b.PickOne()
	if third.ID != 3 {
		t.Fatalf("expected least loaded target 3, got %d", third.ID)
	}

	// Closing drops the count back down.
	b.OnClose(second)
	b.OnClose(second)
	b.OnOpen(Target{ID: 3})
	again, _ := b.PickOne()
	if again.ID != 2 {
		t.Fatalf("expected target 2 after closes, got %d", again.ID)
	}
}

func TestRandomPicksMember(t *testing.T) {
	targets := []Target{{ID: 1}, {ID: 2}, {ID: 3}}
	b, err := New(Random, targets)
	if err != nil {
		t.Fatal(err)
	}
	valid := map[int]bool{1: true, 2: true, 3: true}
	for i := 0; i < 50; i++ {
		tg, ok := b.PickOne()
		if !ok || !valid[tg.ID] {
			t.Fatalf("pick %d: got %v %v", i, tg, ok)
		}
	}
}

func TestWeightsRandomPicksMember(t *testing.T) {
	b, err := New(WeightsRandom, []Target{{ID: 1, Weight: 5}, {ID: 2, Weight: 1}})
	if err != nil {
		t.Fatal(err)
	}
	counts := map[int]int{}
	for i := 0; i < 200; i++ {
		tg, ok := b.PickOne()
		if !ok {
			t.Fatal("no pick")
		}
		counts[tg.ID]++
	}
	if counts[1] == 0 || counts[1] <= counts[2] {
		t.Fatalf("heavier target should dominate: %v", counts)
	}
}

func TestSpecify(t *testing.T) {
	b, err := New(Specify, []Target{{ID: 1}, {ID: 2}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.PickOne(); ok {
		t.Fatal("unpinned SPECIFY should return nothing")
	}
	b.Pin(2)
	for i := 0; i < 3; i++ {
		tg, ok := b.PickOne()
		if !ok || tg.ID != 2 {
			t.Fatalf("expected pinned target 2, got %v %v", tg, ok)
		}
	}
	b.Pin(99)
	if _, ok := b.PickOne(); ok {
		t.Fatal("pin to absent id should return nothing")
	}
}

func TestSetTargetsReseatsState(t *testing.T) {
	b, err := New(Weights, []Target{{ID: 1, Weight: 1}, {ID: 2, Weight: 1}})
	if err != nil {
		t.Fatal(err)
	}
	pickN(t, b, 3)

	// Replace target 2; the survivor keeps its residue, the newcomer starts
	// from zero, and picks only come from the new set.
	b.SetTargets([]Target{{ID: 1, Weight: 1}, {ID: 3, Weight: 1}})
	for i := 0; i < 10; i++ {
		tg, ok := b.PickOne()
		if !ok {
			t.Fatal("no pick")
		}
		if tg.ID == 2 {
			t.Fatal("picked a target no longer registered")
		}
	}
}

func TestPushAppends(t *testing.T) {
	b, err := New(Polling, []Target{{ID: 1}})
	if err != nil {
		t.Fatal(err)
	}
	b.PushTargets(Target{ID: 2}, Target{ID: 3})
	got := b.Snapshot()
	if len(got) != 3 || got[0].ID != 1 || got[1].ID != 2 || got[2].ID != 3 {
		t.Fatalf("unexpected registry: %v", got)
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	b, err := New(Polling, []Target{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}})
	if err != nil {
		t.Fatal(err)
	}
	b.Filter(func(tg Target) bool { return tg.ID%2 == 1 })
	got := b.Snapshot()
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("unexpected registry after filter: %v", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b, err := New(Polling, []Target{{ID: 1}, {ID: 2}})
	if err != nil {
		t.Fatal(err)
	}
	snap := b.Snapshot()
	snap[0].ID = 99
	if got := b.Snapshot(); got[0].ID != 1 {
		t.Fatal("snapshot mutation leaked into the registry")
	}
}

func TestUnknownStrategy(t *testing.T) {
	if _, err := New("FASTEST", nil); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestConcurrentPickAndMutate(t *testing.T) {
	b, err := New(Polling, []Target{{ID: 1}, {ID: 2}, {ID: 3}})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.PickOne()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			b.SetTargets([]Target{{ID: 1}, {ID: 2}})
			b.PushTargets(Target{ID: 3})
		}
	}()
	wg.Wait()
}
