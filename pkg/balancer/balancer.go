package balancer

import (
	"fmt"
	"sync"
)

type Strategy string

const (
	Polling           Strategy = "POLLING"
	Weights           Strategy = "WEIGHTS"
	MinimumConnection Strategy = "MINIMUM_CONNECTION"
	Random            Strategy = "RANDOM"
	WeightsRandom     Strategy = "WEIGHTS_RANDOM"
	Specify           Strategy = "SPECIFY"
)

// Target is one backend endpoint, identified by its loopback port.
// Two targets are the same target iff their IDs are equal.
type Target struct {
	ID     int
	Weight int
}

func (t Target) effectiveWeight() int {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// Balancer holds the target set and the per-strategy bookkeeping behind a
// single mutex. The lock is held for the duration of PickOne and of every
// mutator, never across network I/O.
type Balancer struct {
	mu      sync.Mutex
	targets []Target
	picker  picker
}

type picker interface {
	pick(targets []Target) (Target, bool)
	// reseat is called whenever the target set is replaced. State keyed on
	// ids still present survives, everything else is dropped.
	reseat(targets []Target)
}

func New(strategy Strategy, targets []Target) (*Balancer, error) {
	var p picker
	switch strategy {
	case Polling, "":
		p = &pollingPicker{}
	case Weights:
		p = &weightsPicker{current: map[int]int{}}
	case MinimumConnection:
		p = &minConnPicker{conns: map[int]int{}}
	case Random:
		p = &randomPicker{}
	case WeightsRandom:
		p = &weightsRandomPicker{}
	case Specify:
		p = &specifyPicker{pinned: -1}
	default:
		return nil, fmt.Errorf("unknown balancer strategy: %s", strategy)
	}
	b := &Balancer{picker: p}
	b.SetTargets(targets)
	return b, nil
}

// PickOne selects one target for one inbound connection. The second return
// is false iff the registry is empty, or, for SPECIFY, the pinned id is not
// registered.
func (b *Balancer) PickOne() (Target, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.targets) == 0 {
		return Target{}, false
	}
	return b.picker.pick(b.targets)
}

// SetTargets replaces the registry wholesale and reseats strategy state.
func (b *Balancer) SetTargets(targets []Target) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.targets = append(b.targets[:0:0], targets...)
	b.picker.reseat(b.targets)
}

// PushTargets appends to the registry. Duplicate ids are appended as-is.
func (b *Balancer) PushTargets(targets ...Target) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.targets = append(b.targets, targets...)
	b.picker.reseat(b.targets)
}

// Filter retains only targets satisfying pred, preserving registry order.
func (b *Balancer) Filter(pred func(Target) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.targets[:0]
	for _, t := range b.targets {
		if pred(t) {
			kept = append(kept, t)
		}
	}
	b.targets = kept
	b.picker.reseat(b.targets)
}

// Snapshot returns a copy of the registry safe to iterate without the lock.
func (b *Balancer) Snapshot() []Target {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Target(nil), b.targets...)
}

// OnOpen records a dialed connection against t. Only MINIMUM_CONNECTION
// keeps count; for every other strategy this is a no-op.
func (b *Balancer) OnOpen(t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mc, ok := b.picker.(*minConnPicker); ok {
		mc.conns[t.ID]++
	}
}

// OnClose records the end of a session against t, dial failures included.
func (b *Balancer) OnClose(t Target) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mc, ok := b.picker.(*minConnPicker); ok {
		if mc.conns[t.ID] > 0 {
			mc.conns[t.ID]--
		}
	}
}

// Pin fixes the target returned by a SPECIFY balancer. No-op for other
// strategies.
func (b *Balancer) Pin(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sp, ok := b.picker.(*specifyPicker); ok {
		sp.pinned = id
	}
}
