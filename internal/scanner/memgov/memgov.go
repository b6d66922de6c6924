// Package memgov implements a memory-pressure observer: it tracks
// named allocations and instructs owners to free memory when headroom
// drops below policy.
package memgov

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/scanclient/internal/monitoring"
	"github.com/banshee-data/scanclient/internal/timeutil"
)

// Kind categorises a registered allocation for reporting purposes.
type Kind string

const (
	KindFrameStore   Kind = "frame_store"
	KindTriangulator Kind = "triangulator"
	KindOther        Kind = "other"
)

// ReclaimFunc is invoked by the governor on the observer goroutine
// when an allocation must shed memory. It must not reacquire any lock
// held by its registrar — callbacks run on the governor thread.
type ReclaimFunc func(id string)

type allocation struct {
	id        string
	sizeMB    float64
	kind      Kind
	priority  int // 1-10, higher = more important to keep
	onReclaim ReclaimFunc
}

// Stats reports current memory usage by allocation kind.
type Stats struct {
	CurrentMB float64
	ByKind    map[Kind]float64
}

// MemoryReader abstracts reading system memory headroom so tests don't
// depend on the real host's RAM, the same interface-wrapped-OS-facility
// style used elsewhere for sockets and clocks.
type MemoryReader interface {
	// FreeFraction returns the fraction (0..1) of system memory
	// currently free.
	FreeFraction() float64
}

// Governor observes registered allocations and reclaims memory under
// pressure.
type Governor struct {
	mu          sync.Mutex
	allocations map[string]*allocation
	budgetMB    float64
	reader      MemoryReader
	clock       timeutil.Clock

	cancel chan struct{}
	done   chan struct{}
}

// New creates a Governor with a total budget (MB) used by check() to
// bound admission independent of system-wide pressure.
func New(budgetMB float64, reader MemoryReader, clock timeutil.Clock) *Governor {
	return &Governor{
		allocations: make(map[string]*allocation),
		budgetMB:    budgetMB,
		reader:      reader,
		clock:       clock,
	}
}

// Register adds a tracked allocation. onReclaim may be nil if the
// caller never wants to be asked to shed memory (reporting only).
func (g *Governor) Register(id string, sizeMB float64, kind Kind, priority int, onReclaim ReclaimFunc) {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allocations[id] = &allocation{id: id, sizeMB: sizeMB, kind: kind, priority: priority, onReclaim: onReclaim}
}

// Unregister removes a tracked allocation.
func (g *Governor) Unregister(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.allocations, id)
}

// UpdateSize adjusts a registered allocation's reported size, e.g.
// after the frame store or triangulator's resident footprint changes.
func (g *Governor) UpdateSize(id string, sizeMB float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.allocations[id]; ok {
		a.sizeMB = sizeMB
	}
}

// Check reports whether both process-level and policy-level headroom
// admit a request of requestedMB.
func (g *Governor) Check(requestedMB float64) bool {
	g.mu.Lock()
	current := g.currentMBLocked()
	g.mu.Unlock()

	if current+requestedMB > g.budgetMB {
		return false
	}
	if g.reader != nil && g.reader.FreeFraction() < 0.05 {
		return false
	}
	return true
}

func (g *Governor) currentMBLocked() float64 {
	var total float64
	for _, a := range g.allocations {
		total += a.sizeMB
	}
	return total
}

// Stats reports current usage, broken down by kind.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := Stats{ByKind: make(map[Kind]float64)}
	for _, a := range g.allocations {
		st.CurrentMB += a.sizeMB
		st.ByKind[a.kind] += a.sizeMB
	}
	return st
}

// pressureThreshold is the free-memory fraction below which the
// observer begins reclaiming.
const pressureThreshold = 0.20

// reclaimFraction is the share of the governor's own current budget
// it tries to free once triggered.
const reclaimFraction = 0.20

// Start launches the background observer goroutine, polling at
// pollInterval (roughly 1 Hz is typical).
func (g *Governor) Start(pollInterval time.Duration) {
	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return
	}
	g.cancel = make(chan struct{})
	g.done = make(chan struct{})
	cancel := g.cancel
	done := g.done
	g.mu.Unlock()

	go g.observe(pollInterval, cancel, done)
}

// Stop halts the observer goroutine and blocks until it exits.
func (g *Governor) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	done := g.done
	g.cancel = nil
	g.done = nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	close(cancel)
	<-done
}

func (g *Governor) observe(interval time.Duration, cancel <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := g.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return
		case <-ticker.C():
			g.maybeReclaim()
		}
	}
}

func (g *Governor) maybeReclaim() {
	if g.reader == nil || g.reader.FreeFraction() >= pressureThreshold {
		return
	}
	g.Reclaim()
}

// Reclaim runs one pass of the reclamation policy immediately: iterate
// registered allocations in descending size×(11-priority) order,
// invoking onReclaim until reclaimFraction of the governor's current
// budget has been released or the list is exhausted.
func (g *Governor) Reclaim() {
	g.mu.Lock()
	list := make([]*allocation, 0, len(g.allocations))
	for _, a := range g.allocations {
		list = append(list, a)
	}
	target := g.currentMBLocked() * reclaimFraction
	g.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		wi := list[i].sizeMB * float64(11-list[i].priority)
		wj := list[j].sizeMB * float64(11-list[j].priority)
		return wi > wj
	})

	var released float64
	for _, a := range list {
		if released >= target {
			return
		}
		if a.onReclaim == nil {
			continue
		}
		monitoring.Logf("memgov: reclaiming %q (kind=%s size=%.1fMB priority=%d)", a.id, a.kind, a.sizeMB, a.priority)
		released += a.sizeMB
		a.onReclaim(a.id)
	}
}
