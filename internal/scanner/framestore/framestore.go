// Package framestore implements the bounded, pattern-indexed
// left/right pairing buffer a scan session accumulates frames into.
package framestore

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
)

// InsertResult reports whether an insert created a new slot or filled
// in the missing camera of an existing one.
type InsertResult int

const (
	Inserted InsertResult = iota
	Updated
)

// PinnedIndices are never evicted for the lifetime of a session:
// index 0 (white) and 1 (black).
var PinnedIndices = map[int]bool{0: true, 1: true}

// DefaultCapacity is the default maximum number of pattern slots held
// at once.
const DefaultCapacity = 100

// Stats reports aggregate frame store counters.
type Stats struct {
	SlotCount     int
	CompleteCount int
	BytesResident int64
}

// Store is a mapping from pattern index to PatternSlot. All operations
// are safe for concurrent use; the lock is never held across a
// heavyweight copy — snapshot reads copy the frame pointers (not pixel
// data) inside the critical section and return immediately.
type Store struct {
	mu       sync.Mutex
	capacity int
	slots    map[int]*scantypes.PatternSlot
	// insertOrder tracks FIFO order among non-pinned slots for eviction.
	insertOrder []int
}

// New creates a Store bounded at capacity (DefaultCapacity if <= 0).
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		slots:    make(map[int]*scantypes.PatternSlot),
	}
}

// Insert places a frame into the slot for patternIndex/camera. If the
// slot already holds a frame for that camera it is overwritten.
// Keeping frame dimensions stable across a session is the caller's
// responsibility upstream of Insert — Insert itself does not
// re-validate dimensions on update.
func (s *Store) Insert(camera scantypes.Camera, patternIndex int, frame *scantypes.Frame, header scantypes.FrameHeader) InsertResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, exists := s.slots[patternIndex]
	if !exists {
		slot = &scantypes.PatternSlot{
			PatternIndex: patternIndex,
			Header:       header,
			InsertedAt:   time.Now(),
		}
		s.slots[patternIndex] = slot
		s.insertOrder = append(s.insertOrder, patternIndex)
	}
	slot.Frames[camera] = frame
	if exists {
		s.evictIfNeededLocked()
		return Updated
	}
	s.evictIfNeededLocked()
	return Inserted
}

// evictIfNeededLocked drops the oldest non-pinned slot while over
// capacity. Callers must hold mu.
func (s *Store) evictIfNeededLocked() {
	for len(s.slots) > s.capacity {
		evicted := false
		for i, idx := range s.insertOrder {
			if PinnedIndices[idx] {
				continue
			}
			if _, ok := s.slots[idx]; !ok {
				continue
			}
			delete(s.slots, idx)
			s.insertOrder = append(s.insertOrder[:i:i], s.insertOrder[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return // only pinned slots remain; cannot evict further
		}
	}
}

// Pair returns the (left, right) frames for patternIndex if complete.
func (s *Store) Pair(patternIndex int) (left, right *scantypes.Frame, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, exists := s.slots[patternIndex]
	if !exists {
		return nil, nil, false
	}
	return slot.Pair()
}

// Slot returns the raw slot for patternIndex, including its header,
// for callers that need more than the frame pair (e.g. deriving
// reference-frame shadow masks).
func (s *Store) Slot(patternIndex int) (*scantypes.PatternSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[patternIndex]
	return slot, ok
}

// HasPair reports whether patternIndex has both cameras present.
func (s *Store) HasPair(patternIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, exists := s.slots[patternIndex]
	return exists && slot.Complete()
}

// CompleteIndices returns the sorted list of pattern indices with both
// cameras present.
func (s *Store) CompleteIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for idx, slot := range s.slots {
		if slot.Complete() {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// Remove deletes the slot for patternIndex, pinned or not — explicit
// removal always honoured, unlike eviction.
func (s *Store) Remove(patternIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, patternIndex)
	for i, idx := range s.insertOrder {
		if idx == patternIndex {
			s.insertOrder = append(s.insertOrder[:i:i], s.insertOrder[i+1:]...)
			break
		}
	}
}

// Clear empties the store entirely.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = make(map[int]*scantypes.PatternSlot)
	s.insertOrder = nil
}

// Len returns the current slot count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Statistics reports aggregate counters.
func (s *Store) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	st.SlotCount = len(s.slots)
	for _, slot := range s.slots {
		if slot.Complete() {
			st.CompleteCount++
		}
		for _, f := range slot.Frames {
			if f != nil {
				st.BytesResident += int64(len(f.Pixels))
			}
		}
	}
	return st
}

// Reclaim drops every slot whose index is not in keep. Called by the
// memory governor under pressure. Pinned indices are still subject to
// Reclaim if the caller omits them from keep — unlike ordinary
// eviction, this is an explicit, governor-directed action.
func (s *Store) Reclaim(keep map[int]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.slots {
		if !keep[idx] {
			delete(s.slots, idx)
		}
	}
	filtered := s.insertOrder[:0]
	for _, idx := range s.insertOrder {
		if _, ok := s.slots[idx]; ok {
			filtered = append(filtered, idx)
		}
	}
	s.insertOrder = filtered
}

// DefaultKeepSet builds the default reclaim keep-set: pinned indices
// plus the last n complete indices.
func (s *Store) DefaultKeepSet(lastN int) map[int]bool {
	complete := s.CompleteIndices()
	keep := map[int]bool{0: true, 1: true}
	start := len(complete) - lastN
	if start < 0 {
		start = 0
	}
	for _, idx := range complete[start:] {
		keep[idx] = true
	}
	return keep
}
