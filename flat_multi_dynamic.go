package dynbar

import "sync/atomic"

// FlatMultiDynamic extends FlatDynamic with a cycle of maxPhases
// logical barriers sharing one packed atomic word: (state, index,
// threads, waiting). A single Arrive(phase) call only admits once the
// barrier's current index matches phase, and the exit transition that
// drains the last waiter also advances index to the next phase in the
// cycle (mod maxPhases).
//
// With maxPhases == 1, FlatMultiDynamic is behaviorally identical to
// FlatDynamic: index never leaves 0 and every Arrive uses phase 0.
type FlatMultiDynamic struct {
	maxThreads uint32
	maxPhases  uint8
	word       uint64 // packed (state:1, index:7, threads:28, waiting:28)
}

const (
	flatMultiCounterBits  = 28
	flatMultiWaitingMask  = uint64(1)<<flatMultiCounterBits - 1
	flatMultiThreadsShift = flatMultiCounterBits
	flatMultiThreadsMask  = (uint64(1)<<flatMultiCounterBits - 1) << flatMultiThreadsShift
	flatMultiIndexBits    = 7
	flatMultiIndexShift   = flatMultiThreadsShift + flatMultiCounterBits
	flatMultiIndexMask    = (uint64(1)<<flatMultiIndexBits - 1) << flatMultiIndexShift
	flatMultiStateShift   = flatMultiIndexShift + flatMultiIndexBits
	flatMultiStateMask    = uint64(1) << flatMultiStateShift

	// FlatMultiDynamicMaxThreads is the largest participant count the
	// packed word can represent.
	FlatMultiDynamicMaxThreads = uint32(flatMultiThreadsMask >> flatMultiThreadsShift)
	// FlatMultiDynamicMaxPhases is the largest phase-cycle length the
	// packed word can represent: index is a 7-bit field, so it can hold
	// any value in [0, 128).
	FlatMultiDynamicMaxPhases = uint8(flatMultiIndexMask>>flatMultiIndexShift) + 1
)

func flatMultiState(w uint64) state {
	if w&flatMultiStateMask != 0 {
		return exiting
	}
	return entering
}

func flatMultiSetState(w uint64, s state) uint64 {
	if s == exiting {
		return w | flatMultiStateMask
	}
	return w &^ flatMultiStateMask
}

func flatMultiIndex(w uint64) uint8 {
	return uint8((w & flatMultiIndexMask) >> flatMultiIndexShift)
}

func flatMultiSetIndex(w uint64, v uint8) uint64 {
	return (w &^ flatMultiIndexMask) | (uint64(v) << flatMultiIndexShift)
}

func flatMultiThreads(w uint64) uint32 {
	return uint32((w & flatMultiThreadsMask) >> flatMultiThreadsShift)
}

func flatMultiSetThreads(w uint64, v uint32) uint64 {
	return (w &^ flatMultiThreadsMask) | (uint64(v) << flatMultiThreadsShift)
}

func flatMultiWaiting(w uint64) uint32 {
	return uint32(w & flatMultiWaitingMask)
}

func flatMultiSetWaiting(w uint64, v uint32) uint64 {
	return (w &^ flatMultiWaitingMask) | uint64(v)
}

// NewFlatMultiDynamic returns an empty barrier cycling through
// maxPhases logical phases, indexed [0, maxPhases).
func NewFlatMultiDynamic(maxPhases uint8, maxThreads uint32) *FlatMultiDynamic {
	return &FlatMultiDynamic{maxThreads: maxThreads, maxPhases: maxPhases}
}

// NewFlatMultiDynamicEnrolled returns a barrier with initialEnrolled
// participants already opted in.
func NewFlatMultiDynamicEnrolled(maxPhases uint8, maxThreads, initialEnrolled uint32) *FlatMultiDynamic {
	b := &FlatMultiDynamic{maxThreads: maxThreads, maxPhases: maxPhases}
	b.word = flatMultiSetThreads(b.word, initialEnrolled)
	return b
}

// OptIn enrolls the calling goroutine. As FlatDynamic.OptIn, plus it
// additionally requires the cycle be at its home position (index ==
// 0), bounding the latency of a pending opt-in to one full cycle
// rather than a single phase.
func (b *FlatMultiDynamic) OptIn() {
	for {
		old := atomic.LoadUint64(&b.word)
		if flatMultiWaiting(old) != 0 || flatMultiState(old) != entering || flatMultiIndex(old) != 0 {
			continue
		}
		next := flatMultiSetThreads(old, flatMultiThreads(old)+1)
		if atomic.CompareAndSwapUint64(&b.word, old, next) {
			return
		}
	}
}

// OptOut disenrolls the calling goroutine. As FlatDynamic.OptOut, plus
// it additionally requires index == 0.
func (b *FlatMultiDynamic) OptOut() {
	for {
		old := atomic.LoadUint64(&b.word)
		if flatMultiState(old) != entering || flatMultiIndex(old) != 0 {
			continue
		}
		threads := flatMultiThreads(old)
		waiting := flatMultiWaiting(old)
		if waiting >= threads {
			continue
		}
		newThreads := threads - 1
		next := flatMultiSetThreads(old, newThreads)
		if waiting == newThreads && newThreads != 0 {
			next = flatMultiSetState(next, exiting)
		}
		if atomic.CompareAndSwapUint64(&b.word, old, next) {
			return
		}
	}
}

// Arrive blocks until every enrolled participant has called
// Arrive(phase), then releases them all and advances the cycle to
// (phase+1) mod maxPhases. A goroutine calling Arrive with a phase
// that doesn't match the barrier's current index blocks until the
// cycle reaches it. Returns this goroutine's 0-based arrival order
// within the phase.
func (b *FlatMultiDynamic) Arrive(phase uint8) uint32 {
	old := atomic.LoadUint64(&b.word)
	var order uint32
	for {
		if flatMultiState(old) != entering || flatMultiIndex(old) != phase {
			old = atomic.LoadUint64(&b.word)
			continue
		}
		waiting := flatMultiWaiting(old)
		threads := flatMultiThreads(old)
		next := flatMultiSetWaiting(old, waiting+1)
		if waiting+1 == threads {
			next = flatMultiSetState(next, exiting)
		}
		if atomic.CompareAndSwapUint64(&b.word, old, next) {
			order = waiting
			break
		}
		old = atomic.LoadUint64(&b.word)
	}

	for flatMultiState(atomic.LoadUint64(&b.word)) != exiting {
	}

	for {
		cur := atomic.LoadUint64(&b.word)
		w := flatMultiWaiting(cur)
		newWaiting := w - 1
		next := flatMultiSetWaiting(cur, newWaiting)
		if newWaiting == 0 {
			next = flatMultiSetState(next, entering)
			nextIndex := flatMultiIndex(cur) + 1
			if nextIndex == b.maxPhases {
				nextIndex = 0
			}
			next = flatMultiSetIndex(next, nextIndex)
		}
		if atomic.CompareAndSwapUint64(&b.word, cur, next) {
			return order
		}
	}
}

// MaxThreads returns the capacity hint the barrier was constructed with.
func (b *FlatMultiDynamic) MaxThreads() uint32 {
	return b.maxThreads
}

// MaxPhases returns the configured length of the phase cycle.
func (b *FlatMultiDynamic) MaxPhases() uint8 {
	return b.maxPhases
}

// OptedIn returns the current number of enrolled participants (an
// unsynchronized instantaneous snapshot).
func (b *FlatMultiDynamic) OptedIn() uint32 {
	return flatMultiThreads(atomic.LoadUint64(&b.word))
}

// Waiting returns the current number of participants blocked in
// Arrive (an unsynchronized instantaneous snapshot).
func (b *FlatMultiDynamic) Waiting() uint32 {
	return flatMultiWaiting(atomic.LoadUint64(&b.word))
}

// Index returns the phase currently being served (an unsynchronized
// instantaneous snapshot).
func (b *FlatMultiDynamic) Index() uint8 {
	return flatMultiIndex(atomic.LoadUint64(&b.word))
}
