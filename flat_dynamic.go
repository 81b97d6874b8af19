package dynbar

import "sync/atomic"

// FlatDynamic is a barrier whose participant set can change between
// phases via OptIn/OptOut, packed into a single atomic word of
// (state, threads, waiting). Unlike FlatSimple, membership changes are
// self-service: a goroutine enrolls and disenrolls itself rather than
// having an external caller adjust a target count.
type FlatDynamic struct {
	maxThreads uint32
	word       uint64 // packed (state:1, threads:31, waiting:31)
}

const (
	flatDynWaitingBits  = 31
	flatDynThreadsBits  = 31
	flatDynWaitingMask  = uint64(1)<<flatDynWaitingBits - 1
	flatDynThreadsShift = flatDynWaitingBits
	flatDynThreadsMask  = (uint64(1)<<flatDynThreadsBits - 1) << flatDynThreadsShift
	flatDynStateShift   = flatDynThreadsShift + flatDynThreadsBits
	flatDynStateMask    = uint64(1) << flatDynStateShift

	// FlatDynamicMaxThreads is the largest participant count the packed
	// word can represent.
	FlatDynamicMaxThreads = uint32(flatDynThreadsMask >> flatDynThreadsShift)
)

func flatDynState(w uint64) state {
	if w&flatDynStateMask != 0 {
		return exiting
	}
	return entering
}

func flatDynSetState(w uint64, s state) uint64 {
	if s == exiting {
		return w | flatDynStateMask
	}
	return w &^ flatDynStateMask
}

func flatDynThreads(w uint64) uint32 {
	return uint32((w & flatDynThreadsMask) >> flatDynThreadsShift)
}

func flatDynSetThreads(w uint64, v uint32) uint64 {
	return (w &^ flatDynThreadsMask) | (uint64(v) << flatDynThreadsShift)
}

func flatDynWaiting(w uint64) uint32 {
	return uint32(w & flatDynWaitingMask)
}

func flatDynSetWaiting(w uint64, v uint32) uint64 {
	return (w &^ flatDynWaitingMask) | uint64(v)
}

// NewFlatDynamic returns an empty barrier. maxThreads is a capacity
// hint; exceeding it is a precondition violation (see
// FlatDynamicMaxThreads for the hard ceiling the packed word allows).
func NewFlatDynamic(maxThreads uint32) *FlatDynamic {
	return &FlatDynamic{maxThreads: maxThreads}
}

// NewFlatDynamicEnrolled returns a barrier with initialEnrolled
// participants already opted in.
func NewFlatDynamicEnrolled(maxThreads, initialEnrolled uint32) *FlatDynamic {
	b := &FlatDynamic{maxThreads: maxThreads}
	b.word = flatDynSetThreads(b.word, initialEnrolled)
	return b
}

// OptIn enrolls the calling goroutine. It retries until the barrier is
// observed quiescent (no one waiting) and ENTERING, forbidding opt-in
// while a phase is in progress so the admission set for that phase
// stays fixed.
func (b *FlatDynamic) OptIn() {
	for {
		old := atomic.LoadUint64(&b.word)
		if flatDynWaiting(old) != 0 || flatDynState(old) != entering {
			continue
		}
		next := flatDynSetThreads(old, flatDynThreads(old)+1)
		if atomic.CompareAndSwapUint64(&b.word, old, next) {
			return
		}
	}
}

// OptOut disenrolls the calling goroutine. It is legal even while
// other participants are mid-Arrive (state ENTERING, waiting <
// threads); requiring full quiescence here would deadlock, since the
// opting-out goroutine might be the very one the waiters are blocked
// on. If the decrement closes the gap (waiting == new threads, and
// some participants remain), OptOut itself flips the barrier to
// EXITING, releasing the waiters.
func (b *FlatDynamic) OptOut() {
	for {
		old := atomic.LoadUint64(&b.word)
		threads := flatDynThreads(old)
		waiting := flatDynWaiting(old)
		if flatDynState(old) != entering || waiting >= threads {
			continue
		}
		newThreads := threads - 1
		next := flatDynSetThreads(old, newThreads)
		if waiting == newThreads && newThreads != 0 {
			next = flatDynSetState(next, exiting)
		}
		if atomic.CompareAndSwapUint64(&b.word, old, next) {
			return
		}
	}
}

// Arrive blocks until every enrolled participant has called Arrive for
// this phase, then releases them all. It returns this goroutine's
// 0-based arrival order, dense in [0, threads) for the phase's
// admitted participant count.
func (b *FlatDynamic) Arrive() uint32 {
	old := atomic.LoadUint64(&b.word)
	var order uint32
	for {
		if flatDynState(old) != entering {
			old = atomic.LoadUint64(&b.word)
			continue
		}
		waiting := flatDynWaiting(old)
		threads := flatDynThreads(old)
		next := flatDynSetWaiting(old, waiting+1)
		if waiting+1 == threads {
			next = flatDynSetState(next, exiting)
		}
		if atomic.CompareAndSwapUint64(&b.word, old, next) {
			order = waiting
			break
		}
		old = atomic.LoadUint64(&b.word)
	}

	for flatDynState(atomic.LoadUint64(&b.word)) != exiting {
	}

	for {
		cur := atomic.LoadUint64(&b.word)
		w := flatDynWaiting(cur)
		newWaiting := w - 1
		next := flatDynSetWaiting(cur, newWaiting)
		if newWaiting == 0 {
			next = flatDynSetState(next, entering)
		}
		if atomic.CompareAndSwapUint64(&b.word, cur, next) {
			return order
		}
	}
}

// MaxThreads returns the capacity hint the barrier was constructed
// with (not enforced by the packed word beyond FlatDynamicMaxThreads).
func (b *FlatDynamic) MaxThreads() uint32 {
	return b.maxThreads
}

// OptedIn returns the current number of enrolled participants. This is
// an unsynchronized instantaneous snapshot, not a linearized read.
func (b *FlatDynamic) OptedIn() uint32 {
	return flatDynThreads(atomic.LoadUint64(&b.word))
}

// Waiting returns the current number of participants blocked in
// Arrive. Same snapshot caveat as OptedIn.
func (b *FlatDynamic) Waiting() uint32 {
	return flatDynWaiting(atomic.LoadUint64(&b.word))
}
