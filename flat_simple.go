package dynbar

import "sync/atomic"

// FlatSimple is a fixed-membership barrier: the expected participant
// count ("target") is adjusted explicitly via IncrementTarget and
// DecrementTarget rather than an opt-in/opt-out protocol, and there is
// a single phase. Target and the in-flight arrival count are packed
// into one atomic word so both can be read and updated together.
//
// IncrementTarget/DecrementTarget must only be called between phases
// (i.e. while no Arrive call is in flight); this is the caller's
// responsibility to enforce.
type FlatSimple struct {
	word uint64 // packed (target, count), 32 bits each
}

const (
	flatSimpleCountMask   = uint64(1)<<32 - 1
	flatSimpleTargetShift = 32
)

func packFlatSimple(target, count uint32) uint64 {
	return uint64(target)<<flatSimpleTargetShift | uint64(count)
}

func unpackFlatSimple(word uint64) (target, count uint32) {
	return uint32(word >> flatSimpleTargetShift), uint32(word & flatSimpleCountMask)
}

// NewFlatSimple returns a barrier with target 0. Callers must call
// IncrementTarget for each participant before any Arrive.
func NewFlatSimple() *FlatSimple {
	return &FlatSimple{}
}

// IncrementTarget grows the expected participant count by one. Legal
// only between phases; retries (rather than blocks) until the barrier
// is observed quiescent.
func (b *FlatSimple) IncrementTarget() {
	old := atomic.LoadUint64(&b.word)
	for {
		target, _ := unpackFlatSimple(old)
		assumedQuiescent := packFlatSimple(target, 0)
		next := packFlatSimple(target+1, 0)
		if atomic.CompareAndSwapUint64(&b.word, assumedQuiescent, next) {
			return
		}
		old = atomic.LoadUint64(&b.word)
	}
}

// DecrementTarget shrinks the expected participant count by one. It
// spins until count < target (never while a phase is fully admitted),
// avoiding the deadlock of waiting for quiescence while other threads
// are themselves waiting on this one to arrive.
func (b *FlatSimple) DecrementTarget() {
	old := b.spinUntilBelowTarget()
	for {
		target, count := unpackFlatSimple(old)
		next := packFlatSimple(target-1, count)
		if atomic.CompareAndSwapUint64(&b.word, old, next) {
			return
		}
		old = b.spinUntilBelowTarget()
	}
}

func (b *FlatSimple) spinUntilBelowTarget() uint64 {
	for {
		word := atomic.LoadUint64(&b.word)
		target, count := unpackFlatSimple(word)
		if count < target {
			return word
		}
	}
}

// Arrive blocks the calling goroutine until target goroutines have
// called Arrive, then releases all of them. It returns this
// goroutine's 0-based arrival order within the phase.
func (b *FlatSimple) Arrive() uint32 {
	old := atomic.LoadUint64(&b.word)
	var target, preCount uint32
	for {
		var count uint32
		target, count = unpackFlatSimple(old)
		preCount = count
		next := packFlatSimple(target, count+1)
		if atomic.CompareAndSwapUint64(&b.word, old, next) {
			break
		}
		old = atomic.LoadUint64(&b.word)
	}

	if preCount != 0 {
		// Not the leader: wait for the leader to reset count to 0.
		for {
			_, count := unpackFlatSimple(atomic.LoadUint64(&b.word))
			if count == 0 {
				return preCount
			}
		}
	}

	// Leader: wait until every other participant has arrived, then
	// release everyone by resetting count back to 0.
	assumedFull := atomic.LoadUint64(&b.word)
	for {
		t, c := unpackFlatSimple(assumedFull)
		if c != t {
			assumedFull = atomic.LoadUint64(&b.word)
			continue
		}
		next := packFlatSimple(t, 0)
		if atomic.CompareAndSwapUint64(&b.word, assumedFull, next) {
			return 0
		}
		assumedFull = atomic.LoadUint64(&b.word)
	}
}
