package dynbar

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// TreeDynamic is a k-ary tree of FlatDynamic-like atomic nodes. Each
// goroutine has a fixed identity tid in [0, maxThreads) that selects a
// unique leaf; a non-leaf node's "threads" counts the number of
// immediate child nodes with at least one enrolled participant, not
// individual goroutines. Arrivals contend only with siblings sharing a
// leaf node (nodeSize-way contention); only the last arriver at a
// given node ever walks higher, making the critical path O(depth)
// compare-and-swaps instead of O(threads) on one hot word.
type TreeDynamic struct {
	maxThreads uint32
	nodeSize   uint32
	depth      uint32
	shift      uint32
	// levels[0] is the root (a single node); levels[depth-1] holds the
	// leaves. Each entry is one node's packed atomic word.
	levels [][]uint32
	// optInMu serializes OptIn only: opt-in is rare relative to Arrive,
	// so paying for a mutex there is acceptable and avoids the races a
	// lock-free upward-propagation-on-0-to-1-transition would invite.
	// Arrive and OptOut never take it.
	optInMu sync.Mutex
}

const (
	treeNodeWaitingMask  = uint32(0xFF)
	treeNodeThreadsShift = 8
	treeNodeThreadsMask  = uint32(0xFF) << treeNodeThreadsShift
	treeNodeStateShift   = 16
	treeNodeStateMask    = uint32(1) << treeNodeStateShift

	// TreeDynamicMaxNodeSize is the largest fan-out a node may have;
	// the packed per-node word budgets 8 bits each for threads and
	// waiting.
	TreeDynamicMaxNodeSize = 8
)

func treeNodeState(w uint32) state {
	if w&treeNodeStateMask != 0 {
		return exiting
	}
	return entering
}

func treeNodeSetState(w uint32, s state) uint32 {
	if s == exiting {
		return w | treeNodeStateMask
	}
	return w &^ treeNodeStateMask
}

func treeNodeThreads(w uint32) uint32 {
	return (w & treeNodeThreadsMask) >> treeNodeThreadsShift
}

func treeNodeSetThreads(w, v uint32) uint32 {
	return (w &^ treeNodeThreadsMask) | (v << treeNodeThreadsShift)
}

func treeNodeWaiting(w uint32) uint32 {
	return w & treeNodeWaitingMask
}

func treeNodeSetWaiting(w, v uint32) uint32 {
	return (w &^ treeNodeWaitingMask) | v
}

// treeDepth computes the number of tree levels: the smallest depth whose
// nodeSize^depth leaf slots cover every tid in [0, maxThreads), with a
// floor of 1 (a single node, acting as both root and leaf, when
// maxThreads <= nodeSize).
func treeDepth(maxThreads, nodeSize uint32) uint32 {
	depth := uint32(1)
	for capacity := uint64(nodeSize); nodeSize > 1 && capacity < uint64(maxThreads); capacity *= uint64(nodeSize) {
		depth++
	}
	return depth
}

// NewTreeDynamic returns an empty barrier over maxThreads goroutines,
// identified by tid in [0, maxThreads), arranged under nodes of fan-out
// nodeSize. nodeSize must be a power of two no greater than
// TreeDynamicMaxNodeSize, or construction fails with
// ErrInvalidArgument.
func NewTreeDynamic(maxThreads, nodeSize uint32) (*TreeDynamic, error) {
	if nodeSize == 0 || nodeSize&(nodeSize-1) != 0 {
		return nil, fmt.Errorf("dynbar: node size %d is not a power of two: %w", nodeSize, ErrInvalidArgument)
	}
	if nodeSize > TreeDynamicMaxNodeSize {
		return nil, fmt.Errorf("dynbar: node size %d exceeds maximum of %d: %w", nodeSize, TreeDynamicMaxNodeSize, ErrInvalidArgument)
	}

	shift := uint32(0)
	for v := nodeSize; v > 1; v >>= 1 {
		shift++
	}

	depth := treeDepth(maxThreads, nodeSize)
	t := &TreeDynamic{
		maxThreads: maxThreads,
		nodeSize:   nodeSize,
		depth:      depth,
		shift:      shift,
	}
	t.levels = make([][]uint32, depth)
	nodes := uint32(1)
	for lvl := uint32(0); lvl < depth; lvl++ {
		t.levels[lvl] = make([]uint32, nodes)
		nodes *= nodeSize
	}
	return t, nil
}

// NewTreeDynamicEnrolled returns a barrier with goroutines [0,
// initialEnrolled) already opted in.
func NewTreeDynamicEnrolled(maxThreads, nodeSize, initialEnrolled uint32) (*TreeDynamic, error) {
	t, err := NewTreeDynamic(maxThreads, nodeSize)
	if err != nil {
		return nil, err
	}
	for tid := uint32(0); tid < initialEnrolled; tid++ {
		t.OptIn(tid)
	}
	return t, nil
}

// nodeIndexAt returns tid's node index at the given level (0 = root,
// depth-1 = leaf).
func (t *TreeDynamic) nodeIndexAt(tid, level uint32) uint32 {
	return tid >> (t.shift * (t.depth - level))
}

func (t *TreeDynamic) slot(level, node uint32) *uint32 {
	return &t.levels[level][node]
}

// OptIn enrolls goroutine tid. It walks from tid's leaf upward,
// CAS-incrementing threads at each node under the precondition that
// the node is quiescent and ENTERING; it stops as soon as a node's
// pre-increment threads was nonzero (an ancestor already counts this
// subtree as non-empty), continuing upward only when it observes a
// 0-to-1 transition. The walk is serialized against other OptIns by
// optInMu to avoid racing on that upward-propagation decision; it
// never blocks Arrive or OptOut.
func (t *TreeDynamic) OptIn(tid uint32) {
	t.optInMu.Lock()
	defer t.optInMu.Unlock()

	for level := t.depth - 1; ; level-- {
		node := t.nodeIndexAt(tid, level)
		slot := t.slot(level, node)
		var preThreads uint32
		for {
			old := atomic.LoadUint32(slot)
			if treeNodeWaiting(old) != 0 || treeNodeState(old) != entering {
				continue
			}
			preThreads = treeNodeThreads(old)
			next := treeNodeSetThreads(old, preThreads+1)
			if atomic.CompareAndSwapUint32(slot, old, next) {
				break
			}
		}
		if preThreads != 0 || level == 0 {
			return
		}
	}
}

// OptOut disenrolls goroutine tid. It walks from tid's leaf upward,
// waiting at each node for (state == ENTERING && waiting < threads)
// before CAS-decrementing threads — legal even mid-phase, since
// requiring quiescence would deadlock against waiters blocked on this
// very goroutine. If the decrement closes the gap, the same CAS flips
// the node to EXITING. The walk continues upward only when the
// decrement empties the node (threads reaches 0), disenrolling the
// subtree from its parent's count; no mutex is held.
func (t *TreeDynamic) OptOut(tid uint32) {
	for level := t.depth - 1; ; level-- {
		node := t.nodeIndexAt(tid, level)
		slot := t.slot(level, node)
		var newThreads uint32
		for {
			old := atomic.LoadUint32(slot)
			threads := treeNodeThreads(old)
			waiting := treeNodeWaiting(old)
			if treeNodeState(old) != entering || waiting >= threads {
				continue
			}
			newThreads = threads - 1
			next := treeNodeSetThreads(old, newThreads)
			if waiting == newThreads && newThreads != 0 {
				next = treeNodeSetState(next, exiting)
			}
			if atomic.CompareAndSwapUint32(slot, old, next) {
				break
			}
		}
		if newThreads != 0 || level == 0 {
			return
		}
	}
}

// Arrive blocks goroutine tid until every enrolled participant in its
// tree has rendezvoused, then releases them all. Unlike the flat
// variants, Arrive returns nothing: an order value would have to be
// synthesized from a leaf's pre-increment waiting count, which is not
// meaningful across the tree as a whole.
//
// The algorithm is two walks. Upward: at tid's leaf and each ancestor,
// CAS-increment waiting under precondition state == ENTERING. If the
// result is less than threads, this goroutine is not the last arriver
// at this node: it stops climbing, spins until the node reaches
// EXITING (set by whichever goroutine does complete the subtree), then
// begins the downward drain from this node. If the result equals
// threads, it is the last arriver and continues upward; at the root,
// being last additionally flips the node to EXITING. Downward: from
// the level where the walk stopped (exclusive) down to tid's leaf
// (inclusive), each node is forced to EXITING and its waiting count
// decremented, flipping back to ENTERING once a node's waiting count
// reaches 0.
func (t *TreeDynamic) Arrive(tid uint32) {
	var stopLevel uint32
	lastAtRoot := false

	for level := t.depth - 1; ; level-- {
		node := t.nodeIndexAt(tid, level)
		slot := t.slot(level, node)
		var waiting, threads uint32
		for {
			old := atomic.LoadUint32(slot)
			if treeNodeState(old) != entering {
				continue
			}
			waiting = treeNodeWaiting(old) + 1
			threads = treeNodeThreads(old)
			next := treeNodeSetWaiting(old, waiting)
			if atomic.CompareAndSwapUint32(slot, old, next) {
				break
			}
		}

		if waiting != threads {
			stopLevel = level
			break
		}
		if level == 0 {
			stopLevel = 0
			lastAtRoot = true
			break
		}
	}

	if lastAtRoot {
		t.forceExitAndDrain(0, t.nodeIndexAt(tid, 0))
	} else {
		slot := t.slot(stopLevel, t.nodeIndexAt(tid, stopLevel))
		for treeNodeState(atomic.LoadUint32(slot)) != exiting {
		}
		t.drain(slot)
	}

	for level := stopLevel + 1; level < t.depth; level++ {
		t.forceExitAndDrain(level, t.nodeIndexAt(tid, level))
	}
}

// drain decrements a node already known to be EXITING, flipping it
// back to ENTERING once waiting reaches 0.
func (t *TreeDynamic) drain(slot *uint32) {
	for {
		old := atomic.LoadUint32(slot)
		newWaiting := treeNodeWaiting(old) - 1
		next := treeNodeSetWaiting(old, newWaiting)
		if newWaiting == 0 {
			next = treeNodeSetState(next, entering)
		}
		if atomic.CompareAndSwapUint32(slot, old, next) {
			return
		}
	}
}

// forceExitAndDrain transitions a node that is still (locally)
// ENTERING with waiting == threads into EXITING and immediately
// decrements it, flipping straight back to ENTERING if that empties
// it. Every node the admission walk touched was left in ENTERING (the
// admission CAS never sets EXITING itself); this goroutine is the one
// responsible for explicitly propagating the drain signal to each of
// them afterward — to the root, if it was the overall last arriver,
// and to every node on the downward walk below the level where it
// stopped climbing.
func (t *TreeDynamic) forceExitAndDrain(level, node uint32) {
	slot := t.slot(level, node)
	for {
		old := atomic.LoadUint32(slot)
		newWaiting := treeNodeWaiting(old) - 1
		next := treeNodeSetState(old, exiting)
		next = treeNodeSetWaiting(next, newWaiting)
		if newWaiting == 0 {
			next = treeNodeSetState(next, entering)
		}
		if atomic.CompareAndSwapUint32(slot, old, next) {
			return
		}
	}
}

// MaxThreads returns the configured capacity.
func (t *TreeDynamic) MaxThreads() uint32 {
	return t.maxThreads
}

// NodeSize returns the configured fan-out.
func (t *TreeDynamic) NodeSize() uint32 {
	return t.nodeSize
}

// OptedIn returns the current number of enrolled participants, summed
// across leaf nodes (an unsynchronized instantaneous snapshot).
func (t *TreeDynamic) OptedIn() uint32 {
	leaves := t.levels[t.depth-1]
	total := uint32(0)
	for i := range leaves {
		total += treeNodeThreads(atomic.LoadUint32(&leaves[i]))
	}
	return total
}

// Waiting returns the current number of participants blocked in
// Arrive, summed across leaf nodes (an unsynchronized instantaneous
// snapshot).
func (t *TreeDynamic) Waiting() uint32 {
	leaves := t.levels[t.depth-1]
	total := uint32(0)
	for i := range leaves {
		total += treeNodeWaiting(atomic.LoadUint32(&leaves[i]))
	}
	return total
}
