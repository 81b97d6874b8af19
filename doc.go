// Package dynbar implements a family of dynamic thread barriers:
// synchronization points on which a variable number of goroutines
// rendezvous, whose participant set may grow or shrink between
// rendezvous episodes without tearing down and recreating the barrier.
//
// Four variants are provided, each its own type:
//
//   - FlatSimple: fixed-membership barrier, single packed atomic word,
//     membership adjusted via IncrementTarget/DecrementTarget.
//   - FlatDynamic: dynamic membership via OptIn/OptOut, single phase.
//   - FlatMultiDynamic: FlatDynamic extended with a cycle of N phases.
//   - TreeDynamic: k-ary tree of FlatDynamic-like nodes, trading one hot
//     contended word for a logarithmic chain of less contended ones.
//
// All four share the same core technique: the whole of a barrier node's
// state (which admission phase it is in, how many participants are
// enrolled, how many are currently blocked) is packed into a single
// machine word so that a compare-and-swap can transition the tuple
// atomically. Waiting is busy-spin only; there is no wake-up/signaling
// of blocked goroutines and no cross-process use. A goroutine must
// complete one Arrive call before issuing the next.
package dynbar

import "errors"

// ErrInvalidArgument is returned by constructors that validate their
// arguments at construction time (currently only NewTreeDynamic's node
// size check). Precondition violations elsewhere (exceeding max
// threads, arriving with an out-of-range phase, opting out while not
// opted in) are the caller's contract and are not reported as errors.
var ErrInvalidArgument = errors.New("dynbar: invalid argument")

// state is the two-state ENTERING/EXITING discriminant packed into
// every barrier node's atomic word.
type state uint8

const (
	entering state = iota
	exiting
)
