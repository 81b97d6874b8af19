package dynbar

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTreeDynamicValidatesNodeSize(t *testing.T) {
	_, err := NewTreeDynamic(16, 3)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewTreeDynamic(16, 16)
	require.ErrorIs(t, err, ErrInvalidArgument)

	b, err := NewTreeDynamic(16, 4)
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestTreeDynamicSingleLevelMatchesFlatDynamic(t *testing.T) {
	// maxThreads <= nodeSize degenerates to a single node acting as
	// both root and leaf, which must behave like FlatDynamic.
	const n = 4
	b, err := NewTreeDynamicEnrolled(n, 8, n)
	require.NoError(t, err)
	require.Equal(t, uint32(1), b.depth)

	var wg sync.WaitGroup
	for tid := uint32(0); tid < n; tid++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			b.Arrive(tid)
		}(tid)
	}
	wg.Wait()

	assert.Equal(t, uint32(n), b.OptedIn())
	assert.Equal(t, uint32(0), b.Waiting())
}

func TestTreeDynamicSingleParticipant(t *testing.T) {
	b, err := NewTreeDynamic(1, 2)
	require.NoError(t, err)
	b.OptIn(0)
	b.Arrive(0)
	assert.Equal(t, uint32(0), b.Waiting())
}

// TestTreeDynamicHierarchical: 16 threads enrolled under node size 4,
// each arriving many times, with no deadlock and every arrival
// observing a consistent phase (tested here as: every goroutine
// completes all its rounds and the barrier ends with waiting == 0).
func TestTreeDynamicHierarchical(t *testing.T) {
	const n = 16
	const iterations = 300
	b, err := NewTreeDynamicEnrolled(n, 4, n)
	require.NoError(t, err)

	var wg sync.WaitGroup
	localRounds := make([]int, n)

	for tid := uint32(0); tid < n; tid++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				b.Arrive(tid)
				localRounds[tid] = i
			}
		}(tid)
	}
	wg.Wait()

	for _, r := range localRounds {
		assert.Equal(t, iterations-1, r)
	}
	assert.Equal(t, uint32(0), b.Waiting())
	assert.Equal(t, uint32(n), b.OptedIn())
}

// TestTreeDynamicChurn: threads randomly toggle opt-in/opt-out between
// arrivals. The barrier must never deadlock and OptedIn must never
// exceed maxThreads.
func TestTreeDynamicChurn(t *testing.T) {
	const n = 16
	const iterations = 200
	b, err := NewTreeDynamicEnrolled(n, 4, n)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for tid := uint32(0); tid < n; tid++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(tid)))
			enrolled := true
			for i := 0; i < iterations; i++ {
				if rng.Intn(100) == 0 {
					if enrolled {
						b.OptOut(tid)
						enrolled = false
					} else {
						b.OptIn(tid)
						enrolled = true
					}
					continue
				}
				if enrolled {
					b.Arrive(tid)
				}
			}
			if enrolled {
				b.OptOut(tid)
			}
		}(tid)
	}
	wg.Wait()

	assert.Equal(t, uint32(0), b.OptedIn())
	assert.LessOrEqual(t, b.OptedIn(), b.MaxThreads())
}

func TestTreeDynamicOptOutLastReturnsToNeutral(t *testing.T) {
	b, err := NewTreeDynamicEnrolled(8, 4, 4)
	require.NoError(t, err)

	for tid := uint32(0); tid < 4; tid++ {
		b.OptOut(tid)
	}

	assert.Equal(t, uint32(0), b.OptedIn())
	assert.Equal(t, uint32(0), b.Waiting())
	for _, lvl := range b.levels {
		for _, word := range lvl {
			assert.Equal(t, entering, treeNodeState(word))
			assert.Equal(t, uint32(0), treeNodeThreads(word))
		}
	}
}

func TestTreeDynamicRoundTripIdempotence(t *testing.T) {
	const n = 8
	const iterations = 150
	b, err := NewTreeDynamic(n, 4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for tid := uint32(0); tid < n; tid++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			b.OptIn(tid)
			for i := 0; i < iterations; i++ {
				b.Arrive(tid)
			}
			b.OptOut(tid)
		}(tid)
	}
	wg.Wait()

	assert.Equal(t, uint32(0), b.OptedIn())
	assert.Equal(t, uint32(0), b.Waiting())
}
