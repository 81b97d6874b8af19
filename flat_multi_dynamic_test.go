package dynbar

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatMultiDynamicSinglePhaseMatchesFlatDynamic(t *testing.T) {
	// With maxPhases == 1, FlatMultiDynamic must behave identically to
	// FlatDynamic.
	const n = 4
	b := NewFlatMultiDynamicEnrolled(1, n, n)

	var wg sync.WaitGroup
	orders := make([]uint32, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			orders[i] = b.Arrive(0)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint32]bool, n)
	for _, o := range orders {
		seen[o] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, uint8(0), b.Index())
	assert.Equal(t, uint32(0), b.Waiting())
}

// TestFlatMultiDynamicTwoPhaseCycle runs many goroutines repeatedly
// through a two-phase cycle and checks that, after the last full
// cycle, the barrier is back at phase 0 and quiescent.
func TestFlatMultiDynamicTwoPhaseCycle(t *testing.T) {
	const n = 4
	const iterations = 300
	b := NewFlatMultiDynamicEnrolled(2, n, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				b.Arrive(0)
				b.Arrive(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, uint8(0), b.Index())
	require.Equal(t, uint32(0), b.Waiting())
}

// TestFlatMultiDynamicPhaseMismatchBlocks: a goroutine calling
// Arrive(1) while index == 0 must not be admitted (must not increment
// waiting) until phase 0 has fully drained.
func TestFlatMultiDynamicPhaseMismatchBlocks(t *testing.T) {
	const n = 2
	b := NewFlatMultiDynamicEnrolled(2, n, n)

	probeDone := make(chan struct{})
	go func() {
		// Blocks until index reaches 1; leaves one phase-1 slot filled,
		// so it only returns once something else supplies the second.
		b.Arrive(1)
		close(probeDone)
	}()

	for i := 0; i < 1000; i++ {
		select {
		case <-probeDone:
			t.Fatal("Arrive(1) returned before phase 0 completed")
		default:
		}
		assert.Equal(t, uint32(0), b.Waiting())
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); b.Arrive(0) }()
	go func() { defer wg.Done(); b.Arrive(0) }()
	wg.Wait()

	// Phase 0 has drained, advancing index to 1; the probe's Arrive(1)
	// should now be admitted as the first of phase 1's two arrivals.
	deadline := time.Now().Add(time.Second)
	for b.Waiting() == 0 && time.Now().Before(deadline) {
	}
	assert.Equal(t, uint8(1), b.Index())
	assert.Equal(t, uint32(1), b.Waiting())

	b.Arrive(1) // supply the second phase-1 arrival, releasing the probe
	<-probeDone
}

func TestFlatMultiDynamicRoundTripIdempotence(t *testing.T) {
	const n = 6
	const iterations = 200
	b := NewFlatMultiDynamic(3, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.OptIn()
			for j := 0; j < iterations; j++ {
				b.Arrive(0)
				b.Arrive(1)
				b.Arrive(2)
			}
			b.OptOut()
		}()
	}
	wg.Wait()

	assert.Equal(t, uint32(0), b.OptedIn())
	assert.Equal(t, uint32(0), b.Waiting())
	assert.Equal(t, uint8(0), b.Index())
}
