package blockpool

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastrand"
)

var errUnexpectedNil = errors.New("blockpool test: Alloc returned nil pointer with no error")

// TestConcurrentAllocDeallocStress runs 32 goroutines each performing
// 1000 (alloc, dealloc) pairs across varying classes. No null returns,
// no crashes, and every class's idle byte count returns to its
// pre-stress baseline once every goroutine has finished, since every
// allocation in the run is paired with an immediate deallocation.
func TestConcurrentAllocDeallocStress(t *testing.T) {
	cfg := smallConfig()
	cb := &testRegisterCB{}
	p, err := New(cfg, cb.fn())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })

	// Warm up every class so the baseline already reflects whatever
	// extension the first touch of that class triggers.
	sizes := []uint64{8192, 16384, 32768, 65536}
	for _, size := range sizes {
		ptr, err := p.Alloc(size)
		require.NoError(t, err)
		require.NoError(t, p.Dealloc(ptr))
	}
	// Alloc picks its bucket at random, so drain every remaining ready
	// extent into its bucket here; a bucket first touched during the
	// stress run would otherwise add its whole extent to the idle bytes.
	for c := 0; c < numClasses; c++ {
		cs := p.classes[c]
		for b := 0; b < cfg.Buckets; b++ {
			cs.mus[b].Lock()
			p.extendMu.Lock()
			p.drainReadyLocked(cs, c, b)
			p.extendMu.Unlock()
			cs.mus[b].Unlock()
		}
	}

	baseline := make([]uint64, numClasses)
	for c := 0; c < numClasses; c++ {
		baseline[c] = p.GetGlobalLen(c)
	}

	const goroutines = 32
	const iterations = 1000

	var wg sync.WaitGroup
	errs := make(chan error, goroutines)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				size := sizes[fastrand.Uint32n(uint32(len(sizes)))]
				ptr, err := p.Alloc(size)
				if err != nil {
					errs <- err
					return
				}
				if ptr == nil {
					errs <- errUnexpectedNil
					return
				}
				if err := p.Dealloc(ptr); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for c := 0; c < numClasses; c++ {
		require.Equal(t, baseline[c], p.GetGlobalLen(c), "class %d idle bytes drifted from baseline", c)
	}
}
