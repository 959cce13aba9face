package blockpool

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const mib = 1 << 20

// extendRegion mmaps a new region, carves it into ready extents for
// every bucket of class, and installs it into the region table. The
// caller must already hold p.extendMu; extendRegion never acquires it
// itself so that Alloc's "bucket lock before extend lock" ordering is
// the only place that lock is taken from the hot path.
func (p *Pool) extendRegion(sizeMB uint64, class int) error {
	label := classLabel(p.classSizes[class])

	if p.regions.installedCount() >= int32(len(p.regions.regions)) {
		extendTotal.WithLabelValues(label, resultFailure).Inc()
		extendFailures.Inc()
		return fmt.Errorf("%w: region table full", ErrOutOfMemory)
	}

	classSize := p.classSizes[class]
	k := uint64(p.cfg.Buckets)

	// Regularize: truncating integer division, not rounding. A request
	// that isn't an exact multiple of classSize*K silently shrinks
	// rather than erroring or growing.
	raw := sizeMB * mib
	perBucket := raw / (classSize * k)
	actual := perBucket * classSize * k
	if actual == 0 {
		extendTotal.WithLabelValues(label, resultFailure).Inc()
		extendFailures.Inc()
		return fmt.Errorf("%w: region size too small for class %d with %d buckets", ErrOutOfMemory, class, p.cfg.Buckets)
	}

	mem, err := unix.Mmap(-1, 0, int(actual),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_POPULATE)
	if err != nil {
		extendTotal.WithLabelValues(label, resultFailure).Inc()
		extendFailures.Inc()
		return fmt.Errorf("%w: mmap %d bytes: %v", ErrOutOfMemory, actual, err)
	}

	base := uintptr(unsafe.Pointer(&mem[0]))
	lkey := p.registerCB(unsafe.Pointer(&mem[0]), uintptr(actual))
	if lkey == 0 {
		_ = unix.Munmap(mem)
		extendTotal.WithLabelValues(label, resultFailure).Inc()
		extendFailures.Inc()
		return ErrRegistrationFailed
	}

	// Pre-allocate K idle nodes before the region becomes visible; on
	// shortage, unwind everything acquired so far and fail clean.
	nodeIdx := make([]int32, 0, p.cfg.Buckets)
	for i := 0; i < p.cfg.Buckets; i++ {
		idx, ok := p.nodes.get()
		if !ok {
			for _, acquired := range nodeIdx {
				p.nodes.put(acquired)
			}
			_ = unix.Munmap(mem)
			nodePoolExhausted.Inc()
			extendTotal.WithLabelValues(label, resultFailure).Inc()
			extendFailures.Inc()
			return fmt.Errorf("%w: node pool exhausted during extension", ErrOutOfMemory)
		}
		nodeIdx = append(nodeIdx, idx)
	}

	p.regions.install(region{
		start: uint64(base),
		size:  actual,
		lkey:  lkey,
		class: class,
		mem:   mem,
	})

	extentLen := actual / k
	cs := p.classes[class]
	for i, idx := range nodeIdx {
		n := p.nodes.at(idx)
		n.start = uint64(base) + uint64(i)*extentLen
		n.len = extentLen
		cs.pushReady(idx, p.nodes)
	}

	regionsTotal.WithLabelValues(label).Inc()
	extendTotal.WithLabelValues(label, resultSuccess).Inc()
	return nil
}
