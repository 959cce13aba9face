package blockpool

import "sync/atomic"

// region describes one registered, page-aligned memory span. It is
// immutable once installed; the only mutable piece of region bookkeeping
// lives in regionTable.count, which publishes how many prefix entries
// are safe to read.
type region struct {
	start uint64 // base address, as returned by unsafe.Pointer(&mem[0])
	size  uint64
	lkey  uint32 // nonzero registration key; 0 is never installed
	class int    // size class this region's blocks belong to

	mem []byte // backing slice from unix.Mmap, kept alive for Munmap
}

func (r *region) contains(addr uint64) bool {
	return addr >= r.start && addr < r.start+r.size
}

// regionTable is a fixed-capacity array: a dense prefix of installed
// regions plus an atomically published count. Writers hold
// extendMu; readers take no lock at all and rely on the store-release /
// load-acquire pairing that sync/atomic already guarantees.
type regionTable struct {
	count   atomic.Int32
	regions []region // len == max_regions, fixed at construction
}

func newRegionTable(maxRegions int) *regionTable {
	return &regionTable{regions: make([]region, maxRegions)}
}

// installedCount returns the load-acquire snapshot of how many regions
// are safe to read right now.
func (t *regionTable) installedCount() int32 {
	return t.count.Load()
}

// install writes r into the next free slot and publishes the new count.
// The caller must hold extendMu and must have already verified there is
// room (installedCount() < len(t.regions)).
func (t *regionTable) install(r region) int32 {
	idx := t.count.Load()
	t.regions[idx] = r
	t.count.Store(idx + 1)
	return idx
}

// at returns a pointer to the i-th installed region. The caller must
// have observed i < installedCount().
func (t *regionTable) at(i int32) *region {
	return &t.regions[i]
}

// regionOf scans the installed prefix for the region containing addr.
// Linear scan over at most 16 entries is intentional: it beats any
// tree at this size and keeps the hot path lock-free.
func (t *regionTable) regionOf(addr uint64) *region {
	n := t.count.Load()
	for i := int32(0); i < n; i++ {
		r := &t.regions[i]
		if r.contains(addr) {
			return r
		}
	}
	return nil
}
