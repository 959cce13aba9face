// Package blockpool implements a fixed-size block allocator over
// page-aligned, RDMA-registered memory regions. It amortizes the cost
// of memory registration by registering large regions up front and
// carving fixed-size blocks from them, sharding contention across a
// configurable number of buckets per size class.
package blockpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/valyala/fastrand"
	"golang.org/x/sys/unix"

	"github.com/rs/zerolog/log"
)

// numClasses is the size of the fixed size-class table: {B, 2B, 4B, 8B}.
const numClasses = 4

// RegisterFunc is the caller-supplied registration callback: it pins
// and registers base[:length] with the RDMA NIC and returns a nonzero
// opaque key, or zero on failure. It is invoked exactly once per
// region, before the region becomes visible to RegionOf lookups.
type RegisterFunc func(base unsafe.Pointer, length uintptr) uint32

// Config carries the allocator's init-time options, plus the base
// block size used to derive the size-class table.
type Config struct {
	InitialSizeMB      uint64 `mapstructure:"initial_size_mb"`
	IncreaseSizeMB     uint64 `mapstructure:"increase_size_mb"`
	MaxRegions         int    `mapstructure:"max_regions"`
	Buckets            int    `mapstructure:"buckets"`
	BaseBlockSizeBytes uint64 `mapstructure:"base_block_size_bytes"`
}

// withDefaults clamps every option to its supported range.
func (c Config) withDefaults() Config {
	if c.InitialSizeMB < 64 {
		c.InitialSizeMB = 64
	}
	if c.IncreaseSizeMB < 64 {
		c.IncreaseSizeMB = 64
	}
	if c.MaxRegions < 1 {
		c.MaxRegions = 1
	}
	if c.MaxRegions > 16 {
		c.MaxRegions = 16
	}
	if c.Buckets < 1 {
		c.Buckets = 1
	}
	if c.BaseBlockSizeBytes == 0 {
		c.BaseBlockSizeBytes = 8192
	}
	return c
}

// Pool is an explicit allocator handle: every caller gets its own
// instance rather than reaching into process-wide globals. The
// registration callback is a field set at construction rather than
// installed into a package-level variable.
type Pool struct {
	cfg        Config
	classSizes [numClasses]uint64
	classes    [numClasses]*classState

	regions *regionTable
	nodes   *nodePool

	extendMu   sync.Mutex
	registerCB RegisterFunc

	extendGate  *logGate
	exhaustGate *logGate

	closed  atomic.Bool
	closeMu sync.Mutex
}

// New installs cb, clamps cfg, and performs the first region extension
// for class 0. It fails on a nil callback or a failure of that first
// extension; on failure no partially constructed Pool is returned.
func New(cfg Config, cb RegisterFunc) (*Pool, error) {
	cfg = cfg.withDefaults()
	// One node per class-0 block of a fully grown pool, plus one ready
	// node per region and bucket: even a full drain followed by a full
	// return finds a free node for every singleton, yet the arena stays
	// bounded.
	maxBytes := (cfg.InitialSizeMB + uint64(cfg.MaxRegions-1)*cfg.IncreaseSizeMB) * mib
	capacity := int(maxBytes/cfg.BaseBlockSizeBytes) + cfg.MaxRegions*cfg.Buckets
	return newWithNodeCapacity(cfg, cb, capacity)
}

// newWithNodeCapacity is New with an explicit idle-node arena size. It
// exists so tests can force node-pool exhaustion with a small,
// deterministic capacity; the capacity New picks is never exhausted by
// valid Alloc/Dealloc use.
func newWithNodeCapacity(cfg Config, cb RegisterFunc, nodeCapacity int) (*Pool, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil registration callback", ErrInvalidArgument)
	}

	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:         cfg,
		regions:     newRegionTable(cfg.MaxRegions),
		registerCB:  cb,
		extendGate:  newLogGate(1, 0, time.Second),
		exhaustGate: newLogGate(5, 100, 5*time.Minute),
	}

	for i := 0; i < numClasses; i++ {
		size := cfg.BaseBlockSizeBytes << uint(i)
		p.classSizes[i] = size
		p.classes[i] = newClassState(size, cfg.Buckets)
	}

	p.nodes = newNodePool(nodeCapacity)

	p.extendMu.Lock()
	err := p.extendRegion(cfg.InitialSizeMB, 0)
	p.extendMu.Unlock()
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Alloc returns a pointer to a block large enough to hold size bytes,
// extending the backing regions if the randomly chosen bucket of the
// matching size class has neither an idle block nor a ready extent.
func (p *Pool) Alloc(size uint64) (unsafe.Pointer, error) {
	if size == 0 {
		allocTotal.WithLabelValues("0", resultFailure).Inc()
		return nil, fmt.Errorf("%w: zero-length allocation", ErrInvalidArgument)
	}
	class := -1
	for i := 0; i < numClasses; i++ {
		if p.classSizes[i] >= size {
			class = i
			break
		}
	}
	if class == -1 {
		allocTotal.WithLabelValues(classLabel(size), resultFailure).Inc()
		return nil, fmt.Errorf("%w: %d exceeds largest size class %d", ErrInvalidArgument, size, p.classSizes[numClasses-1])
	}

	label := classLabel(p.classSizes[class])
	cs := p.classes[class]
	bucket := int(fastrand.Uint32n(uint32(p.cfg.Buckets)))

	cs.mus[bucket].Lock()
	defer cs.mus[bucket].Unlock()

	// Destroy never holds this bucket lock together with extendMu, so
	// this check closes the window where Alloc could otherwise race a
	// concurrent Destroy into taking the two locks in reverse order.
	if p.closed.Load() {
		allocTotal.WithLabelValues(label, resultFailure).Inc()
		return nil, fmt.Errorf("%w: pool is closed", ErrInvalidArgument)
	}

	if cs.idleHeads[bucket] == nilNode {
		if err := p.fillBucket(cs, class, bucket); err != nil {
			allocTotal.WithLabelValues(label, resultFailure).Inc()
			return nil, err
		}
	}

	idx := cs.idleHeads[bucket]
	if idx == nilNode {
		allocTotal.WithLabelValues(label, resultFailure).Inc()
		return nil, fmt.Errorf("%w: class %d bucket %d still empty after extension", ErrOutOfMemory, class, bucket)
	}

	node := p.nodes.at(idx)
	ptr := unsafe.Pointer(uintptr(node.start))

	if node.len > p.classSizes[class] {
		node.start += p.classSizes[class]
		node.len -= p.classSizes[class]
	} else {
		cs.idleHeads[bucket] = node.next
		p.nodes.put(idx)
	}
	idleBytesGauge.WithLabelValues(label).Sub(float64(p.classSizes[class]))

	allocTotal.WithLabelValues(label, resultSuccess).Inc()
	return ptr, nil
}

// fillBucket drains the ready list for (class, bucket), extending the
// region if no ready extent is available yet. The caller must hold
// cs.mus[bucket]; fillBucket acquires and releases p.extendMu itself,
// always in that order (bucket lock before extend lock, never reversed).
func (p *Pool) fillBucket(cs *classState, class, bucket int) error {
	p.extendMu.Lock()
	defer p.extendMu.Unlock()

	if p.drainReadyLocked(cs, class, bucket) {
		return nil
	}

	if err := p.extendRegion(p.cfg.IncreaseSizeMB, class); err != nil {
		if p.extendGate.allow() {
			log.Warn().Err(err).Int("class", class).Msg("blockpool: region extension failed")
		}
		return err
	}

	p.drainReadyLocked(cs, class, bucket)
	return nil
}

// drainReadyLocked tries every installed region of this class until one
// yields a ready extent for bucket, or none do. The caller must hold
// both cs.mus[bucket] and p.extendMu.
func (p *Pool) drainReadyLocked(cs *classState, class, bucket int) bool {
	n := p.regions.installedCount()
	for i := int32(0); i < n; i++ {
		r := p.regions.at(i)
		if r.class != class {
			continue
		}
		if cs.pickReady(bucket, r, p.cfg.Buckets, p.nodes) {
			return true
		}
	}
	return false
}

// Dealloc returns ptr's block to the idle shard of its region's
// bucket. ptr must be a pointer previously returned by Alloc.
func (p *Pool) Dealloc(ptr unsafe.Pointer) error {
	if ptr == nil {
		return fmt.Errorf("%w: nil pointer", ErrInvalidArgument)
	}
	addr := uint64(uintptr(ptr))

	r := p.regions.regionOf(addr)
	if r == nil {
		deallocTotal.WithLabelValues("unknown", resultFailure).Inc()
		return fmt.Errorf("%w: %#x not in any installed region", ErrOutOfRange, addr)
	}

	label := classLabel(p.classSizes[r.class])
	idx, ok := p.nodes.get()
	if !ok {
		nodePoolExhausted.Inc()
		if p.exhaustGate.allow() {
			log.Warn().Str("class", label).Msg("blockpool: idle-node arena exhausted, leaking deallocated block")
		}
		deallocTotal.WithLabelValues(label, resultSuccess).Inc()
		return nil
	}

	node := p.nodes.at(idx)
	node.start = addr
	node.len = p.classSizes[r.class]

	cs := p.classes[r.class]
	bucket := bucketOf(addr, r, p.cfg.Buckets)

	cs.mus[bucket].Lock()
	cs.pushIdle(bucket, idx, p.nodes)
	cs.mus[bucket].Unlock()
	idleBytesGauge.WithLabelValues(label).Add(float64(p.classSizes[r.class]))

	deallocTotal.WithLabelValues(label, resultSuccess).Inc()
	return nil
}

// RegionIdOf returns the registration key of the region containing
// ptr, or 0 if ptr falls outside every installed region.
func (p *Pool) RegionIdOf(ptr unsafe.Pointer) uint32 {
	if ptr == nil {
		return 0
	}
	r := p.regions.regionOf(uint64(uintptr(ptr)))
	if r == nil {
		return 0
	}
	return r.lkey
}

// GetBlockType returns the size class a pointer belongs to, or -1 if it
// is not inside any installed region.
func (p *Pool) GetBlockType(ptr unsafe.Pointer) int {
	if ptr == nil {
		return -1
	}
	r := p.regions.regionOf(uint64(uintptr(ptr)))
	if r == nil {
		return -1
	}
	return r.class
}

// GetBlockSize returns the byte size of class, or 0 for an out-of-range
// class index.
func (p *Pool) GetBlockSize(class int) uint64 {
	if class < 0 || class >= numClasses {
		return 0
	}
	return p.classSizes[class]
}

// GetGlobalLen sums idle bytes across every bucket of class, excluding
// undrained ready-list extents.
func (p *Pool) GetGlobalLen(class int) uint64 {
	if class < 0 || class >= numClasses {
		return 0
	}
	return p.classes[class].idleBytes(p.nodes)
}

// GetRegionNum returns the number of installed regions.
func (p *Pool) GetRegionNum() int {
	return int(p.regions.installedCount())
}

// Destroy drains every idle shard and ready list back to the node
// pool, then frees each region's backing memory in installation order.
// It does not call any inverse of the registration callback.
func (p *Pool) Destroy() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed.Load() {
		return nil
	}
	p.closed.Store(true)

	// Bucket locks and extendMu are taken one at a time here, never
	// nested, so this never contends with Alloc/fillBucket's
	// bucket-lock-before-extendMu order: there is no reverse order to
	// deadlock against. The closed check in Alloc keeps any in-flight
	// caller from reacquiring a bucket lock after we've drained it.
	for _, cs := range p.classes {
		for b := range cs.idleHeads {
			cs.mus[b].Lock()
			idx := cs.idleHeads[b]
			for idx != nilNode {
				next := p.nodes.at(idx).next
				p.nodes.put(idx)
				idx = next
			}
			cs.idleHeads[b] = nilNode
			cs.mus[b].Unlock()
		}
	}

	p.extendMu.Lock()
	for _, cs := range p.classes {
		idx := cs.readyHead
		for idx != nilNode {
			next := p.nodes.at(idx).next
			p.nodes.put(idx)
			idx = next
		}
		cs.readyHead = nilNode
	}
	p.extendMu.Unlock()

	n := p.regions.installedCount()
	var firstErr error
	for i := int32(0); i < n; i++ {
		r := p.regions.at(i)
		if err := unix.Munmap(r.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap region %d: %w", i, err)
		}
	}
	return firstErr
}
