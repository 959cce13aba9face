package blockpool

import (
	"fmt"
	"sync"
	"unsafe"
)

// defaultPool is an optional singleton shim for callers that want
// process-wide allocator ergonomics without threading a *Pool through
// every call site. It wraps a *Pool; it is never itself the source of
// truth.
var (
	defaultMu   sync.Mutex
	defaultPool *Pool
)

// SetDefault installs the process-wide default pool. It fails if a
// default has already been set; unlike New, which a caller may invoke
// as many times as it legitimately owns handles, the singleton may only
// be initialized once.
func SetDefault(cfg Config, cb RegisterFunc) (*Pool, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPool != nil {
		return nil, ErrAlreadyInitialized
	}
	p, err := New(cfg, cb)
	if err != nil {
		return nil, err
	}
	defaultPool = p
	return p, nil
}

// Default returns the process-wide default pool, or nil if none has
// been set.
func Default() *Pool {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultPool
}

// ResetDefault clears the default pool without destroying it, so tests
// can call SetDefault again between test cases that share a process.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultPool = nil
}

// Alloc allocates from the default pool.
func Alloc(size uint64) (unsafe.Pointer, error) {
	p := Default()
	if p == nil {
		return nil, fmt.Errorf("%w: default pool not initialized", ErrInvalidArgument)
	}
	return p.Alloc(size)
}

// Dealloc deallocates into the default pool.
func Dealloc(ptr unsafe.Pointer) error {
	p := Default()
	if p == nil {
		return fmt.Errorf("%w: default pool not initialized", ErrInvalidArgument)
	}
	return p.Dealloc(ptr)
}

// RegionIdOf looks up the registration key for ptr in the default pool.
func RegionIdOf(ptr unsafe.Pointer) uint32 {
	p := Default()
	if p == nil {
		return 0
	}
	return p.RegionIdOf(ptr)
}
