package blockpool

import "sync"

// classState holds everything specific to one size class: its per-bucket
// idle lists and locks, and the class's ready list (protected by the
// pool's single extend lock, not by any bucket lock).
type classState struct {
	blockSize uint64

	mus       []sync.Mutex // len == K, one lock per bucket
	idleHeads []int32      // len == K; idleHeads[b] guarded by mus[b]

	readyHead int32 // guarded by Pool.extendMu
}

func newClassState(blockSize uint64, buckets int) *classState {
	return &classState{
		blockSize: blockSize,
		mus:       make([]sync.Mutex, buckets),
		idleHeads: make([]int32, buckets),
		readyHead: nilNode,
	}
}

func (c *classState) reset() {
	for b := range c.idleHeads {
		c.idleHeads[b] = nilNode
	}
	c.readyHead = nilNode
}

// bucketOf implements bucket_of(addr) = ((addr - region.start) * K) / region.size.
func bucketOf(addr uint64, r *region, buckets int) int {
	offset := addr - r.start
	return int(offset * uint64(buckets) / r.size)
}

// pushIdle splices node idx onto the head of bucket b's idle list. The
// caller must hold c.mus[b].
func (c *classState) pushIdle(b int, idx int32, nodes *nodePool) {
	nodes.at(idx).next = c.idleHeads[b]
	c.idleHeads[b] = idx
}

// popIdle detaches and returns the head node of bucket b's idle list, or
// nilNode if the bucket is empty. The caller must hold c.mus[b].
func (c *classState) popIdle(b int, nodes *nodePool) int32 {
	idx := c.idleHeads[b]
	if idx == nilNode {
		return nilNode
	}
	c.idleHeads[b] = nodes.at(idx).next
	return idx
}

// pushReady adds node idx to the class's ready list. The caller must
// hold the pool's extendMu.
func (c *classState) pushReady(idx int32, nodes *nodePool) {
	nodes.at(idx).next = c.readyHead
	c.readyHead = idx
}

// pickReady walks the ready list and detaches the first node whose
// extent belongs to bucket b, splicing it onto that bucket's idle list.
// At most one node moves per call; the caller must hold both c.mus[b]
// and the pool's extendMu.
//
// Returns true if a node was moved.
func (c *classState) pickReady(b int, r *region, buckets int, nodes *nodePool) bool {
	var prev int32 = nilNode
	cur := c.readyHead
	for cur != nilNode {
		node := nodes.at(cur)
		if bucketOf(node.start, r, buckets) == b {
			next := node.next
			if prev == nilNode {
				c.readyHead = next
			} else {
				nodes.at(prev).next = next
			}
			c.pushIdle(b, cur, nodes)
			idleBytesGauge.WithLabelValues(classLabel(c.blockSize)).Add(float64(node.len))
			return true
		}
		prev = cur
		cur = node.next
	}
	return false
}

// idleBytes sums the byte length of every node across every bucket of
// this class. It does not include ready-list bytes: a freshly extended
// region's ready nodes only count once drained into a bucket.
//
// It takes each c.mus[b] in turn itself, so callers must hold none of
// them; this is only used off the allocation hot path (introspection,
// metrics scraping).
func (c *classState) idleBytes(nodes *nodePool) uint64 {
	var total uint64
	for b := range c.idleHeads {
		c.mus[b].Lock()
		idx := c.idleHeads[b]
		for idx != nilNode {
			n := nodes.at(idx)
			total += n.len
			idx = n.next
		}
		c.mus[b].Unlock()
	}
	return total
}
