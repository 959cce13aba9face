package rdmacm

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// simConn is one connection-manager id's simulated state.
type simConn struct {
	events   []simEvent
	backlog  chan ConnID
	peer     ConnID // the other side of a Connect/Accept pairing
	endpoint string // listening id: bound endpoint; connecting id: remote endpoint
	readFD   *os.File
	writeFD  *os.File
	listener bool
	hasQP    bool
}

type simEvent struct {
	kind Event
	data []byte
}

// simulatedBackend models the connection-identifier graph, event
// queue, and non-blocking event file descriptor of a real RDMA-CM
// channel, entirely in memory. It mirrors this codebase's documented
// simulated/real-hardware split: a real backend would sit behind the
// same Backend interface under a build tag, swapped in without
// touching any CMConn caller.
type simulatedBackend struct {
	mu        sync.Mutex
	conns     map[ConnID]*simConn
	listeners map[string]ConnID
	nextID    atomic.Uint64
	qpHandle  atomic.Uint64
}

// NewSimulatedBackend constructs an in-memory Backend. A single
// instance is meant to stand in for one RDMA device's connection
// manager; Listen and Connect only interoperate within one instance.
func NewSimulatedBackend() *simulatedBackend {
	return &simulatedBackend{
		conns:     make(map[ConnID]*simConn),
		listeners: make(map[string]ConnID),
	}
}

func newSimID() ConnID {
	// uuid.New() supplies 128 bits of randomness; folding it into a
	// uint64 keeps ConnID a small comparable value while still being
	// effectively collision-free for a single process's lifetime.
	u := uuid.New()
	var v uint64
	for _, b := range u[:8] {
		v = v<<8 | uint64(b)
	}
	return ConnID(v)
}

func (b *simulatedBackend) CreateID() (ConnID, error) {
	id := newSimID()

	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("create event pipe: %w", err)
	}
	if err := setNonblockingCloexec(r); err != nil {
		_ = r.Close()
		_ = w.Close()
		return 0, err
	}

	b.mu.Lock()
	b.conns[id] = &simConn{readFD: r, writeFD: w}
	b.mu.Unlock()
	return id, nil
}

func (b *simulatedBackend) DestroyID(id ConnID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		return ErrClosed
	}
	if c.listener {
		delete(b.listeners, c.endpoint)
	}
	_ = c.readFD.Close()
	_ = c.writeFD.Close()
	delete(b.conns, id)
	return nil
}

func (b *simulatedBackend) BindAndListen(id ConnID, endpoint string, backlog int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		return ErrClosed
	}
	if _, taken := b.listeners[endpoint]; taken {
		return fmt.Errorf("rdmacm: %s already has a listener", endpoint)
	}
	c.listener = true
	c.endpoint = endpoint
	c.backlog = make(chan ConnID, backlog)
	b.listeners[endpoint] = id
	return nil
}

func (b *simulatedBackend) GetRequest(id ConnID) (ConnID, []byte, error) {
	b.mu.Lock()
	c, ok := b.conns[id]
	b.mu.Unlock()
	if !ok {
		return 0, nil, ErrClosed
	}
	if !c.listener {
		return 0, nil, fmt.Errorf("rdmacm: id is not listening")
	}

	select {
	case child := <-c.backlog:
		b.mu.Lock()
		var data []byte
		if cc := b.conns[child]; cc != nil && len(cc.events) > 0 {
			data = cc.events[0].data
			cc.events = cc.events[1:]
			drainByte(cc.readFD)
		}
		b.mu.Unlock()
		return child, data, nil
	default:
		return 0, nil, ErrWouldBlock
	}
}

func (b *simulatedBackend) ResolveAddr(id ConnID, endpoint string, _ time.Duration) error {
	b.mu.Lock()
	c, ok := b.conns[id]
	if !ok {
		b.mu.Unlock()
		return ErrClosed
	}
	c.endpoint = endpoint
	b.pushEventLocked(c, EventAddrResolved, nil)
	b.mu.Unlock()
	return nil
}

func (b *simulatedBackend) ResolveRoute(id ConnID, _ time.Duration) error {
	b.mu.Lock()
	c, ok := b.conns[id]
	if !ok {
		b.mu.Unlock()
		return ErrClosed
	}
	b.pushEventLocked(c, EventRouteResolved, nil)
	b.mu.Unlock()
	return nil
}

// Connect queues a connection request on the listener bound to the
// caller's resolved endpoint. The request carries data as the
// connecting side's private data; it becomes visible to the listener
// through GetRequest.
func (b *simulatedBackend) Connect(id ConnID, data []byte, _, _, _ int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[id]
	if !ok {
		return ErrClosed
	}
	listenerID, ok := b.listeners[c.endpoint]
	if !ok {
		return ErrConnectionRefused
	}
	listener := b.conns[listenerID]

	childID := newSimID()
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create event pipe: %w", err)
	}
	if err := setNonblockingCloexec(r); err != nil {
		_ = r.Close()
		_ = w.Close()
		return err
	}
	child := &simConn{readFD: r, writeFD: w, peer: id}
	b.pushEventLocked(child, EventNone, data) // queued request data, consumed by GetRequest
	b.conns[childID] = child
	c.peer = childID

	select {
	case listener.backlog <- childID:
	default:
		delete(b.conns, childID)
		return ErrBacklogFull
	}
	return nil
}

// Accept completes the handshake for a connection request previously
// returned by GetRequest, echoing data back to the connecting side as
// its Established event's private data.
func (b *simulatedBackend) Accept(id ConnID, data []byte, _, _, _ int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	child, ok := b.conns[id]
	if !ok {
		return ErrClosed
	}
	b.pushEventLocked(child, EventEstablished, nil)

	if client, ok := b.conns[child.peer]; ok {
		b.pushEventLocked(client, EventEstablished, data)
	}
	return nil
}

// PollEvent dequeues the next pending event for id. There is no
// separate "ack" step to perform in the simulated backend since
// dequeuing is itself the ack.
func (b *simulatedBackend) PollEvent(id ConnID) (Event, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[id]
	if !ok {
		return EventError, nil, ErrClosed
	}
	if len(c.events) == 0 {
		return EventNone, nil, nil
	}

	ev := c.events[0]
	c.events = c.events[1:]
	drainByte(c.readFD)
	return ev.kind, ev.data, nil
}

func (b *simulatedBackend) CreateQP(id ConnID, _, _ uint32, _ uintptr, _ uint64) (uintptr, error) {
	b.mu.Lock()
	c, ok := b.conns[id]
	b.mu.Unlock()
	if !ok {
		return 0, ErrClosed
	}
	c.hasQP = true
	return uintptr(b.qpHandle.Add(1)), nil
}

// DestroyQP clears this connection's queue-pair bookkeeping only. It
// deliberately never receives or touches a completion-queue handle,
// mirroring the verbs-level ibv_destroy_qp rather than rdma_destroy_qp.
func (b *simulatedBackend) DestroyQP(id ConnID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		return ErrClosed
	}
	c.hasQP = false
	return nil
}

func (b *simulatedBackend) FD(id ConnID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		return -1
	}
	return int(c.readFD.Fd())
}

// pushEventLocked appends an event and signals the fd. The caller must
// hold b.mu.
func (b *simulatedBackend) pushEventLocked(c *simConn, kind Event, data []byte) {
	c.events = append(c.events, simEvent{kind: kind, data: data})
	_, _ = c.writeFD.Write([]byte{0})
}

func drainByte(f *os.File) {
	buf := make([]byte, 1)
	_, _ = f.Read(buf)
}
