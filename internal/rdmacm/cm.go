// Package rdmacm wraps the platform's RDMA connection manager behind a
// small interface. It is specified only at its boundary: the
// interesting engineering lives in the underlying RDMA-CM library,
// which this package does not reimplement.
//
// The default build ships a simulatedBackend that models the
// connection-identifier graph, event queue, and non-blocking event file
// descriptor without touching real hardware. A real backend lives
// behind the Backend interface so a future rdma_hw-tagged build can
// substitute librdmacm cgo bindings without changing any caller.
package rdmacm

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Event mirrors the RDMA-CM event set this wrapper surfaces.
type Event int

const (
	EventNone Event = iota
	EventAddrResolved
	EventRouteResolved
	EventEstablished
	EventDisconnect
	EventOther
	EventError
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventAddrResolved:
		return "addr_resolved"
	case EventRouteResolved:
		return "route_resolved"
	case EventEstablished:
		return "established"
	case EventDisconnect:
		return "disconnect"
	case EventOther:
		return "other"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrNotImplemented    = errors.New("rdmacm: backend does not implement this operation")
	ErrConnectionRefused = errors.New("rdmacm: no listener for endpoint")
	ErrBacklogFull       = errors.New("rdmacm: listen backlog full")
	ErrWouldBlock        = errors.New("rdmacm: operation would block")
	ErrClosed            = errors.New("rdmacm: connection closed")
)

// ConnID identifies one connection manager id on a Backend. It is
// opaque outside this package and the backend that issued it.
type ConnID uint64

// Backend is everything CMConn needs from the underlying connection
// manager. It is the seam a real librdmacm-backed implementation would
// fill in behind a build tag.
type Backend interface {
	CreateID() (ConnID, error)
	DestroyID(id ConnID) error

	BindAndListen(id ConnID, endpoint string, backlog int) error
	GetRequest(id ConnID) (child ConnID, privateData []byte, err error)

	ResolveAddr(id ConnID, endpoint string, timeout time.Duration) error
	ResolveRoute(id ConnID, timeout time.Duration) error
	Connect(id ConnID, data []byte, flowControl, retryCount, rnrRetryCount int) error
	Accept(id ConnID, data []byte, flowControl, retryCount, rnrRetryCount int) error

	// PollEvent acks the previously returned event for id (if any) and
	// returns the next one, or EventNone if none is pending.
	PollEvent(id ConnID) (Event, []byte, error)

	// CreateQP returns an opaque, nonzero queue-pair handle. DestroyQP
	// must never touch the completion-queue handle passed in here: it
	// uses the verbs-level destroy, not the CM-level one, to avoid
	// tearing down a CQ shared with other connections.
	CreateQP(id ConnID, sqSize, rqSize uint32, cq uintptr, qpContext uint64) (uintptr, error)
	DestroyQP(id ConnID) error

	FD(id ConnID) int
}

// Config carries the RDMA-CM wrapper's init-time options.
type Config struct {
	Backlog       int           `mapstructure:"backlog"`
	ConnTimeout   time.Duration `mapstructure:"conn_timeout"`
	FlowControl   int           `mapstructure:"flow_control"`
	RetryCount    int           `mapstructure:"retry_count"`
	RNRRetryCount int           `mapstructure:"rnr_retry_count"`
}

func (c Config) withDefaults() Config {
	if c.Backlog <= 0 {
		c.Backlog = 1024
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 500 * time.Millisecond
	}
	if c.FlowControl == 0 {
		c.FlowControl = 1
	}
	if c.RetryCount == 0 {
		c.RetryCount = 1
	}
	// RNRRetryCount's documented default is 0, so it is left as-is.
	return c
}

// CMConn wraps one connection-manager id. It owns that id and destroys
// it, after releasing any queue pair, when Close runs.
type CMConn struct {
	backend Backend
	id      ConnID
	cfg     Config

	mu       sync.Mutex
	lastData []byte
	hasQP    bool
	counted  bool // true while this connection holds an rdmacm_connections_active slot
	closed   bool
}

// Create allocates a fresh, unbound connection-manager id.
func Create(backend Backend, cfg Config) (*CMConn, error) {
	id, err := backend.CreateID()
	if err != nil {
		return nil, fmt.Errorf("create id: %w", err)
	}
	return &CMConn{backend: backend, id: id, cfg: cfg.withDefaults()}, nil
}

// Listen creates an id, binds it to endpoint, and starts listening with
// the configured backlog (mirrors rdma_backlog).
func Listen(backend Backend, endpoint string, cfg Config) (*CMConn, error) {
	c, err := Create(backend, cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.BindAndListen(c.id, endpoint, c.cfg.Backlog); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("listen on %s: %w", endpoint, err)
	}
	return c, nil
}

// GetRequest returns a new wrapper carrying a child id and the
// connecting peer's private data, or ErrWouldBlock if no connection
// request is pending.
func (c *CMConn) GetRequest() (*CMConn, error) {
	child, data, err := c.backend.GetRequest(c.id)
	if err != nil {
		return nil, err
	}
	return &CMConn{backend: c.backend, id: child, cfg: c.cfg, lastData: data}, nil
}

// ResolveAddr resolves endpoint, using half the configured connect
// timeout for the address-resolve phase.
func (c *CMConn) ResolveAddr(endpoint string) error {
	err := c.backend.ResolveAddr(c.id, endpoint, c.cfg.ConnTimeout/2)
	eventsTotal.WithLabelValues("resolve_addr_" + resultOf(err)).Inc()
	return err
}

// ResolveRoute resolves the route to the previously resolved address,
// using half the configured connect timeout.
func (c *CMConn) ResolveRoute() error {
	err := c.backend.ResolveRoute(c.id, c.cfg.ConnTimeout/2)
	eventsTotal.WithLabelValues("resolve_route_" + resultOf(err)).Inc()
	return err
}

// Connect issues an RDMA connect request carrying data as private data.
func (c *CMConn) Connect(data []byte) error {
	err := c.backend.Connect(c.id, data, c.cfg.FlowControl, c.cfg.RetryCount, c.cfg.RNRRetryCount)
	eventsTotal.WithLabelValues("connect_" + resultOf(err)).Inc()
	return err
}

// Accept accepts a pending connection request, echoing data back to the
// peer as the accept-side private data.
func (c *CMConn) Accept(data []byte) error {
	err := c.backend.Accept(c.id, data, c.cfg.FlowControl, c.cfg.RetryCount, c.cfg.RNRRetryCount)
	eventsTotal.WithLabelValues("accept_" + resultOf(err)).Inc()
	return err
}

// GetEvent acks the previous event and returns the next one pending for
// this connection, or EventNone if nothing is ready yet. Any private
// data carried by the event is cached and retrievable via GetConnData.
func (c *CMConn) GetEvent() (Event, error) {
	ev, data, err := c.backend.PollEvent(c.id)
	if err != nil {
		eventsTotal.WithLabelValues(EventError.String()).Inc()
		return EventError, err
	}
	c.mu.Lock()
	if data != nil {
		c.lastData = data
	}
	switch ev {
	case EventEstablished:
		if !c.counted {
			c.counted = true
			connectionsActive.Inc()
		}
	case EventDisconnect:
		if c.counted {
			c.counted = false
			connectionsActive.Dec()
		}
	}
	c.mu.Unlock()

	eventsTotal.WithLabelValues(ev.String()).Inc()
	return ev, nil
}

// CreateQP creates a queue pair for this connection against the given
// completion queue and opaque context, returning an opaque QP handle.
func (c *CMConn) CreateQP(sqSize, rqSize uint32, cq uintptr, qpContext uint64) (uintptr, error) {
	qp, err := c.backend.CreateQP(c.id, sqSize, rqSize, cq, qpContext)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.hasQP = true
	c.mu.Unlock()
	return qp, nil
}

// ReleaseQP destroys this connection's queue pair without touching the
// completion queue it was created against.
func (c *CMConn) ReleaseQP() error {
	c.mu.Lock()
	hadQP := c.hasQP
	c.hasQP = false
	c.mu.Unlock()
	if !hadQP {
		return nil
	}
	return c.backend.DestroyQP(c.id)
}

// GetFD returns the event channel's file descriptor, set non-blocking
// and close-on-exec at construction by the backend.
func (c *CMConn) GetFD() int {
	return c.backend.FD(c.id)
}

// GetConnData returns the private data carried by the most recently
// observed event, or nil if none has arrived yet.
func (c *CMConn) GetConnData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastData
}

// Close releases the queue pair (if any) and destroys the underlying
// id. It is safe to call more than once.
func (c *CMConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasCounted := c.counted
	c.counted = false
	c.mu.Unlock()

	if err := c.ReleaseQP(); err != nil {
		return err
	}
	if wasCounted {
		connectionsActive.Dec()
	}
	return c.backend.DestroyID(c.id)
}

func resultOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
