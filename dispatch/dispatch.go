// Package dispatch implements the policy-domain message dispatcher and
// runlevel barrier protocol of §4.5: a uniform Message envelope, routing
// across a block/cluster/root hierarchy (three hops maximum), the
// hierarchical runlevel bring-up/tear-down barrier, and message-level
// work stealing via COMM_TAKE.
//
// Grounded on eventloop/loop.go's Submit/SubmitInternal split (a public
// entry point that validates and routes, versus an internal one used by
// the loop's own bookkeeping) for processMessage's local-vs-forwarded
// split, and on catrate/limiter.go's sliding-window Limiter for throttling
// outbound COMM_TAKE requests to a neighbor so an idle cluster doesn't
// spin sending steal requests with nothing to offer in return.
package dispatch

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/ocr-project/runtime-core/datablock"
	"github.com/ocr-project/runtime-core/event"
	"github.com/ocr-project/runtime-core/guid"
	"github.com/ocr-project/runtime-core/rtlog"
	"github.com/ocr-project/runtime-core/status"
	"github.com/ocr-project/runtime-core/task"
)

// Type tags the payload union carried by a Message (§6 "Message types
// (inventory)"). Only the subset this package's engines can directly
// serve is modeled; SAL_PRINT/READ/WRITE and MEM_ALLOC/UNALLOC are
// collaborator-only per the purpose statement and are not dispatched here.
// TypeDBDestroy, TypeEDTDestroy and TypeCommGive are declared, but
// ProcessMessage answers them with NOT_SUPPORTED.
type Type int

const (
	TypeDBCreate Type = iota
	TypeDBDestroy
	TypeDBAcquire
	TypeDBRelease
	TypeDBFree
	TypeEvtCreate
	TypeEvtDestroy
	TypeEvtSatisfy
	TypeEvtGet
	TypeEDTCreate
	TypeEDTDestroy
	TypeDepAdd
	TypeGuidReserve
	TypeCommTake
	TypeCommGive
	TypeRLNotify
)

// Message is the uniform envelope carrying every runtime request (§4.5).
type Message struct {
	Type Type

	Source uint32
	Dest   uint32

	Request  bool
	Response bool

	Payload any

	Status *status.Error
}

// --- payload structs, one per Type that this package serves directly ---

type DBCreatePayload struct {
	Size    int
	Initial []byte
	GUID    guid.GUID // response
}

type DBAcquirePayload struct {
	GUID   guid.GUID
	EDT    guid.GUID
	Mode   datablock.AccessMode
	Ptr    []byte // response
	Slot   int    // response, opaque to the caller; passed back to release
}

type DBReleasePayload struct {
	GUID       guid.GUID
	EDT        guid.GUID
	Slot       int
	IsInternal bool
}

type DBFreePayload struct {
	GUID guid.GUID
}

type EvtCreatePayload struct {
	Kind       event.Kind
	ChannelCap int
	GUID       guid.GUID // response
}

type EvtSatisfyPayload struct {
	GUID    guid.GUID
	Payload guid.GUID
	Slot    event.Slot
}

type EvtGetPayload struct {
	GUID    guid.GUID
	Payload guid.GUID // response
	Set     bool      // response
}

type EDTCreatePayload struct {
	Args             task.CreateEDTArgs
	EnclosingLatch   guid.GUID
	HasEnclosingLatch bool
	EDTGUID          guid.GUID // response
	OutputEvent      guid.GUID // response
}

type DepAddPayload struct {
	Src, Dst guid.GUID
	Slot     int
	Mode     task.AccessMode
}

type GuidReservePayload struct {
	Count uint64
	Kind  guid.Kind
	Start guid.GUID // response
	Stride uint64   // response
}

type CommTakePayload struct {
	// Requester is the location asking for work; Taken is filled with any
	// EDT GUIDs handed back (response).
	Requester uint32
	Taken     []guid.GUID
}

// Transport sends a message to a non-local destination. Real network/IPC
// transports are out of scope (§1 "platform-specific comm transports");
// this interface is the seam a collaborator plugs into, mirroring
// eventloop's injected-callback style rather than any concrete socket
// API.
type Transport interface {
	Send(dest uint32, msg *Message) *status.Error
}

// Topology describes this policy domain's place in the block/cluster/root
// hierarchy, used by Route to compute the next hop (§4.5 "Routing").
type Topology struct {
	Location uint32

	// LocalChildren are XE (worker) locations owned directly by this
	// block.
	LocalChildren []uint32

	// ClusterNeighbors are other blocks in the same cluster; Route sends
	// to them directly, whether or not this block is the cluster's
	// block 0.
	ClusterNeighbors []uint32

	// ClusterBlockZero is this cluster's block-0 location.
	ClusterBlockZero uint32
	IsClusterMaster  bool

	// RootBlockZero is the root cluster's block-0 location.
	RootBlockZero  uint32
	IsRootMaster   bool
}

// Hop describes the routing decision for a non-local destination.
type Hop int

const (
	HopLocal Hop = iota
	HopDirectChild
	HopClusterNeighbor
	HopClusterHead
	HopRootHead
)

// Route implements §4.5 "Routing": local call, direct child send, direct
// cluster-neighbor send, or up-then-down via cluster/root heads (three
// hops maximum).
func Route(topo Topology, dest uint32) (Hop, uint32) {
	if dest == topo.Location {
		return HopLocal, dest
	}
	for _, c := range topo.LocalChildren {
		if c == dest {
			return HopDirectChild, dest
		}
	}
	for _, n := range topo.ClusterNeighbors {
		if n == dest {
			return HopClusterNeighbor, dest
		}
	}
	if !topo.IsClusterMaster {
		return HopClusterHead, topo.ClusterBlockZero
	}
	return HopRootHead, topo.RootBlockZero
}

// Runlevel is one of the ordered bring-up/tear-down stages of §4.5.
type Runlevel int

const (
	RLConfigParse Runlevel = iota
	RLNetworkOK
	RLPDOK
	RLMemoryOK
	RLGUIDOK
	RLComputeOK
	RLUserOK
)

// RunlevelProps mirrors §6's runlevel property flags.
type RunlevelProps uint8

const (
	PropBringUp RunlevelProps = 1 << iota
	PropTearDown
	PropBarrier
)

// Scheduler is the local work source/sink a dispatcher steals from and
// gives to (§4.5 "Work stealing"), implemented by the strand package's
// drain loop in the full runtime.
type Scheduler interface {
	// TakeLocalWork returns one locally-ready EDT if any is available.
	TakeLocalWork() (guid.GUID, bool)
	// GiveEDT feeds a stolen EDT back into the local scheduler.
	GiveEDT(guid.GUID)
}

// Dispatcher is one policy domain's message entry point: it validates,
// deguidifies, invokes the corresponding engine operation, and either
// returns the response in-place or forwards over Transport.
type Dispatcher struct {
	topo      Topology
	transport Transport
	scheduler Scheduler

	guids      *guid.Service
	events     *event.Engine
	datablocks *datablock.Engine
	tasks      *task.Engine

	commLimiter   *catrate.Limiter
	neighborIdx   int

	mu                sync.Mutex
	runlevel          Runlevel
	pendingProps      RunlevelProps
	checkedInCount    int
	expectedCheckins  int
	shutdownRequested bool
	shutdownCode      int
}

// dispatcherOptions holds NewDispatcher's configuration, resolved from
// Option values.
type dispatcherOptions struct {
	commThrottleWindow time.Duration
	commThrottleLimit  int
}

// Option configures a Dispatcher at construction, in the style of
// eventloop/options.go's functional LoopOption, per the ambient stack's
// "policy domains... take functional options" rule.
type Option interface {
	applyDispatcher(*dispatcherOptions)
}

type optionFunc func(*dispatcherOptions)

func (f optionFunc) applyDispatcher(o *dispatcherOptions) { f(o) }

// WithCommThrottle overrides the default COMM_TAKE forwarding rate (one
// forward per 50ms) with a custom window/limit pair passed straight to
// catrate.NewLimiter.
func WithCommThrottle(window time.Duration, limit int) Option {
	return optionFunc(func(o *dispatcherOptions) {
		o.commThrottleWindow = window
		o.commThrottleLimit = limit
	})
}

func resolveDispatcherOptions(opts []Option) *dispatcherOptions {
	cfg := &dispatcherOptions{commThrottleWindow: 50 * time.Millisecond, commThrottleLimit: 1}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyDispatcher(cfg)
	}
	return cfg
}

// NewDispatcher wires a dispatcher to its engines, topology, and
// transport. The commLimiter throttles outbound COMM_TAKE forwards to at
// most one per window per neighbor, so an idle cluster doesn't spin.
func NewDispatcher(topo Topology, transport Transport, scheduler Scheduler, guids *guid.Service, events *event.Engine, datablocks *datablock.Engine, tasks *task.Engine, opts ...Option) *Dispatcher {
	cfg := resolveDispatcherOptions(opts)
	expected := len(topo.LocalChildren)
	if topo.IsClusterMaster {
		expected += len(topo.ClusterNeighbors)
	}
	return &Dispatcher{
		topo:       topo,
		transport:  transport,
		scheduler:  scheduler,
		guids:      guids,
		events:     events,
		datablocks: datablocks,
		tasks:      tasks,
		commLimiter: catrate.NewLimiter(map[time.Duration]int{
			cfg.commThrottleWindow: cfg.commThrottleLimit,
		}),
		expectedCheckins: expected,
	}
}

func (d *Dispatcher) log(level rtlog.Level, msg string, err error) {
	l := rtlog.Global()
	if !l.IsEnabled(level) {
		return
	}
	l.Log(rtlog.Entry{Level: level, Category: "dispatch", Message: msg, Err: err})
}

// ProcessMessage implements §4.5's single entry point. If msg's
// destination is not this domain, it is forwarded per Route and (when
// blocking) the call returns once a response arrives over Transport; a
// non-blocking forward returns PENDING immediately.
func (d *Dispatcher) ProcessMessage(msg *Message, blocking bool) *status.Error {
	hop, next := Route(d.topo, msg.Dest)
	if hop != HopLocal {
		if d.transport == nil {
			return status.New(status.NotSupported)
		}
		if err := d.transport.Send(next, msg); err != nil {
			return err
		}
		if !blocking {
			return status.New(status.Pending)
		}
		return nil
	}

	return d.dispatchLocal(msg)
}

func (d *Dispatcher) dispatchLocal(msg *Message) *status.Error {
	switch msg.Type {
	case TypeDBCreate:
		p := msg.Payload.(*DBCreatePayload)
		g, err := d.datablocks.Create(p.Size, p.Initial)
		if err != nil {
			return err
		}
		p.GUID = g
		return nil

	case TypeDBAcquire:
		p := msg.Payload.(*DBAcquirePayload)
		ptr, slot, err := d.datablocks.Acquire(p.GUID, p.EDT, p.Mode)
		if err != nil {
			return err
		}
		p.Ptr, p.Slot = ptr, slot
		return nil

	case TypeDBRelease:
		p := msg.Payload.(*DBReleasePayload)
		return d.datablocks.Release(p.GUID, p.EDT, p.Slot, p.IsInternal)

	case TypeDBFree:
		p := msg.Payload.(*DBFreePayload)
		return d.datablocks.FreeRequest(p.GUID)

	case TypeEvtCreate:
		p := msg.Payload.(*EvtCreatePayload)
		g, err := d.events.CreateEvent(p.Kind, p.ChannelCap)
		if err != nil {
			return err
		}
		p.GUID = g
		return nil

	case TypeEvtDestroy:
		g := msg.Payload.(guid.GUID)
		return d.events.DestroyEvent(g)

	case TypeEvtSatisfy:
		p := msg.Payload.(*EvtSatisfyPayload)
		return d.events.Satisfy(p.GUID, p.Payload, p.Slot)

	case TypeEvtGet:
		p := msg.Payload.(*EvtGetPayload)
		payload, set, err := d.events.Get(p.GUID)
		if err != nil {
			return err
		}
		p.Payload, p.Set = payload, set
		return nil

	case TypeEDTCreate:
		p := msg.Payload.(*EDTCreatePayload)
		g, out, err := d.tasks.CreateEDT(p.Args, p.EnclosingLatch, p.HasEnclosingLatch)
		if err != nil {
			return err
		}
		p.EDTGUID, p.OutputEvent = g, out
		return nil

	case TypeDepAdd:
		p := msg.Payload.(*DepAddPayload)
		return d.tasks.AddDependence(p.Src, p.Dst, p.Slot, p.Mode)

	case TypeGuidReserve:
		p := msg.Payload.(*GuidReservePayload)
		start, stride := d.guids.Reserve(p.Count, p.Kind)
		p.Start, p.Stride = start, stride
		return nil

	case TypeCommTake:
		p := msg.Payload.(*CommTakePayload)
		return d.handleCommTake(p)

	case TypeRLNotify:
		rl := msg.Payload.(Runlevel)
		return d.notifyRunlevel(rl)

	default:
		return status.New(status.NotSupported)
	}
}

// handleCommTake implements §4.5 "Work stealing (message-level)": ask the
// local scheduler first; if empty, subject to throttling, forward a
// COMM_TAKE to a neighbor round-robin and feed anything received through
// GiveEDT before returning it to the original requester.
func (d *Dispatcher) handleCommTake(p *CommTakePayload) *status.Error {
	if g, ok := d.scheduler.TakeLocalWork(); ok {
		p.Taken = append(p.Taken, g)
		return nil
	}

	neighbors := d.topo.ClusterNeighbors
	if len(neighbors) == 0 || d.transport == nil {
		return nil // no work, no one to ask; not an error
	}

	d.mu.Lock()
	idx := d.neighborIdx % len(neighbors)
	d.neighborIdx++
	d.mu.Unlock()
	neighbor := neighbors[idx]

	if _, allowed := d.commLimiter.Allow(neighbor); !allowed {
		return nil // throttled for this neighbor; caller retries another time
	}

	req := &CommTakePayload{Requester: d.topo.Location}
	msg := &Message{Type: TypeCommTake, Source: d.topo.Location, Dest: neighbor, Request: true, Payload: req}
	if err := d.transport.Send(neighbor, msg); err != nil {
		// no retry at this layer; another requester will retry (spec).
		return nil
	}

	for _, g := range req.Taken {
		d.scheduler.GiveEDT(g)
	}
	p.Taken = append(p.Taken, req.Taken...)
	return nil
}

// CheckIn registers a child/neighbor/peer's arrival at rl and reports
// whether the barrier for rl is now satisfied (§4.5 "Runlevels"). The
// barrier expects one check-in per local child, plus one per cluster
// neighbor when this domain is the cluster master; cross-cluster peers
// are not part of the expected count.
func (d *Dispatcher) CheckIn(rl Runlevel) (satisfied bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rl != d.runlevel {
		return false
	}
	d.checkedInCount++
	return d.checkedInCount >= d.expectedCheckins
}

// notifyRunlevel implements the child side of the hierarchical barrier:
// informed of a target runlevel, switch locally, then (conceptually) this
// domain's own children are informed and awaited by its own dispatch
// loop — that upward/downward propagation is driven by the caller
// (the worker pool's bring-up/tear-down sequencer), which is explicitly
// out of scope per §1; this method only performs the local switch and
// shutdown-race detection described in §4.5.
func (d *Dispatcher) notifyRunlevel(rl Runlevel) *status.Error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rl == RLUserOK && d.pendingProps&PropTearDown != 0 {
		if !d.shutdownRequested {
			d.shutdownRequested = true
			d.log(rtlog.LevelInfo, "shutdown observed", nil)
		}
		return nil
	}

	d.runlevel = rl
	d.checkedInCount = 0
	return nil
}

// Shutdown implements §4.5 "Shutdown": the first call to observe
// RL_USER_OK|TEAR_DOWN captures the code and begins tear-down; subsequent
// calls are absorbed as ordinary child check-ins.
func (d *Dispatcher) Shutdown(code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdownRequested {
		d.checkedInCount++
		return
	}
	d.shutdownRequested = true
	d.shutdownCode = code
	d.pendingProps |= PropTearDown
	d.log(rtlog.LevelInfo, "shutdown requested", nil)
}

// ShutdownCode returns the captured shutdown code, valid once Shutdown
// has been observed.
func (d *Dispatcher) ShutdownCode() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdownCode, d.shutdownRequested
}

// Runlevel returns the domain's current runlevel.
func (d *Dispatcher) Runlevel() Runlevel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runlevel
}
