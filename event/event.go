// Package event implements the event and dependency engine described in
// §4.1 of the specification: latch, sticky, idempotent, once, and (as an
// optional extension, §3's table marks it "optional") channel events, their
// waiter lists, and satisfaction propagation.
//
// The waiter fan-out-and-clear pattern is grounded directly on
// eventloop/promise.go's promise.fanOut: satisfy under the lock, snapshot
// and clear subscribers, notify outside any re-entrant path. The growable
// waiters list's "resize by atomic replace" rule (§4.1 "Waiter registration
// growth") is a copy-then-install-then-free cycle in the same spirit as
// eventloop/registry.go's ring-buffer compaction, adapted from "shrink a
// ring of IDs" to "grow a list of waiter slots".
package event

import (
	"sync"

	"github.com/ocr-project/runtime-core/guid"
	"github.com/ocr-project/runtime-core/rtlog"
	"github.com/ocr-project/runtime-core/status"
)

// Kind is the behavioral variant of an event, per the §3 data model table.
type Kind uint8

const (
	// Once fires exactly once, with exactly one satisfy, and self-destroys.
	Once Kind = iota
	// Sticky fires once; a second satisfy is rejected with DUPLICATE_SATISFY.
	// It persists until explicitly destroyed.
	Sticky
	// Idem behaves like Sticky but silently drops duplicate satisfies
	// instead of rejecting them.
	Idem
	// Latch holds a signed counter; it fires (and self-destroys) when the
	// counter returns to zero after at least one satisfy.
	Latch
	// FinishLatch is a Latch variant used internally to implement `finish`
	// scopes: on fire it decrements a parent latch and/or satisfies an
	// output event with a stashed return GUID.
	FinishLatch
	// Channel is a bounded FIFO of payloads; it never self-destroys.
	Channel
)

func (k Kind) persistent() bool { return k == Sticky || k == Idem }

// Slot selects which side of a Latch/FinishLatch satisfy is being applied.
type Slot int

const (
	SlotIncr Slot = iota
	SlotDecr
)

// AccessMode records how a signaler's value will be used by a waiting EDT.
// The event engine does not distinguish RW from the read-only modes; its
// only check is that RegisterSignaler rejects EW, which is reserved.
type AccessMode uint8

const (
	ModeRW AccessMode = iota
	ModeRO
	ModeConst
	ModeEW // reserved; rejected with status.NotSupported
	ModeNull
)

// DefaultMode is DB_DEFAULT_MODE from §6: it maps to RW.
const DefaultMode = ModeRW

// Waiter is anything that can be notified of an event's satisfaction: an
// EDT advancing its dependence frontier, or another event being chained to
// (e.g. a finish latch's parent-latch backreference).
type Waiter interface {
	// OnSignal is invoked when the event this waiter registered against
	// becomes satisfied (or immediately, synchronously, if it was already
	// satisfied and persistent). slot is the slot the waiter registered
	// under; payload is the satisfying value.
	OnSignal(slot int, payload guid.GUID)
}

// WaiterFunc adapts a function to the Waiter interface.
type WaiterFunc func(slot int, payload guid.GUID)

func (f WaiterFunc) OnSignal(slot int, payload guid.GUID) { f(slot, payload) }

type waiterEntry struct {
	w    Waiter
	slot int
}

const initWaiterCount = 4

// event is the metadata record for one event GUID.
type event struct {
	mu sync.Mutex

	kind      Kind
	g         guid.GUID
	destroyed bool

	// ONCE / STICKY / IDEM
	payloadSet bool
	payload    guid.GUID

	// waiters list; modeled as a growable slice rather than a literal
	// separate "waiters datablock" object (see DESIGN.md): growth still
	// follows the spec's create-new/copy/free-old discipline.
	waiters    []waiterEntry
	waitersMax int
	poisoned   bool // true once a persistent satisfy has snapshotted and frozen registration

	// LATCH / FINISH_LATCH
	counter      int64
	fired        bool
	parentLatch  guid.GUID
	parentSlot   Slot
	hasParent    bool
	outputEvent  guid.GUID
	hasOutput    bool
	returnGUID   guid.GUID

	// CHANNEL
	channelBuf []guid.GUID
	channelCap int
	consumers  []waiterEntry
}

// Engine is one policy domain's event engine.
type Engine struct {
	guids    *guid.Service
	location uint32
}

// NewEngine constructs an event engine backed by the given GUID service.
func NewEngine(g *guid.Service) *Engine {
	return &Engine{guids: g, location: g.Location()}
}

func (e *Engine) log(level rtlog.Level, msg string, g guid.GUID, err error) {
	l := rtlog.Global()
	if !l.IsEnabled(level) {
		return
	}
	l.Log(rtlog.Entry{Level: level, Category: "event", GUID: uint64(g), Message: msg, Err: err})
}

func (e *Engine) resolve(g guid.GUID) (*event, *status.Error) {
	v, ok := e.guids.Resolve(g)
	if !ok {
		return nil, status.New(status.InvalidGUID)
	}
	ev, ok := v.(*event)
	if !ok {
		return nil, status.New(status.InvalidGUID)
	}
	return ev, nil
}

// CreateEvent allocates metadata for a new event of the given kind and
// returns its GUID (§4.1 "createEvent"). channelCap is only meaningful for
// Channel events; it is ignored otherwise.
func (e *Engine) CreateEvent(kind Kind, channelCap int) (guid.GUID, *status.Error) {
	var k guid.Kind
	switch kind {
	case Once:
		k = guid.KindEventOnce
	case Sticky, Idem:
		k = guid.KindEventSticky
	case Latch, FinishLatch:
		k = guid.KindEventLatch
	case Channel:
		k = guid.KindEventChannel
	default:
		return guid.Nil, status.Newf(status.InvalidArg, "event: unknown kind %d", kind)
	}

	g := e.guids.Allocate(k)
	ev := &event{
		kind:       kind,
		g:          g,
		waitersMax: initWaiterCount,
	}
	if kind == Channel {
		if channelCap <= 0 {
			channelCap = initWaiterCount
		}
		ev.channelCap = channelCap
	}

	if _, err := e.guids.Insert(g, ev, guid.ModeTrust); err != nil {
		return guid.Nil, err
	}
	e.log(rtlog.LevelDebug, "created", g, nil)
	return g, nil
}

// DestroyEvent frees the waiters list then the metadata (§4.1
// "destroyEvent"). It rejects GUIDs that are not local to this engine's
// policy domain.
func (e *Engine) DestroyEvent(g guid.GUID) *status.Error {
	if g.Location() != e.location {
		return status.New(status.InvalidGUID)
	}
	ev, err := e.resolve(g)
	if err != nil {
		return err
	}

	ev.mu.Lock()
	if ev.destroyed {
		ev.mu.Unlock()
		return status.New(status.InvalidGUID)
	}
	ev.destroyed = true
	ev.waiters = nil
	ev.consumers = nil
	ev.mu.Unlock()

	e.guids.Release(g)
	e.log(rtlog.LevelDebug, "destroyed", g, nil)
	return nil
}

// Get returns the event's current payload, or (Nil, false) if it has not
// been set yet (§4.1 "get").
func (e *Engine) Get(g guid.GUID) (guid.GUID, bool, *status.Error) {
	ev, err := e.resolve(g)
	if err != nil {
		return guid.Nil, false, err
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.destroyed {
		return guid.Nil, false, status.New(status.InvalidGUID)
	}
	return ev.payload, ev.payloadSet, nil
}

// Satisfy dispatches on the event's kind, per the state machines of §4.1.
func (e *Engine) Satisfy(g guid.GUID, payload guid.GUID, slot Slot) *status.Error {
	ev, err := e.resolve(g)
	if err != nil {
		return err
	}

	switch ev.kind {
	case Once:
		return e.satisfyOnce(ev, payload)
	case Sticky, Idem:
		return e.satisfyPersistent(ev, payload)
	case Latch, FinishLatch:
		return e.satisfyLatch(ev, payload, slot)
	case Channel:
		return e.satisfyChannel(ev, payload)
	default:
		return status.New(status.InvalidArg)
	}
}

// satisfyOnce implements the ONCE state machine: notify every waiter, then
// destroy the event in the same logical operation (§4.1 "ONCE satisfy").
func (e *Engine) satisfyOnce(ev *event, payload guid.GUID) *status.Error {
	ev.mu.Lock()
	if ev.destroyed {
		ev.mu.Unlock()
		return status.New(status.InvalidGUID)
	}
	waiters := ev.waiters
	ev.waiters = nil
	ev.destroyed = true
	ev.mu.Unlock()

	for _, we := range waiters {
		we.w.OnSignal(we.slot, payload)
	}
	e.guids.Release(ev.g)
	e.log(rtlog.LevelDebug, "once satisfied", ev.g, nil)
	return nil
}

// satisfyPersistent implements the STICKY/IDEM state machine (§4.1
// "Persistent (STICKY/IDEM) satisfy"): install the payload under the lock,
// poison further registration, then notify outside the lock.
func (e *Engine) satisfyPersistent(ev *event, payload guid.GUID) *status.Error {
	ev.mu.Lock()
	if ev.destroyed {
		ev.mu.Unlock()
		return status.New(status.InvalidGUID)
	}
	if ev.payloadSet {
		ev.mu.Unlock()
		if ev.kind == Idem {
			return nil // silently dropped
		}
		return status.New(status.DuplicateSatisfy)
	}

	ev.payload = payload
	ev.payloadSet = true
	ev.poisoned = true
	waiters := ev.waiters
	ev.waiters = nil
	ev.mu.Unlock()

	for _, we := range waiters {
		we.w.OnSignal(we.slot, payload)
	}
	return nil
}

// satisfyLatch implements the LATCH/FINISH_LATCH state machine (§4.1
// "LATCH satisfy", "FINISH latch").
func (e *Engine) satisfyLatch(ev *event, payload guid.GUID, slot Slot) *status.Error {
	ev.mu.Lock()
	if ev.destroyed {
		ev.mu.Unlock()
		return status.New(status.InvalidGUID)
	}
	switch slot {
	case SlotIncr:
		ev.counter++
	case SlotDecr:
		ev.counter--
	default:
		ev.mu.Unlock()
		return status.New(status.InvalidArg)
	}

	if ev.counter != 0 {
		ev.mu.Unlock()
		return nil
	}

	ev.fired = true
	ev.destroyed = true
	waiters := ev.waiters
	ev.waiters = nil
	parentLatch, hasParent, parentSlot := ev.parentLatch, ev.hasParent, ev.parentSlot
	outputEvent, hasOutput, returnGUID := ev.outputEvent, ev.hasOutput, ev.returnGUID
	ev.mu.Unlock()

	for _, we := range waiters {
		we.w.OnSignal(we.slot, payload)
	}
	e.guids.Release(ev.g)

	if hasParent {
		// a finish latch's completion decrements its enclosing latch;
		// errors here are swallowed because the parent may have already
		// fired independently (e.g. cooperative teardown).
		_ = e.Satisfy(parentLatch, guid.Nil, parentSlot)
	}
	if hasOutput {
		_ = e.Satisfy(outputEvent, returnGUID, SlotIncr)
	}
	return nil
}

func (e *Engine) satisfyChannel(ev *event, payload guid.GUID) *status.Error {
	ev.mu.Lock()
	if ev.destroyed {
		ev.mu.Unlock()
		return status.New(status.InvalidGUID)
	}
	if len(ev.consumers) > 0 {
		we := ev.consumers[0]
		ev.consumers = ev.consumers[1:]
		ev.mu.Unlock()
		we.w.OnSignal(we.slot, payload)
		return nil
	}
	if len(ev.channelBuf) >= ev.channelCap {
		ev.mu.Unlock()
		return status.New(status.Busy)
	}
	ev.channelBuf = append(ev.channelBuf, payload)
	ev.mu.Unlock()
	return nil
}

// RegisterWaiterDirect registers w to be notified when g is satisfied
// (§4.1 "registerWaiter"). If g is already satisfied and persistent, w is
// notified synchronously before this call returns, after the event lock
// has been released (to avoid re-entrant deadlock).
func (e *Engine) RegisterWaiterDirect(g guid.GUID, w Waiter, slot int, isAddDep bool) *status.Error {
	ev, err := e.resolve(g)
	if err != nil {
		return err
	}

	ev.mu.Lock()
	if ev.destroyed {
		ev.mu.Unlock()
		return status.New(status.InvalidGUID)
	}

	if ev.kind == Channel {
		if len(ev.channelBuf) > 0 {
			payload := ev.channelBuf[0]
			ev.channelBuf = ev.channelBuf[1:]
			ev.mu.Unlock()
			w.OnSignal(slot, payload)
			return nil
		}
		ev.consumers = append(ev.consumers, waiterEntry{w, slot})
		ev.mu.Unlock()
		return nil
	}

	if ev.kind.persistent() && ev.payloadSet {
		payload := ev.payload
		ev.mu.Unlock()
		w.OnSignal(slot, payload)
		return nil
	}

	e.growWaitersLocked(ev)
	ev.waiters = append(ev.waiters, waiterEntry{w, slot})
	ev.mu.Unlock()
	return nil
}

// growWaitersLocked implements §4.1's "Waiter registration growth": when
// one more waiter would bring the list up to its current capacity
// (len+1 == waitersMax), allocate a new,
// doubled-size backing array, copy, and install it before appending,
// mirroring a create-new/copy/free-old datablock resize. Must be called
// with ev.mu held.
func (e *Engine) growWaitersLocked(ev *event) {
	if len(ev.waiters)+1 < ev.waitersMax {
		return
	}
	newMax := ev.waitersMax * 2
	grown := make([]waiterEntry, len(ev.waiters), newMax)
	copy(grown, ev.waiters)
	ev.waiters = grown
	ev.waitersMax = newMax
}

// eventWaiter adapts an event GUID to the Waiter interface so one event can
// be chained to another (event-to-event dependence, §4.1 add-dependence
// lowering's last case).
type eventWaiter struct {
	e   *Engine
	dst guid.GUID
}

func (w eventWaiter) OnSignal(slot int, payload guid.GUID) {
	_ = w.e.Satisfy(w.dst, payload, Slot(slot))
}

// RegisterWaiterEvent wires dst to be satisfied whenever src is, per the
// "src is an event, dst is an event → registerWaiter" rewrite rule.
func (e *Engine) RegisterWaiterEvent(src, dst guid.GUID, slot int, isAddDep bool) *status.Error {
	return e.RegisterWaiterDirect(src, eventWaiter{e: e, dst: dst}, slot, isAddDep)
}

// RegisterSignaler records that eventGUID is a legitimate dependence source
// for a consumer (the bookkeeping half of §4.1 "registerSignaler"); it does
// not by itself enqueue a notification — callers pair it with
// RegisterWaiterDirect/RegisterWaiterEvent to establish the callback, with
// the signaler registration ordered first to satisfy the "signaler before
// waiter" invariant for non-persistent sources.
func (e *Engine) RegisterSignaler(eventGUID guid.GUID, mode AccessMode, isAddDep bool) *status.Error {
	if mode == ModeEW {
		return status.New(status.NotSupported)
	}
	ev, err := e.resolve(eventGUID)
	if err != nil {
		return err
	}
	ev.mu.Lock()
	destroyed := ev.destroyed
	ev.mu.Unlock()
	if destroyed {
		return status.New(status.InvalidGUID)
	}
	return nil
}

// IsPersistent reports whether g names a STICKY or IDEM event, used by
// add-dependence lowering to decide ordering.
func (e *Engine) IsPersistent(g guid.GUID) bool {
	ev, err := e.resolve(g)
	if err != nil {
		return false
	}
	return ev.kind.persistent()
}

// WireFinishLatch sets the parent-latch and output-event backreferences on
// a FinishLatch event (§4.1 "FINISH latch", §4.3 "Created"). It must be
// called before the finish latch can fire.
func (e *Engine) WireFinishLatch(latchGUID guid.GUID, parentLatch guid.GUID, hasParent bool, outputEvent guid.GUID, hasOutput bool) *status.Error {
	ev, err := e.resolve(latchGUID)
	if err != nil {
		return err
	}
	if ev.kind != FinishLatch {
		return status.New(status.InvalidArg)
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.parentLatch = parentLatch
	ev.hasParent = hasParent
	ev.parentSlot = SlotDecr
	ev.outputEvent = outputEvent
	ev.hasOutput = hasOutput
	return nil
}

// SetReturnGUID stashes the value a finish latch's owner EDT returned, to
// be published to the output event when the latch fires (§4.3
// "Executing" step 4: "if the EDT is a finish-latch owner, the return GUID
// is stashed for the latch to publish later").
func (e *Engine) SetReturnGUID(latchGUID guid.GUID, ret guid.GUID) *status.Error {
	ev, err := e.resolve(latchGUID)
	if err != nil {
		return err
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.returnGUID = ret
	return nil
}
