// Package task implements the EDT (Event-Driven Task) lifecycle and
// labeled-GUID creation protocol of §4.3: templates, the dependence
// frontier, finish-scope latch wiring, output events, and execution.
//
// Grounded on eventloop/promise.go's chained-callback bookkeeping (a
// promise holds a slice of pending subscribers and a monotonic "resolved"
// transition) adapted from "resolve a value once" to "accumulate N
// dependence slots, then become runnable once all are filled", and on
// microbatch's accumulate-until-threshold design (`addedDepCounter == depc`
// is this package's threshold condition, exactly as microbatch flushes
// when its item count reaches a configured batch size).
package task

import (
	"sync"

	"github.com/ocr-project/runtime-core/datablock"
	"github.com/ocr-project/runtime-core/event"
	"github.com/ocr-project/runtime-core/guid"
	"github.com/ocr-project/runtime-core/rtlog"
	"github.com/ocr-project/runtime-core/status"
)

// AccessMode records how an EDT intends to use a dependence slot's value,
// per §6 "Access modes". It is a distinct type from event.AccessMode and
// datablock.AccessMode because each engine only needs to understand the
// subset relevant to it; this package converts between them at the
// boundary.
type AccessMode uint8

const (
	ModeRW AccessMode = iota
	ModeRO
	ModeConst
	ModeEW
	ModeNull
)

func toEventMode(m AccessMode) event.AccessMode {
	switch m {
	case ModeRO:
		return event.ModeRO
	case ModeConst:
		return event.ModeConst
	case ModeEW:
		return event.ModeEW
	case ModeNull:
		return event.ModeNull
	default:
		return event.ModeRW
	}
}

func toDatablockMode(m AccessMode) datablock.AccessMode {
	switch m {
	case ModeRO:
		return datablock.ModeRO
	case ModeConst:
		return datablock.ModeConst
	case ModeEW:
		return datablock.ModeEW
	case ModeNull:
		return datablock.ModeNull
	default:
		return datablock.ModeRW
	}
}

// DepSlot is one materialised dependence presented to an EDT's function at
// execution time.
type DepSlot struct {
	GUID guid.GUID
	Ptr  []byte // nil for NULL_MODE or event-sourced (non-datablock) slots
	Mode AccessMode
}

// ELS is an EDT's EDT-local storage, a small fixed address space of
// GUIDs the body function may read/write across re-entrant calls (§6
// "elsGet/Set(offset)").
type ELS struct {
	mu     sync.Mutex
	values map[int]guid.GUID
}

func newELS() *ELS { return &ELS{values: make(map[int]guid.GUID)} }

func (e *ELS) Get(offset int) guid.GUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values[offset]
}

func (e *ELS) Set(offset int, g guid.GUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[offset] = g
}

// Func is an EDT's user body. It receives its parameters, its materialised
// dependence slots, and its ELS, and returns a GUID to be published to its
// output event (or guid.Nil).
type Func func(paramv []uint64, depv []DepSlot, els *ELS) (guid.GUID, error)

// Template is a reusable EDT function plus its parameter/dependence arity.
type Template struct {
	Fn    Func
	Paramc int
	Depc   int
}

// Scheduler is the handoff point to the micro-task layer (strand): once an
// EDT's dependence frontier is complete it is handed here rather than
// executed inline, matching §4.3 "Ready: given to the scheduler as a
// fully-formed work item."
type Scheduler interface {
	Schedule(edtGUID guid.GUID)
}

// edt is the metadata record for one EDT GUID.
type edt struct {
	mu sync.Mutex

	g          guid.GUID
	templateG  guid.GUID
	tmpl       *Template
	paramv     []uint64
	signalers  []guid.GUID // UNINITIALIZED slots are guid.Nil
	modes      []AccessMode
	depc       int
	addedDep   int
	scheduled  bool
	destroyed  bool

	els *ELS

	hasFinishLatch bool
	finishLatch    guid.GUID

	hasOwnFinishLatch bool
	ownFinishLatch    guid.GUID

	hasOutput   bool
	outputEvent guid.GUID
}

// CreateEDTArgs bundles the parameters of an EDT creation request (§4.3,
// §6 "createEDT").
type CreateEDTArgs struct {
	Template guid.GUID
	ParamV   []uint64
	// Deps holds initial dependence sources; an entry may be guid.Nil to
	// mean "uninitialized, to be added later via AddDependence".
	Deps  []guid.GUID
	Modes []AccessMode

	WantOutputEvent bool
	IsFinishEDT     bool

	// Label, when HasLabel is set, requests a specific GUID rather than an
	// allocated one (§4.3 "Labeled GUIDs"); it is ignored otherwise.
	Label     guid.GUID
	HasLabel  bool
	LabelMode guid.InsertMode
}

// Engine is one policy domain's EDT engine.
type Engine struct {
	guids      *guid.Service
	events     *event.Engine
	datablocks *datablock.Engine
	scheduler  Scheduler
	location   uint32

	mu        sync.Mutex
	templates map[guid.GUID]*Template
}

// NewEngine constructs a task engine wired to the given collaborators.
// Scheduler may be nil during unit testing of lifecycle mechanics that
// don't exercise Execute via a real strand table.
func NewEngine(g *guid.Service, events *event.Engine, datablocks *datablock.Engine, scheduler Scheduler) *Engine {
	return &Engine{
		guids:      g,
		events:     events,
		datablocks: datablocks,
		scheduler:  scheduler,
		location:   g.Location(),
		templates:  make(map[guid.GUID]*Template),
	}
}

func (e *Engine) log(level rtlog.Level, msg string, g guid.GUID, err error) {
	l := rtlog.Global()
	if !l.IsEnabled(level) {
		return
	}
	l.Log(rtlog.Entry{Level: level, Category: "task", GUID: uint64(g), Message: msg, Err: err})
}

// CreateTemplate registers a reusable EDT function and returns its GUID.
func (e *Engine) CreateTemplate(t Template) guid.GUID {
	g := e.guids.Allocate(guid.KindTemplate)
	tc := t
	e.mu.Lock()
	e.templates[g] = &tc
	e.mu.Unlock()
	return g
}

func (e *Engine) resolveTemplate(g guid.GUID) (*Template, *status.Error) {
	e.mu.Lock()
	t, ok := e.templates[g]
	e.mu.Unlock()
	if !ok {
		return nil, status.New(status.InvalidGUID)
	}
	return t, nil
}

func (e *Engine) resolveEDT(g guid.GUID) (*edt, *status.Error) {
	v, ok := e.guids.Resolve(g)
	if !ok {
		return nil, status.New(status.InvalidGUID)
	}
	t, ok := v.(*edt)
	if !ok {
		return nil, status.New(status.InvalidGUID)
	}
	return t, nil
}

// EnclosingFinishLatch returns the finish-scope latch that children created
// by edtGUID should inherit: its own finish latch if it is a finish EDT,
// otherwise the one it itself inherited, if any.
func (e *Engine) EnclosingFinishLatch(edtGUID guid.GUID) (guid.GUID, bool) {
	t, err := e.resolveEDT(edtGUID)
	if err != nil {
		return guid.Nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasOwnFinishLatch {
		return t.ownFinishLatch, true
	}
	return t.finishLatch, t.hasFinishLatch
}

// CreateEDT implements §4.3 step "Created": resolves the template, copies
// parameters, allocates the signalers array, wires finish-scope and output
// event state, and lowers any dependences supplied at creation time through
// the same path as a later explicit AddDependence call.
func (e *Engine) CreateEDT(args CreateEDTArgs, enclosingLatch guid.GUID, hasEnclosingLatch bool) (edtGUID guid.GUID, outputEvent guid.GUID, err *status.Error) {
	tmpl, terr := e.resolveTemplate(args.Template)
	if terr != nil {
		return guid.Nil, guid.Nil, terr
	}
	if len(args.ParamV) != tmpl.Paramc {
		return guid.Nil, guid.Nil, status.Newf(status.InvalidArg, "task: paramc mismatch: want %d got %d", tmpl.Paramc, len(args.ParamV))
	}
	if len(args.Deps) > tmpl.Depc || len(args.Modes) > tmpl.Depc {
		return guid.Nil, guid.Nil, status.New(status.InvalidArg)
	}

	var g guid.GUID
	if args.HasLabel {
		g = args.Label
		if g.Location() != e.location {
			return guid.Nil, guid.Nil, status.New(status.InvalidArg)
		}
	} else {
		g = e.guids.Allocate(guid.KindEDT)
	}

	t := &edt{
		g:         g,
		templateG: args.Template,
		tmpl:      tmpl,
		paramv:    append([]uint64(nil), args.ParamV...),
		signalers: make([]guid.GUID, tmpl.Depc),
		modes:     make([]AccessMode, tmpl.Depc),
		depc:      tmpl.Depc,
		els:       newELS(),
	}

	if hasEnclosingLatch {
		t.hasFinishLatch = true
		t.finishLatch = enclosingLatch
	}

	if args.IsFinishEDT {
		latchG, lerr := e.events.CreateEvent(event.FinishLatch, 0)
		if lerr != nil {
			return guid.Nil, guid.Nil, lerr
		}
		t.hasOwnFinishLatch = true
		t.ownFinishLatch = latchG
	}

	if args.WantOutputEvent {
		og, oerr := e.events.CreateEvent(event.Sticky, 0)
		if oerr != nil {
			return guid.Nil, guid.Nil, oerr
		}
		t.hasOutput = true
		t.outputEvent = og
	}

	if args.IsFinishEDT {
		if err := e.events.WireFinishLatch(t.ownFinishLatch, enclosingLatch, hasEnclosingLatch, t.outputEvent, t.hasOutput); err != nil {
			return guid.Nil, guid.Nil, err
		}
		// the finish EDT's own in-flight body is itself a member of the
		// scope it owns, so it holds one increment across its own
		// execution; otherwise the latch could observe a spurious zero
		// crossing between two children created sequentially by the body
		// (each child's own increment/decrement pair would net to zero on
		// its own before the next child is even created).
		_ = e.events.Satisfy(t.ownFinishLatch, guid.Nil, event.SlotIncr)
	}

	mode := args.Modes
	for i := range t.signalers {
		t.signalers[i] = guid.Nil
		if i < len(mode) {
			t.modes[i] = mode[i]
		}
	}

	if _, ierr := e.guids.Insert(g, t, insertModeFor(args)); ierr != nil {
		return guid.Nil, guid.Nil, ierr
	}

	if hasEnclosingLatch {
		_ = e.events.Satisfy(enclosingLatch, guid.Nil, event.SlotIncr)
	}

	e.log(rtlog.LevelDebug, "created", g, nil)

	for i, src := range args.Deps {
		if src == guid.Nil {
			continue
		}
		m := ModeRW
		if i < len(args.Modes) {
			m = args.Modes[i]
		}
		if err := e.AddDependence(src, g, i, m); err != nil {
			return guid.Nil, guid.Nil, err
		}
	}

	if tmpl.Depc == 0 {
		t.mu.Lock()
		alreadyScheduled := t.scheduled
		t.scheduled = true
		t.mu.Unlock()
		if !alreadyScheduled {
			e.log(rtlog.LevelDebug, "ready", g, nil)
			if e.scheduler != nil {
				e.scheduler.Schedule(g)
			}
		}
	}

	return g, t.outputEvent, nil
}

func insertModeFor(args CreateEDTArgs) guid.InsertMode {
	if !args.HasLabel {
		return guid.ModeTrust
	}
	return args.LabelMode
}

// edtWaiter adapts an EDT's dependence slot to the event.Waiter interface.
type edtWaiter struct {
	e    *Engine
	edtG guid.GUID
	slot int
}

func (w edtWaiter) OnSignal(slot int, payload guid.GUID) {
	e := w.e
	_ = e.satisfySlot(w.edtG, w.slot, payload)
}

// AddDependence implements the §4.1 add-dependence lowering table, the
// compound rewrite from a logical "src → dst@slot" edge to the appropriate
// primitive calls against the event, datablock, and task engines.
func (e *Engine) AddDependence(src, dst guid.GUID, slot int, mode AccessMode) *status.Error {
	switch {
	case src == guid.Nil:
		return e.satisfyDestination(dst, slot, guid.Nil)

	case src.Kind() == guid.KindDatablock:
		if dst.Kind() != guid.KindEDT {
			return e.events.Satisfy(dst, src, event.SlotIncr)
		}
		if err := e.setSlotModeOnly(dst, slot, mode); err != nil {
			return err
		}
		return e.satisfySlot(dst, slot, src)

	case isEventKind(src.Kind()):
		if dst.Kind() == guid.KindEDT {
			if err := e.setSlotModeOnly(dst, slot, mode); err != nil {
				return err
			}
			if err := e.events.RegisterSignaler(src, toEventMode(mode), true); err != nil {
				return err
			}
			return e.events.RegisterWaiterDirect(src, edtWaiter{e: e, edtG: dst, slot: slot}, slot, true)
		}
		return e.events.RegisterWaiterEvent(src, dst, slot, true)

	default:
		return status.New(status.InvalidArg)
	}
}

func isEventKind(k guid.Kind) bool {
	switch k {
	case guid.KindEventOnce, guid.KindEventSticky, guid.KindEventLatch, guid.KindEventChannel:
		return true
	}
	return false
}

func (e *Engine) satisfyDestination(dst guid.GUID, slot int, payload guid.GUID) *status.Error {
	if dst.Kind() == guid.KindEDT {
		return e.satisfySlot(dst, slot, payload)
	}
	return e.events.Satisfy(dst, payload, event.SlotIncr)
}

func (e *Engine) setSlotModeOnly(edtG guid.GUID, slot int, mode AccessMode) *status.Error {
	t, err := e.resolveEDT(edtG)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.modes) {
		return status.New(status.InvalidArg)
	}
	t.modes[slot] = mode
	return nil
}

// satisfySlot implements §4.3 "Satisfaction of an EDT slot": replace the
// signaler at slot with the producing GUID; if this was the last
// uninitialised slot, hand the EDT to the scheduler.
func (e *Engine) satisfySlot(edtG guid.GUID, slot int, payload guid.GUID) *status.Error {
	t, err := e.resolveEDT(edtG)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return status.New(status.InvalidGUID)
	}
	if slot < 0 || slot >= len(t.signalers) {
		t.mu.Unlock()
		return status.New(status.InvalidArg)
	}
	t.signalers[slot] = payload
	t.addedDep++
	ready := t.addedDep == t.depc && !t.scheduled
	if ready {
		t.scheduled = true
	}
	t.mu.Unlock()

	if ready {
		e.log(rtlog.LevelDebug, "ready", edtG, nil)
		if e.scheduler != nil {
			e.scheduler.Schedule(edtG)
		}
	}
	return nil
}

// ELSGet/ELSSet expose an EDT's EDT-local storage.
func (e *Engine) ELSGet(edtG guid.GUID, offset int) (guid.GUID, *status.Error) {
	t, err := e.resolveEDT(edtG)
	if err != nil {
		return guid.Nil, err
	}
	return t.els.Get(offset), nil
}

func (e *Engine) ELSSet(edtG guid.GUID, offset int, v guid.GUID) *status.Error {
	t, err := e.resolveEDT(edtG)
	if err != nil {
		return err
	}
	t.els.Set(offset, v)
	return nil
}

// Execute implements §4.3 steps "Executing" through "Destroyed": it
// acquires every datablock-sourced dependence slot, runs the user
// function, releases the acquired slots, publishes the output event or
// stashes the return GUID for a finish latch, decrements the enclosing
// finish latch, and finally releases the EDT's own GUID.
func (e *Engine) Execute(edtG guid.GUID) (guid.GUID, error) {
	t, err := e.resolveEDT(edtG)
	if err != nil {
		return guid.Nil, err
	}

	t.mu.Lock()
	signalers := append([]guid.GUID(nil), t.signalers...)
	modes := append([]AccessMode(nil), t.modes...)
	paramv := t.paramv
	els := t.els
	hasOutput, outputEvent := t.hasOutput, t.outputEvent
	hasOwnLatch, ownLatch := t.hasOwnFinishLatch, t.ownFinishLatch
	hasFinishLatch, finishLatch := t.hasFinishLatch, t.finishLatch
	t.mu.Unlock()

	depv := make([]DepSlot, len(signalers))
	type acquired struct {
		g    guid.GUID
		slot int
	}
	var held []acquired

	for i, sg := range signalers {
		if sg == guid.Nil || sg.Kind() != guid.KindDatablock {
			depv[i] = DepSlot{GUID: sg, Mode: modes[i]}
			continue
		}
		ptr, slot, aerr := e.datablocks.Acquire(sg, edtG, toDatablockMode(modes[i]))
		if aerr != nil {
			for _, h := range held {
				_ = e.datablocks.Release(h.g, edtG, h.slot, false)
			}
			return guid.Nil, aerr
		}
		depv[i] = DepSlot{GUID: sg, Ptr: ptr, Mode: modes[i]}
		held = append(held, acquired{sg, slot})
	}

	ret, uerr := t.tmpl.Fn(paramv, depv, els)

	for _, h := range held {
		_ = e.datablocks.Release(h.g, edtG, h.slot, false)
	}

	if hasOutput && !hasOwnLatch {
		_ = e.events.Satisfy(outputEvent, ret, event.SlotIncr)
	} else if hasOwnLatch {
		_ = e.events.SetReturnGUID(ownLatch, ret)
		// release the scope-membership increment taken for this EDT's own
		// body at creation time (see CreateEDT).
		_ = e.events.Satisfy(ownLatch, guid.Nil, event.SlotDecr)
	}

	if hasFinishLatch {
		_ = e.events.Satisfy(finishLatch, guid.Nil, event.SlotDecr)
	}

	t.mu.Lock()
	t.destroyed = true
	t.mu.Unlock()
	e.guids.Release(edtG)
	e.log(rtlog.LevelDebug, "destroyed", edtG, uerr)

	return ret, uerr
}

