// Package strand implements the strand table and micro-task scheduler of
// §4.4: a hierarchical, fan-out-64 bit-vector index of pending
// continuations ("strands"), a spread heuristic for insertion and
// draining that keeps producers and consumers apart, and the work-class
// partitioned draining loop (`processStrands`/`processResolveEvents`).
//
// Grounded on eventloop/loop.go's tick/ingress processing loop (a worker
// repeatedly claims a batch of pending items and runs their callbacks
// without giving up its thread until the batch is drained or empty),
// adapted from "one flat ready queue" to "a tree of ready queues indexed
// by summary bitmaps so many workers can drain concurrently without
// colliding on the same subtree". The per-node lock-then-try-child
// discipline is grounded on eventloop/registry.go's slot claiming (a
// fixed-size array of slots, each independently lockable).
package strand

import (
	"math/bits"
	"sync"

	"github.com/ocr-project/runtime-core/guid"
	"github.com/ocr-project/runtime-core/rtlog"
	"github.com/ocr-project/runtime-core/status"
)

// FanOut is the branching factor of every non-leaf table node (§4.4: "the
// low three bits of a handle are a table id" — three bits alone would
// give 8, but the 64-bit summary bitmaps described for nodeFree/nodeReady
// fit naturally with a fan-out of 64, one bit per child).
const FanOut = 64

// Class partitions actions so a worker draining one class never blocks on
// actions belonging to another (§4.4 "work-class partitioning").
type Class int

const (
	ClassWork Class = iota
	ClassComm
	numClasses = 2
)

// Action is a single deferred continuation queued on a strand.
type Action interface {
	Class() Class
	Run() error
}

// ActionFunc adapts a function and a fixed class to the Action interface.
type ActionFunc struct {
	C Class
	F func() error
}

func (a ActionFunc) Class() Class   { return a.C }
func (a ActionFunc) Run() error     { return a.F() }

// Props are strand creation flags, combined with the implicit WAIT_EVT
// flag derived from the event's current readiness (§4.4 "Insertion").
type Props uint8

const (
	PropRHold Props = 1 << iota // forward-reference hold
)

type strandFlags uint8

const (
	flagWaitEvt strandFlags = 1 << iota
	flagWaitAct
	flagRHold
)

// Strand is one serialized chain of deferred actions parked on a
// not-yet-ready event.
type Strand struct {
	mu sync.Mutex

	event guid.GUID
	ready bool // local cache of the event's readiness; set by MarkReadyEvent/MarkWaitEvent
	flags strandFlags

	actions []Action

	bufferedLock    sync.Mutex
	bufferedActions []Action

	processingWorker int // -1 when not claimed
	modified         bool

	parent      *node
	indexInNode int
}

func (s *Strand) hasHold() bool    { return s.flags&flagRHold != 0 }
func (s *Strand) waitingEvt() bool { return s.flags&flagWaitEvt != 0 }
func (s *Strand) waitingAct() bool { return s.flags&flagWaitAct != 0 }

// node is one level of the strand table tree. depth counts the remaining
// node-levels below this one before reaching strands: depth 0 means this
// node's children are *Strand directly; depth > 0 means they are *node
// with depth-1, recursively, so the tree can grow arbitrarily deep rather
// than being capped at a fixed number of levels (§4.4 "the table may grow
// upward (new root) or downward (new leaf levels) as load demands").
type node struct {
	mu sync.Mutex

	children         [FanOut]any // *node, *Strand, or nil
	nodeFree         uint64      // bit set = slot free
	nodeReady        uint64      // bit set = child strand ready, no actions, held
	nodeNeedsProcess [numClasses]uint64

	depth int

	parent      *node
	indexInNode int
}

func (n *node) isLeaf() bool { return n.depth == 0 }

func newNode(depth int) *node {
	return &node{nodeFree: ^uint64(0), depth: depth, indexInNode: -1}
}

// Table is the root of the strand tree for one work-class domain (one per
// policy-domain worker pool in the larger runtime).
type Table struct {
	mu   sync.Mutex
	root *node

	scavenger     *guid.Service
	scavengeBatch int
}

// tableOptions holds NewTable's configuration, resolved from Option
// values (§9 "Strand table GC of transitively-freed events").
type tableOptions struct {
	scavenger     *guid.Service
	scavengeBatch int
}

// Option configures a Table at construction, in the style of
// eventloop/options.go's functional LoopOption.
type Option interface {
	applyTable(*tableOptions)
}

type optionFunc func(*tableOptions)

func (f optionFunc) applyTable(o *tableOptions) { f(o) }

// WithScavenger wires a GUID service into the table so ProcessStrands can
// run a bounded, amortized Scavenge pass once per drain cycle, instead of
// letting destroyed-event GUIDs accumulate in the service's ring for the
// table's lifetime. batchSize is forwarded to guid.Service.Scavenge.
func WithScavenger(gs *guid.Service, batchSize int) Option {
	return optionFunc(func(o *tableOptions) {
		o.scavenger = gs
		o.scavengeBatch = batchSize
	})
}

func resolveTableOptions(opts []Option) *tableOptions {
	cfg := &tableOptions{scavengeBatch: 64}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyTable(cfg)
	}
	return cfg
}

// NewTable constructs an empty strand table.
func NewTable(opts ...Option) *Table {
	cfg := resolveTableOptions(opts)
	return &Table{scavenger: cfg.scavenger, scavengeBatch: cfg.scavengeBatch}
}

func logf(msg string, g guid.GUID) {
	l := rtlog.Global()
	if !l.IsEnabled(rtlog.LevelDebug) {
		return
	}
	l.Log(rtlog.Entry{Level: rtlog.LevelDebug, Category: "strand", GUID: uint64(g), Message: msg})
}

// spreadSlot picks a free slot out of freeMask and (when avoidMask is
// non-zero) prefers a slot absent from avoidMask too (§4.4 "spreads
// producers and consumers apart"); if every free slot is in avoidMask, any
// free slot is eligible. The search starts at bit (workerID+retry) mod 64
// and takes the first eligible slot at or after it, wrapping around, so
// different workers and retries start from different offsets. The bitmap
// is not divided into quadrants.
func spreadSlot(freeMask, avoidMask uint64, workerID, retry int) (int, bool) {
	if freeMask == 0 {
		return -1, false
	}
	preferred := freeMask &^ avoidMask
	if preferred == 0 {
		preferred = freeMask
	}
	rot := uint((workerID + retry) % 64)
	rotated := bits.RotateLeft64(preferred, -int(rot))
	idx := bits.TrailingZeros64(rotated)
	if idx == 64 {
		return -1, false
	}
	return (idx + int(rot)) % 64, true
}

func setBit(mask *uint64, i int, v bool) (changed bool) {
	bit := uint64(1) << uint(i)
	before := *mask
	if v {
		*mask |= bit
	} else {
		*mask &^= bit
	}
	return *mask != before
}

// GetNewStrand implements §4.4 "Insertion": descends the tree, growing it
// as needed, and returns a locked strand parked on ev with the given
// props. ready reports whether ev was already resolved at insertion time
// (the caller supplies this; this package does not query the event
// engine). Each node on the way down is taken with TryLock; if it is
// contended, the descent restarts from the root with a higher retry count.
func (t *Table) GetNewStrand(ev guid.GUID, ready bool, props Props, workerID int) *Strand {
	t.mu.Lock()
	if t.root == nil {
		// materialise a two-level root so the root lock isn't hot on the
		// very first insert: root -> one leaf child -> strands. Further
		// levels are added lazily by growRoot (upward) and by the descent
		// loop below (downward) as load demands.
		root := newNode(1)
		leaf := newNode(0)
		leaf.parent = root
		leaf.indexInNode = 0
		root.children[0] = leaf
		setBit(&root.nodeFree, 0, false)
		t.root = root
	}
	t.mu.Unlock()

	retry := 0
	for {
		root := t.currentRoot()
		cur := root
		for {
			if !cur.mu.TryLock() {
				break // contended: restart from the root
			}
			if cur.nodeFree == 0 {
				cur.mu.Unlock()
				if cur == root {
					t.growRoot(cur)
					cur = t.currentRoot()
					retry++
					continue
				}
				// shouldn't happen below root given growth-on-full at
				// insertion of children; restart from root.
				break
			}

			avoid := cur.nodeReady
			for c := 0; c < numClasses; c++ {
				avoid |= cur.nodeNeedsProcess[c]
			}
			slot, ok := spreadSlot(cur.nodeFree, avoid, workerID, retry)
			if !ok {
				cur.mu.Unlock()
				break
			}

			if cur.isLeaf() {
				s := &Strand{
					event:            ev,
					processingWorker: -1,
					parent:           cur,
					indexInNode:      slot,
				}
				if props&PropRHold != 0 {
					s.flags |= flagRHold
				}
				if !ready {
					s.flags |= flagWaitEvt
				}
				s.ready = ready

				cur.children[slot] = s
				setBit(&cur.nodeFree, slot, false)
				if ready {
					setBit(&cur.nodeReady, slot, true)
				}
				s.mu.Lock()
				cur.mu.Unlock()
				t.propagateSummaries(cur)
				logf("strand inserted", ev)
				return s
			}

			child := newNode(cur.depth - 1)
			child.parent = cur
			child.indexInNode = slot
			cur.children[slot] = child
			setBit(&cur.nodeFree, slot, false)
			cur.mu.Unlock()
			cur = child
		}
		retry++
	}
}

// growRoot allocates a new root above the current one and atomically
// swaps it in under the table lock, re-checking identity to avoid a
// redundant grow from a concurrent racer (§4.4 "allocate a new root above
// it and atomically swap it in").
func (t *Table) growRoot(old *node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root != old {
		return // another goroutine already grew it
	}
	newRoot := newNode(old.depth + 1)
	newRoot.children[0] = old
	setBit(&newRoot.nodeFree, 0, false)
	old.parent = newRoot
	old.indexInNode = 0
	t.root = newRoot
}

func (t *Table) currentRoot() *node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// propagateSummaries walks from n up to the root, recomputing each
// ancestor's summary bits from its own children, stopping as soon as a
// level's summary doesn't change (§4.4 "propagating only while the
// summary actually changed"). Locks are taken one node at a time,
// following the strand -> parent -> ascend discipline; siblings are never
// held simultaneously.
func (t *Table) propagateSummaries(n *node) {
	cur := n
	for cur != nil {
		parent := cur.parent
		if parent == nil {
			return
		}

		cur.mu.Lock()
		free := cur.nodeFree == ^uint64(0)
		var needs [numClasses]bool
		for c := 0; c < numClasses; c++ {
			needs[c] = cur.nodeNeedsProcess[c] != 0
		}
		ready := isNodeFullyReady(cur)
		cur.mu.Unlock()

		parent.mu.Lock()
		changed := setBit(&parent.nodeFree, cur.indexInNode, free)
		for c := 0; c < numClasses; c++ {
			if setBit(&parent.nodeNeedsProcess[c], cur.indexInNode, needs[c]) {
				changed = true
			}
		}
		if setBit(&parent.nodeReady, cur.indexInNode, ready) {
			changed = true
		}
		parent.mu.Unlock()

		if !changed {
			return
		}
		cur = parent
	}
}

func isNodeFullyReady(n *node) bool {
	occupied := ^n.nodeFree
	if occupied == 0 {
		return false
	}
	return n.nodeReady&occupied == occupied
}

// EnqueueActions implements §4.4 "Action enqueue": s must already be
// locked by the caller (as returned by GetNewStrand or a drain claim). If
// another worker is currently processing s, the actions are appended to
// its buffered queue instead, to be merged when that worker finishes its
// current batch.
func (t *Table) EnqueueActions(s *Strand, actions []Action, clearFwdHold bool) {
	if s.processingWorker >= 0 {
		s.bufferedLock.Lock()
		s.bufferedActions = append(s.bufferedActions, actions...)
		s.modified = true
		s.bufferedLock.Unlock()
		if clearFwdHold {
			s.flags &^= flagRHold
		}
		return
	}

	hadNone := len(s.actions) == 0
	s.actions = append(s.actions, actions...)
	if clearFwdHold {
		s.flags &^= flagRHold
	}

	if hadNone && len(s.actions) > 0 {
		s.flags |= flagWaitAct
		if s.ready {
			t.transition(s, func(n *node) {
				setBit(&n.nodeReady, s.indexInNode, false)
			}, s.actions[0].Class())
		}
	}
}

// transition applies setReady to s's parent, sets s's nodeNeedsProcess bit
// for cls there, then propagates upward.
func (t *Table) transition(s *Strand, setReady func(*node), cls Class) {
	parent := s.parent
	parent.mu.Lock()
	setReady(parent)
	setBit(&parent.nodeNeedsProcess[cls], s.indexInNode, true)
	parent.mu.Unlock()
	t.propagateSummaries(parent)
}

// MarkReadyEvent implements §4.4 "markReadyEvent": called once the
// strand's parked event resolves. currentWorker identifies the worker
// calling this (a worker marking ready on its own currently-processing
// strand skips propagation; it will do the bookkeeping on exit instead).
func (t *Table) MarkReadyEvent(s *Strand, currentWorker int) {
	s.mu.Lock()
	s.ready = true
	s.flags &^= flagWaitEvt
	isOwnStrand := s.processingWorker == currentWorker && s.processingWorker >= 0
	hasActions := len(s.actions) > 0
	var headClass Class
	if hasActions {
		headClass = s.actions[0].Class()
	}
	hold := s.hasHold()
	s.mu.Unlock()

	if isOwnStrand {
		return
	}

	parent := s.parent
	if hasActions {
		parent.mu.Lock()
		setBit(&parent.nodeNeedsProcess[headClass], s.indexInNode, true)
		parent.mu.Unlock()
		t.propagateSummaries(parent)
		return
	}

	parent.mu.Lock()
	setBit(&parent.nodeReady, s.indexInNode, true)
	parent.mu.Unlock()
	t.propagateSummaries(parent)

	if !hold {
		t.releaseIfIdle(s)
	}
}

// MarkWaitEvent implements §4.4 "markWaitEvent": reverses MarkReadyEvent.
// It requires a HOLD to be active (an un-held strand with no actions
// would otherwise be eligible for release, making "wait again" undefined).
func (t *Table) MarkWaitEvent(s *Strand) *status.Error {
	s.mu.Lock()
	if !s.hasHold() {
		s.mu.Unlock()
		return status.New(status.InvalidArg)
	}
	s.ready = false
	s.flags |= flagWaitEvt
	hasActions := len(s.actions) > 0
	s.mu.Unlock()

	parent := s.parent
	parent.mu.Lock()
	if !hasActions {
		setBit(&parent.nodeReady, s.indexInNode, false)
	}
	parent.mu.Unlock()
	t.propagateSummaries(parent)
	return nil
}

// ResolveResult is the outcome of ResolveEvent.
type ResolveResult int

const (
	ResolveReady ResolveResult = iota
	ResolveStrand
	ResolveNoop
)

// ResolveEvent implements §4.4 "Resolution" for a strand s parked on an
// event. Readiness is read from the strand's own state (set by
// MarkReadyEvent/MarkWaitEvent); the event engine is not consulted. It
// returns ResolveReady if s is nil, or if s is ready and has no pending
// actions, and ResolveStrand otherwise (the strand stays parked; the
// caller may enqueue further actions on it). ResolveNoop is not returned.
// clearHold drops the strand's RHOLD.
func ResolveEvent(s *Strand, clearHold bool) ResolveResult {
	if s == nil {
		return ResolveReady
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if clearHold {
		s.flags &^= flagRHold
	}
	if s.ready && len(s.actions) == 0 {
		return ResolveReady
	}
	return ResolveStrand
}

func (t *Table) releaseIfIdle(s *Strand) {
	s.mu.Lock()
	idle := !s.hasHold() && len(s.actions) == 0 && s.processingWorker < 0
	s.mu.Unlock()
	if !idle {
		return
	}

	parent := s.parent
	parent.mu.Lock()
	parent.children[s.indexInNode] = nil
	setBit(&parent.nodeFree, s.indexInNode, true)
	setBit(&parent.nodeReady, s.indexInNode, false)
	for c := 0; c < numClasses; c++ {
		setBit(&parent.nodeNeedsProcess[c], s.indexInNode, false)
	}
	parent.mu.Unlock()
	t.propagateSummaries(parent)
}

// ProcessStrands implements §4.4 "Draining": repeatedly claims strands
// whose nodeNeedsProcess[class] bit is set, runs actions of the given
// class from their head until the strand is empty or the head action
// belongs to a different class, then releases or re-marks the strand.
// It stops after maxStrands claims or when no matching strand is found.
func (t *Table) ProcessStrands(class Class, workerID int, maxStrands int) int {
	processed := 0
	for processed < maxStrands {
		s := t.claimStrand(class, workerID)
		if s == nil {
			break
		}
		t.drainClaimed(s, class, workerID)
		processed++
	}
	t.maybeScavenge()
	return processed
}

// maybeScavenge runs one bounded guid.Service.Scavenge pass per drain
// cycle, per §9's documented PDEVT_GC fallback: destroyed events are
// reclaimed lazily rather than tracked precisely by the strand table
// itself.
func (t *Table) maybeScavenge() {
	if t.scavenger == nil {
		return
	}
	t.scavenger.Scavenge(t.scavengeBatch)
}

// claimStrand walks the tree along set nodeNeedsProcess[class] bits, clears
// the chosen strand's bit at its leaf (propagating upward as needed), marks
// the strand as claimed by workerID, and returns it unlocked, or nil if
// none found.
func (t *Table) claimStrand(class Class, workerID int) *Strand {
	root := t.currentRoot()
	if root == nil {
		return nil
	}

	retry := 0
	cur := root
	for {
		cur.mu.Lock()
		mask := cur.nodeNeedsProcess[class]
		if mask == 0 {
			cur.mu.Unlock()
			return nil
		}
		slot, ok := spreadSlot(mask, 0, workerID, retry)
		if !ok {
			cur.mu.Unlock()
			return nil
		}
		child := cur.children[slot]
		cur.mu.Unlock()

		if cur.isLeaf() {
			s, ok := child.(*Strand)
			if !ok || s == nil {
				retry++
				continue
			}
			parent := cur
			parent.mu.Lock()
			setBit(&parent.nodeNeedsProcess[class], slot, false)
			parent.mu.Unlock()
			t.propagateSummaries(parent)

			s.mu.Lock()
			s.processingWorker = workerID
			s.mu.Unlock()
			return s
		}

		n, ok := child.(*node)
		if !ok || n == nil {
			retry++
			continue
		}
		cur = n
	}
}

// drainClaimed runs actions of class from s's head while possible, then
// performs the exit bookkeeping described in §4.4 step 4-5.
func (t *Table) drainClaimed(s *Strand, class Class, workerID int) {
	for {
		s.mu.Lock()
		if !s.ready || len(s.actions) == 0 || s.actions[0].Class() != class {
			s.mu.Unlock()
			break
		}
		a := s.actions[0]
		s.actions = s.actions[1:]
		s.mu.Unlock()

		if err := a.Run(); err != nil {
			// failure semantics: re-enqueue at head, abort this run.
			s.mu.Lock()
			s.actions = append([]Action{a}, s.actions...)
			s.mu.Unlock()
			break
		}
	}

	s.bufferedLock.Lock()
	buffered := s.bufferedActions
	s.bufferedActions = nil
	s.modified = false
	s.bufferedLock.Unlock()

	s.mu.Lock()
	s.actions = append(s.actions, buffered...)
	s.processingWorker = -1
	hasActions := len(s.actions) > 0
	var headClass Class
	if hasActions {
		headClass = s.actions[0].Class()
	}
	waitEvt := s.waitingEvt()
	hold := s.hasHold()
	s.mu.Unlock()

	parent := s.parent
	if hasActions {
		parent.mu.Lock()
		setBit(&parent.nodeNeedsProcess[headClass], s.indexInNode, true)
		parent.mu.Unlock()
		t.propagateSummaries(parent)
		return
	}

	if !waitEvt {
		if !hold {
			t.releaseIfIdle(s)
			return
		}
		parent.mu.Lock()
		setBit(&parent.nodeReady, s.indexInNode, true)
		parent.mu.Unlock()
		t.propagateSummaries(parent)
	}
}

// ProcessResolveEvents implements §4.4 "processResolveEvents": it blocks
// the calling worker until every strand in pending is ready and has no
// pending actions. Each round it drains, on the calling worker, any
// pending strand whose head action is of class, then calls ProcessStrands
// for class with a batch size that doubles each round (up to 1<<20).
// Readiness is read from each strand's own state; the event engine is not
// consulted.
func (t *Table) ProcessResolveEvents(pending []*Strand, class Class, workerID int) {
	batch := 1
	for {
		remaining := pending[:0]
		for _, s := range pending {
			s.mu.Lock()
			done := s.ready && len(s.actions) == 0
			s.mu.Unlock()
			if !done {
				remaining = append(remaining, s)
			}
		}
		pending = remaining
		if len(pending) == 0 {
			return
		}

		for _, s := range pending {
			s.mu.Lock()
			matches := len(s.actions) > 0 && s.actions[0].Class() == class
			s.mu.Unlock()
			if matches {
				t.drainClaimed(s, class, workerID)
			}
		}

		t.ProcessStrands(class, workerID, batch)
		if batch < 1<<20 {
			batch *= 2
		}
	}
}
