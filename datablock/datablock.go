// Package datablock implements the datablock acquisition protocol of §4.2:
// create/acquire/release/free, the fixed-capacity concurrent-user tracker,
// and the deferred-free-on-last-release refcounting rule.
//
// Grounded on eventloop/registry.go's slot-table bookkeeping (a fixed-size
// array of slots with a free-list of indices) adapted from "registered
// callback IDs" to "concurrent acquirers of a buffer", and on
// catrate/limiter.go's categoryData pool-of-structs-behind-a-mutex style for
// the per-datablock metadata record.
package datablock

import (
	"sync"

	"github.com/ocr-project/runtime-core/guid"
	"github.com/ocr-project/runtime-core/rtlog"
	"github.com/ocr-project/runtime-core/status"
)

// AccessMode records how an acquirer intends to use a datablock's bytes.
type AccessMode uint8

const (
	ModeRW AccessMode = iota
	ModeRO
	ModeConst
	ModeEW // exclusive write: no other acquirer may hold the block concurrently
	ModeNull
)

// MaxConcurrentUsers is the fixed capacity of the per-datablock user
// tracker (§4.2 "the user tracker has capacity 64").
const MaxConcurrentUsers = 64

type userSlot struct {
	active bool
	mode   AccessMode
	owner  guid.GUID
}

// datablock is the metadata record for one datablock GUID.
type datablock struct {
	mu sync.Mutex

	g    guid.GUID
	data []byte

	users     [MaxConcurrentUsers]userSlot
	userCount int

	refcount      int // outstanding acquires, plus 1 for the creator's implicit hold
	freeRequested bool
	destroyed     bool
}

// Engine is one policy domain's datablock engine.
type Engine struct {
	guids    *guid.Service
	location uint32
}

// NewEngine constructs a datablock engine backed by the given GUID service.
func NewEngine(g *guid.Service) *Engine {
	return &Engine{guids: g, location: g.Location()}
}

func (e *Engine) log(level rtlog.Level, msg string, g guid.GUID, err error) {
	l := rtlog.Global()
	if !l.IsEnabled(level) {
		return
	}
	l.Log(rtlog.Entry{Level: level, Category: "datablock", GUID: uint64(g), Message: msg, Err: err})
}

func (e *Engine) resolve(g guid.GUID) (*datablock, *status.Error) {
	v, ok := e.guids.Resolve(g)
	if !ok {
		return nil, status.New(status.InvalidGUID)
	}
	db, ok := v.(*datablock)
	if !ok {
		return nil, status.New(status.InvalidGUID)
	}
	return db, nil
}

// Create allocates a datablock of the given size, optionally initialized
// from initial (copied; initial may be shorter than size, in which case
// the remainder is zero-filled) (§4.2 "create").
func (e *Engine) Create(size int, initial []byte) (guid.GUID, *status.Error) {
	if size < 0 {
		return guid.Nil, status.New(status.InvalidArg)
	}
	g := e.guids.Allocate(guid.KindDatablock)
	buf := make([]byte, size)
	copy(buf, initial)

	db := &datablock{g: g, data: buf, refcount: 1}
	if _, err := e.guids.Insert(g, db, guid.ModeTrust); err != nil {
		return guid.Nil, err
	}
	e.log(rtlog.LevelDebug, "created", g, nil)
	return g, nil
}

// Acquire registers edtGUID as a concurrent user of g under mode, returning
// a direct slice over the datablock's bytes and the tracker slot index to
// pass back to Release (§4.2 "acquire"). Re-acquiring a datablock an EDT
// already holds is idempotent: the existing tracker entry is returned
// without touching userCount/refcount. Otherwise it rejects with Busy once
// MaxConcurrentUsers is reached, and with Busy if mode is EW and another
// user already holds the block (or vice versa).
func (e *Engine) Acquire(g guid.GUID, edtGUID guid.GUID, mode AccessMode) ([]byte, int, *status.Error) {
	db, err := e.resolve(g)
	if err != nil {
		return nil, -1, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.destroyed {
		return nil, -1, status.New(status.InvalidGUID)
	}
	if db.freeRequested {
		return nil, -1, status.New(status.Pending)
	}

	for i := range db.users {
		if db.users[i].active && db.users[i].owner == edtGUID {
			return db.data, i, nil
		}
	}

	if mode == ModeEW && db.userCount > 0 {
		return nil, -1, status.New(status.Busy)
	}
	if db.userCount > 0 && e.hasExclusiveLocked(db) {
		return nil, -1, status.New(status.Busy)
	}

	slot := -1
	for i := range db.users {
		if !db.users[i].active {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, -1, status.New(status.Busy)
	}

	db.users[slot] = userSlot{active: true, mode: mode, owner: edtGUID}
	db.userCount++
	db.refcount++
	return db.data, slot, nil
}

func (e *Engine) hasExclusiveLocked(db *datablock) bool {
	for i := range db.users {
		if db.users[i].active && db.users[i].mode == ModeEW {
			return true
		}
	}
	return false
}

// Release returns a previously acquired slot on behalf of edtGUID. If a
// free was requested while users were outstanding and this was the last
// one, the datablock is destroyed as part of this call (§4.2 "release",
// "deferred free"). If edtGUID does not match the tracker entry at slot
// (including an already-released or never-acquired slot), the release is
// tolerated when isInternal is set (re-release tolerated for internal
// callers) and otherwise rejected with Unauthorised.
func (e *Engine) Release(g guid.GUID, edtGUID guid.GUID, slot int, isInternal bool) *status.Error {
	db, err := e.resolve(g)
	if err != nil {
		return err
	}

	db.mu.Lock()
	if slot < 0 || slot >= MaxConcurrentUsers || !db.users[slot].active || db.users[slot].owner != edtGUID {
		db.mu.Unlock()
		if isInternal {
			return nil
		}
		return status.New(status.Unauthorised)
	}
	db.users[slot] = userSlot{}
	db.userCount--
	db.refcount--
	shouldFree := db.freeRequested && db.refcount == 0 && !db.destroyed
	if shouldFree {
		db.destroyed = true
	}
	db.mu.Unlock()

	if shouldFree {
		e.guids.Release(g)
		e.log(rtlog.LevelDebug, "freed on last release", g, nil)
	}
	return nil
}

// FreeRequest marks g for destruction. If no users currently hold the
// block, it is destroyed immediately; otherwise destruction is deferred to
// the last matching Release call (§4.2 "free").
func (e *Engine) FreeRequest(g guid.GUID) *status.Error {
	db, err := e.resolve(g)
	if err != nil {
		return err
	}

	db.mu.Lock()
	if db.destroyed {
		db.mu.Unlock()
		return status.New(status.InvalidGUID)
	}
	if db.freeRequested {
		db.mu.Unlock()
		return status.New(status.DuplicateSatisfy)
	}
	db.freeRequested = true
	db.refcount-- // drop the creator's implicit hold
	immediate := db.refcount == 0
	if immediate {
		db.destroyed = true
	}
	db.mu.Unlock()

	if immediate {
		e.guids.Release(g)
		e.log(rtlog.LevelDebug, "freed immediately", g, nil)
	}
	return nil
}

// Size returns the byte length of g's backing buffer.
func (e *Engine) Size(g guid.GUID) (int, *status.Error) {
	db, err := e.resolve(g)
	if err != nil {
		return 0, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.destroyed {
		return 0, status.New(status.InvalidGUID)
	}
	return len(db.data), nil
}

// UserCount reports the number of currently outstanding acquirers, for
// diagnostics and tests.
func (e *Engine) UserCount(g guid.GUID) (int, *status.Error) {
	db, err := e.resolve(g)
	if err != nil {
		return 0, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.userCount, nil
}
