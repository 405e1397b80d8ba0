// Package guid implements the GUID (handle) service described as an
// external collaborator in §6 of the specification: it maps opaque 64-bit
// handles to in-memory metadata pointers, encodes kind and home location in
// the handle's bits, and supports the labeled-GUID creation modes used by
// §4.3 ("Labeled GUIDs").
//
// The resolution table is grounded on eventloop/registry.go's weak-pointer
// ring-buffer bookkeeping: a monotonic ID counter, a map from ID to payload,
// and a bounded, amortized scavenge pass rather than a single stop-the-world
// GC sweep.
package guid

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ocr-project/runtime-core/status"
)

// Kind identifies the category of runtime object a GUID names.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindDatablock
	KindEventOnce
	KindEventSticky
	KindEventLatch
	KindEventChannel
	KindEDT
	KindTemplate
	KindPolicyDomain
)

const (
	counterBits = 40
	counterMask = (uint64(1) << counterBits) - 1
	locationBits = 16
	locationMask = (uint64(1) << locationBits) - 1
)

// GUID is the opaque 64-bit handle described in §3: kind and home location
// are encoded in its high bits, a monotonic counter in its low bits.
type GUID uint64

// Nil is the GUID equivalent of a NULL pointer: it never resolves.
const Nil GUID = 0

// Make encodes a handle from its constituent fields. It is exported so
// tests and the dispatcher's message codec can construct/inspect GUIDs
// without reaching into package internals.
func Make(kind Kind, location uint32, counter uint64) GUID {
	v := counter & counterMask
	v |= (uint64(location) & locationMask) << counterBits
	v |= uint64(kind) << (counterBits + locationBits)
	return GUID(v)
}

// Kind extracts the kind bits of a GUID.
func (g GUID) Kind() Kind {
	return Kind(uint64(g) >> (counterBits + locationBits))
}

// Location extracts the home-location bits of a GUID.
func (g GUID) Location() uint32 {
	return uint32((uint64(g) >> counterBits) & locationMask)
}

// Counter extracts the monotonic counter bits of a GUID.
func (g GUID) Counter() uint64 {
	return uint64(g) & counterMask
}

// InsertMode controls the semantics of a labeled-GUID insert (§4.3).
type InsertMode int

const (
	// ModeCheck performs an atomic try-insert; a collision returns
	// ALREADY_EXISTS and the existing metadata.
	ModeCheck InsertMode = iota
	// ModeBlock retries until the insert wins; used when the creator owns
	// the label by construction and any observed collision is a transient
	// race rather than a real conflict.
	ModeBlock
	// ModeTrust inserts unconditionally ("trust me" mode).
	ModeTrust
)

// Service is a single policy domain's GUID provider: it allocates fresh
// GUIDs, resolves GUIDs to metadata pointers, and supports pre-reserved
// label ranges.
type Service struct {
	location uint32

	mu   sync.RWMutex
	data map[GUID]any

	// ring and head implement the bounded scavenge pass, mirroring
	// eventloop/registry.go's ring buffer of IDs.
	ring []GUID
	head int

	counters [256]atomic.Uint64 // one monotonic counter per Kind
}

// NewService creates a GUID service for the given home location.
func NewService(location uint32) *Service {
	return &Service{
		location: location,
		data:     make(map[GUID]any),
		ring:     make([]GUID, 0, 1024),
	}
}

// Location returns the home location this service allocates GUIDs for.
func (s *Service) Location() uint32 { return s.location }

// Allocate returns a fresh, unreserved GUID of the given kind, with no
// associated metadata. Callers insert metadata via Insert.
func (s *Service) Allocate(kind Kind) GUID {
	start, _ := s.Reserve(1, kind)
	return start
}

// Reserve pre-reserves a contiguous range of `count` GUIDs for the given
// kind, per §4.3 "Reservation". Reservations are monotonic: there is no
// reclaim in this design, matching the specification.
func (s *Service) Reserve(count uint64, kind Kind) (start GUID, stride uint64) {
	if count == 0 {
		count = 1
	}
	base := s.counters[kind].Add(count) - count
	return Make(kind, s.location, base), 1
}

// Insert associates meta with g under the given InsertMode. It also enrolls
// g in the scavenge ring.
func (s *Service) Insert(g GUID, meta any, mode InsertMode) (existing any, err *status.Error) {
	switch mode {
	case ModeTrust:
		s.mu.Lock()
		_, had := s.data[g]
		s.data[g] = meta
		if !had {
			s.ring = append(s.ring, g)
		}
		s.mu.Unlock()
		return nil, nil

	case ModeCheck:
		s.mu.Lock()
		if prior, ok := s.data[g]; ok {
			s.mu.Unlock()
			return prior, status.New(status.AlreadyExists)
		}
		s.data[g] = meta
		s.ring = append(s.ring, g)
		s.mu.Unlock()
		return nil, nil

	case ModeBlock:
		for {
			s.mu.Lock()
			if _, ok := s.data[g]; !ok {
				s.data[g] = meta
				s.ring = append(s.ring, g)
				s.mu.Unlock()
				return nil, nil
			}
			s.mu.Unlock()
			runtime.Gosched()
		}

	default:
		return nil, status.Newf(status.InvalidArg, "guid: unknown insert mode %d", mode)
	}
}

// Resolve returns the metadata pointer registered for g, if any.
func (s *Service) Resolve(g GUID) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[g]
	return v, ok
}

// Release forgets g's metadata. Subsequent Resolve calls return false,
// matching the "satisfy/registration after destroy" failure mode from §4.1.
func (s *Service) Release(g GUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, g)
}

// Scavenge performs a bounded, amortized compaction pass over the GUID
// ring, analogous to eventloop/registry.go's Scavenge: it walks at most
// batchSize entries per call and drops ring slots whose GUID has already
// been released, so the ring does not grow without bound across a long
// runlevel lifetime.
func (s *Service) Scavenge(batchSize int) {
	if batchSize <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.ring)
	if n == 0 {
		s.head = 0
		return
	}
	if s.head >= n {
		s.head = 0
	}

	examine := batchSize
	if examine > n {
		examine = n
	}

	next := make([]GUID, 0, n)
	removed := 0
	for i := 0; i < n; i++ {
		idx := (s.head + i) % n
		g := s.ring[idx]
		if i < examine {
			if _, ok := s.data[g]; !ok {
				removed++
				continue // drop: released since last scavenge
			}
		}
		next = append(next, g)
	}

	s.ring = next
	if len(s.ring) == 0 {
		s.head = 0
		return
	}
	s.head = (examine - removed) % len(s.ring)
}
