package guid

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocr-project/runtime-core/status"
)

func TestMakeRoundTrip(t *testing.T) {
	g := Make(KindEDT, 0xBEEF, 12345)
	assert.Equal(t, KindEDT, g.Kind())
	assert.Equal(t, uint32(0xBEEF), g.Location())
	assert.Equal(t, uint64(12345), g.Counter())
}

func TestAllocateIsMonotonicPerKind(t *testing.T) {
	s := NewService(1)
	a := s.Allocate(KindDatablock)
	b := s.Allocate(KindDatablock)
	c := s.Allocate(KindEDT)
	assert.Less(t, a.Counter(), b.Counter())
	assert.Equal(t, KindDatablock, a.Kind())
	assert.Equal(t, KindEDT, c.Kind())
}

func TestReserveGrantsContiguousRange(t *testing.T) {
	s := NewService(1)
	start, stride := s.Reserve(8, KindEDT)
	require.Equal(t, uint64(1), stride)
	next := s.Allocate(KindEDT)
	assert.Equal(t, start.Counter()+8, next.Counter())
}

func TestInsertResolveRelease(t *testing.T) {
	s := NewService(1)
	g := s.Allocate(KindDatablock)

	_, err := s.Insert(g, "meta", ModeTrust)
	require.Nil(t, err)

	v, ok := s.Resolve(g)
	require.True(t, ok)
	assert.Equal(t, "meta", v)

	s.Release(g)
	_, ok = s.Resolve(g)
	assert.False(t, ok)
}

func TestInsertCheckCollision(t *testing.T) {
	s := NewService(1)
	g := s.Allocate(KindDatablock)

	_, err := s.Insert(g, "first", ModeCheck)
	require.Nil(t, err)

	existing, err := s.Insert(g, "second", ModeCheck)
	require.NotNil(t, err)
	assert.Equal(t, status.AlreadyExists, err.Code)
	assert.Equal(t, "first", existing)
}

func TestInsertBlockWaitsForSlotToFree(t *testing.T) {
	s := NewService(1)
	g := s.Allocate(KindDatablock)
	_, err := s.Insert(g, "placeholder", ModeTrust)
	require.Nil(t, err)

	done := make(chan struct{})
	go func() {
		_, err := s.Insert(g, "winner", ModeBlock)
		assert.Nil(t, err)
		close(done)
	}()

	s.Release(g)

	<-done
	v, ok := s.Resolve(g)
	require.True(t, ok)
	assert.Equal(t, "winner", v)
}

func TestScavengeDropsReleasedEntriesOnly(t *testing.T) {
	s := NewService(1)
	var gs []GUID
	for i := 0; i < 10; i++ {
		g := s.Allocate(KindDatablock)
		_, err := s.Insert(g, i, ModeTrust)
		require.Nil(t, err)
		gs = append(gs, g)
	}

	// release half, scavenge in small batches until the whole ring has
	// been scanned at least once.
	for i := 0; i < 10; i += 2 {
		s.Release(gs[i])
	}
	for i := 0; i < 10; i++ {
		s.Scavenge(3)
	}

	s.mu.RLock()
	ringLen := len(s.ring)
	s.mu.RUnlock()
	assert.Equal(t, 5, ringLen)

	for i := 1; i < 10; i += 2 {
		_, ok := s.Resolve(gs[i])
		assert.True(t, ok)
	}
}

func TestConcurrentAllocateIsRace(t *testing.T) {
	s := NewService(1)
	var wg sync.WaitGroup
	seen := make([]GUID, 0, 100)
	var mu sync.Mutex
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := s.Allocate(KindEDT)
			mu.Lock()
			seen = append(seen, g)
			mu.Unlock()
		}()
	}
	wg.Wait()

	set := make(map[GUID]struct{}, len(seen))
	for _, g := range seen {
		set[g] = struct{}{}
	}
	assert.Len(t, set, 100, "all allocated GUIDs must be unique")
}
