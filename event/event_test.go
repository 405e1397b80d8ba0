package event

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocr-project/runtime-core/guid"
	"github.com/ocr-project/runtime-core/status"
)

func newTestEngine() *Engine {
	return NewEngine(guid.NewService(1))
}

type recordingWaiter struct {
	mu      sync.Mutex
	signals []guid.GUID
}

func (r *recordingWaiter) OnSignal(slot int, payload guid.GUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, payload)
}

func (r *recordingWaiter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}

func TestOnceSatisfyNotifiesAndDestroys(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Once, 0)
	require.Nil(t, err)

	w := &recordingWaiter{}
	require.Nil(t, e.RegisterWaiterDirect(g, w, 0, false))

	payload := guid.Make(guid.KindDatablock, 1, 7)
	require.Nil(t, e.Satisfy(g, payload, SlotIncr))
	assert.Equal(t, 1, w.count())

	err = e.Satisfy(g, payload, SlotIncr)
	require.NotNil(t, err)
	assert.Equal(t, status.InvalidGUID, err.Code)
}

func TestStickySecondSatisfyRejected(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Sticky, 0)
	require.Nil(t, err)

	require.Nil(t, e.Satisfy(g, guid.Make(guid.KindDatablock, 1, 1), SlotIncr))
	err = e.Satisfy(g, guid.Make(guid.KindDatablock, 1, 2), SlotIncr)
	require.NotNil(t, err)
	assert.Equal(t, status.DuplicateSatisfy, err.Code)
}

func TestIdemSecondSatisfyDropped(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Idem, 0)
	require.Nil(t, err)

	require.Nil(t, e.Satisfy(g, guid.Make(guid.KindDatablock, 1, 1), SlotIncr))
	assert.Nil(t, e.Satisfy(g, guid.Make(guid.KindDatablock, 1, 2), SlotIncr))

	got, ok, err := e.Get(g)
	require.Nil(t, err)
	require.True(t, ok)
	assert.Equal(t, guid.Make(guid.KindDatablock, 1, 1), got)
}

func TestPersistentRegisterAfterSatisfyNotifiesImmediately(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Sticky, 0)
	require.Nil(t, err)

	payload := guid.Make(guid.KindDatablock, 1, 9)
	require.Nil(t, e.Satisfy(g, payload, SlotIncr))

	w := &recordingWaiter{}
	require.Nil(t, e.RegisterWaiterDirect(g, w, 0, false))
	assert.Equal(t, 1, w.count())
}

func TestLatchFiresOnlyAtZero(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Latch, 0)
	require.Nil(t, err)

	w := &recordingWaiter{}
	require.Nil(t, e.RegisterWaiterDirect(g, w, 0, false))

	require.Nil(t, e.Satisfy(g, guid.Nil, SlotIncr))
	require.Nil(t, e.Satisfy(g, guid.Nil, SlotIncr))
	assert.Equal(t, 0, w.count())

	require.Nil(t, e.Satisfy(g, guid.Nil, SlotDecr))
	assert.Equal(t, 0, w.count())

	require.Nil(t, e.Satisfy(g, guid.Nil, SlotDecr))
	assert.Equal(t, 1, w.count())
}

func TestFinishLatchDecrementsParentAndSatisfiesOutput(t *testing.T) {
	e := newTestEngine()
	parent, err := e.CreateEvent(Latch, 0)
	require.Nil(t, err)
	require.Nil(t, e.Satisfy(parent, guid.Nil, SlotIncr)) // parent counter = 1

	output, err := e.CreateEvent(Once, 0)
	require.Nil(t, err)

	child, err := e.CreateEvent(FinishLatch, 0)
	require.Nil(t, err)
	require.Nil(t, e.WireFinishLatch(child, parent, true, output, true))

	outW := &recordingWaiter{}
	require.Nil(t, e.RegisterWaiterDirect(output, outW, 0, false))

	ret := guid.Make(guid.KindDatablock, 1, 42)
	require.Nil(t, e.SetReturnGUID(child, ret))

	require.Nil(t, e.Satisfy(child, guid.Nil, SlotIncr))
	require.Nil(t, e.Satisfy(child, guid.Nil, SlotDecr)) // child fires, decrements parent, satisfies output

	assert.Equal(t, 1, outW.count())

	got, ok, err := e.Get(parent)
	_ = got
	assert.False(t, ok) // parent also fired (1 incr + 1 decr from child) and self-destroyed
	require.NotNil(t, err)
}

func TestChannelProducerBeforeConsumer(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Channel, 2)
	require.Nil(t, err)

	p1 := guid.Make(guid.KindDatablock, 1, 1)
	require.Nil(t, e.Satisfy(g, p1, SlotIncr))

	w := &recordingWaiter{}
	require.Nil(t, e.RegisterWaiterDirect(g, w, 0, false))
	assert.Equal(t, 1, w.count())
	assert.Equal(t, p1, w.signals[0])
}

func TestChannelConsumerBeforeProducer(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Channel, 2)
	require.Nil(t, err)

	w := &recordingWaiter{}
	require.Nil(t, e.RegisterWaiterDirect(g, w, 0, false))
	assert.Equal(t, 0, w.count())

	p1 := guid.Make(guid.KindDatablock, 1, 1)
	require.Nil(t, e.Satisfy(g, p1, SlotIncr))
	assert.Equal(t, 1, w.count())
}

func TestChannelBoundedCapacityRejectsOverflow(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Channel, 1)
	require.Nil(t, err)

	require.Nil(t, e.Satisfy(g, guid.Make(guid.KindDatablock, 1, 1), SlotIncr))
	err = e.Satisfy(g, guid.Make(guid.KindDatablock, 1, 2), SlotIncr)
	require.NotNil(t, err)
	assert.Equal(t, status.Busy, err.Code)
}

func TestEventToEventChaining(t *testing.T) {
	e := newTestEngine()
	src, err := e.CreateEvent(Once, 0)
	require.Nil(t, err)
	dst, err := e.CreateEvent(Once, 0)
	require.Nil(t, err)

	w := &recordingWaiter{}
	require.Nil(t, e.RegisterWaiterDirect(dst, w, 0, false))
	require.Nil(t, e.RegisterWaiterEvent(src, dst, 0, true))

	payload := guid.Make(guid.KindDatablock, 1, 3)
	require.Nil(t, e.Satisfy(src, payload, SlotIncr))
	assert.Equal(t, 1, w.count())
}

func TestWaiterListGrowsBeyondInitialCapacity(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Sticky, 0)
	require.Nil(t, err)

	var n atomic.Int64
	for i := 0; i < initWaiterCount*4; i++ {
		require.Nil(t, e.RegisterWaiterDirect(g, WaiterFunc(func(slot int, payload guid.GUID) {
			n.Add(1)
		}), 0, false))
	}

	require.Nil(t, e.Satisfy(g, guid.Nil, SlotIncr))
	assert.Equal(t, int64(initWaiterCount*4), n.Load())
}

func TestConcurrentRegisterWaiterIsRace(t *testing.T) {
	e := newTestEngine()
	g, err := e.CreateEvent(Once, 0)
	require.Nil(t, err)

	var wg sync.WaitGroup
	var n atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.RegisterWaiterDirect(g, WaiterFunc(func(slot int, payload guid.GUID) {
				n.Add(1)
			}), 0, false)
		}()
	}
	wg.Wait()

	require.Nil(t, e.Satisfy(g, guid.Nil, SlotIncr))
	assert.Equal(t, int64(50), n.Load())
}
