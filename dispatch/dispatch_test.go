package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocr-project/runtime-core/datablock"
	"github.com/ocr-project/runtime-core/event"
	"github.com/ocr-project/runtime-core/guid"
	"github.com/ocr-project/runtime-core/status"
	"github.com/ocr-project/runtime-core/task"
)

func newTestDispatcher(topo Topology, transport Transport, sched Scheduler) *Dispatcher {
	guids := guid.NewService(topo.Location)
	events := event.NewEngine(guids)
	dbs := datablock.NewEngine(guids)
	tasks := task.NewEngine(guids, events, dbs, noopScheduler{})
	return NewDispatcher(topo, transport, sched, guids, events, dbs, tasks)
}

type noopScheduler struct{}

func (noopScheduler) Schedule(guid.GUID) {}

type fakeScheduler struct {
	work []guid.GUID
	got  []guid.GUID
}

func (f *fakeScheduler) TakeLocalWork() (guid.GUID, bool) {
	if len(f.work) == 0 {
		return guid.Nil, false
	}
	g := f.work[0]
	f.work = f.work[1:]
	return g, true
}

func (f *fakeScheduler) GiveEDT(g guid.GUID) { f.got = append(f.got, g) }

func TestRouteLocal(t *testing.T) {
	topo := Topology{Location: 1}
	hop, next := Route(topo, 1)
	assert.Equal(t, HopLocal, hop)
	assert.Equal(t, uint32(1), next)
}

func TestRouteDirectChild(t *testing.T) {
	topo := Topology{Location: 1, LocalChildren: []uint32{10, 11}}
	hop, next := Route(topo, 11)
	assert.Equal(t, HopDirectChild, hop)
	assert.Equal(t, uint32(11), next)
}

func TestRouteClusterNeighbor(t *testing.T) {
	topo := Topology{Location: 1, ClusterNeighbors: []uint32{2, 3}}
	hop, next := Route(topo, 3)
	assert.Equal(t, HopClusterNeighbor, hop)
	assert.Equal(t, uint32(3), next)
}

func TestRouteClusterHeadForward(t *testing.T) {
	topo := Topology{Location: 5, ClusterNeighbors: []uint32{6, 7}, ClusterBlockZero: 4, IsClusterMaster: false}
	hop, next := Route(topo, 99)
	assert.Equal(t, HopClusterHead, hop)
	assert.Equal(t, uint32(4), next)
}

func TestRouteRootHeadForward(t *testing.T) {
	topo := Topology{Location: 4, IsClusterMaster: true, RootBlockZero: 0}
	hop, next := Route(topo, 99)
	assert.Equal(t, HopRootHead, hop)
	assert.Equal(t, uint32(0), next)
}

func TestProcessMessageLocalDatablockLifecycle(t *testing.T) {
	topo := Topology{Location: 1}
	d := newTestDispatcher(topo, nil, &fakeScheduler{})

	create := &DBCreatePayload{Size: 16}
	msg := &Message{Type: TypeDBCreate, Dest: 1, Payload: create}
	require.Nil(t, d.ProcessMessage(msg, true))
	assert.NotEqual(t, guid.Nil, create.GUID)

	acquire := &DBAcquirePayload{GUID: create.GUID, EDT: guid.Make(guid.KindEDT, 1, 1), Mode: datablock.ModeRW}
	require.Nil(t, d.ProcessMessage(&Message{Type: TypeDBAcquire, Dest: 1, Payload: acquire}, true))
	assert.Len(t, acquire.Ptr, 16)

	release := &DBReleasePayload{GUID: create.GUID, EDT: acquire.EDT, Slot: acquire.Slot}
	require.Nil(t, d.ProcessMessage(&Message{Type: TypeDBRelease, Dest: 1, Payload: release}, true))
}

func TestProcessMessageNonLocalWithoutTransportIsNotSupported(t *testing.T) {
	topo := Topology{Location: 1}
	d := newTestDispatcher(topo, nil, &fakeScheduler{})

	err := d.ProcessMessage(&Message{Type: TypeDBCreate, Dest: 2, Payload: &DBCreatePayload{}}, true)
	require.NotNil(t, err)
	assert.Equal(t, status.NotSupported, err.Code)
}

type recordingTransport struct {
	sent []*Message
}

func (r *recordingTransport) Send(dest uint32, msg *Message) *status.Error {
	r.sent = append(r.sent, msg)
	return nil
}

func TestProcessMessageForwardsNonBlockingPending(t *testing.T) {
	topo := Topology{Location: 1, ClusterNeighbors: []uint32{2}}
	rt := &recordingTransport{}
	d := newTestDispatcher(topo, rt, &fakeScheduler{})

	err := d.ProcessMessage(&Message{Type: TypeDBCreate, Dest: 2, Payload: &DBCreatePayload{}}, false)
	require.NotNil(t, err)
	assert.Equal(t, status.Pending, err.Code)
	assert.Len(t, rt.sent, 1)
}

func TestCommTakePrefersLocalWork(t *testing.T) {
	topo := Topology{Location: 1, ClusterNeighbors: []uint32{2}}
	g := guid.Make(guid.KindEDT, 1, 5)
	sched := &fakeScheduler{work: []guid.GUID{g}}
	d := newTestDispatcher(topo, &recordingTransport{}, sched)

	p := &CommTakePayload{}
	require.Nil(t, d.ProcessMessage(&Message{Type: TypeCommTake, Dest: 1, Payload: p}, true))
	require.Len(t, p.Taken, 1)
	assert.Equal(t, g, p.Taken[0])
}

func TestCommTakeForwardsToNeighborWhenLocalEmpty(t *testing.T) {
	topo := Topology{Location: 1, ClusterNeighbors: []uint32{2}}
	rt := &recordingTransport{}
	sched := &fakeScheduler{}
	d := newTestDispatcher(topo, rt, sched)

	p := &CommTakePayload{}
	require.Nil(t, d.ProcessMessage(&Message{Type: TypeCommTake, Dest: 1, Payload: p}, true))
	require.Len(t, rt.sent, 1)
	assert.Equal(t, uint32(2), rt.sent[0].Dest)
}

func TestCommTakeWithNoNeighborsIsQuiet(t *testing.T) {
	topo := Topology{Location: 1}
	sched := &fakeScheduler{}
	d := newTestDispatcher(topo, nil, sched)

	p := &CommTakePayload{}
	require.Nil(t, d.ProcessMessage(&Message{Type: TypeCommTake, Dest: 1, Payload: p}, true))
	assert.Empty(t, p.Taken)
}

func TestRunlevelCheckInBarrier(t *testing.T) {
	topo := Topology{Location: 1, LocalChildren: []uint32{10, 11}}
	d := newTestDispatcher(topo, nil, &fakeScheduler{})

	assert.False(t, d.CheckIn(RLConfigParse))
	assert.True(t, d.CheckIn(RLConfigParse))
}

func TestRunlevelCheckInIgnoresWrongLevel(t *testing.T) {
	topo := Topology{Location: 1, LocalChildren: []uint32{10}}
	d := newTestDispatcher(topo, nil, &fakeScheduler{})

	assert.False(t, d.CheckIn(RLNetworkOK))
}

func TestWithCommThrottleOverridesDefault(t *testing.T) {
	topo := Topology{Location: 1, ClusterNeighbors: []uint32{2}}
	guids := guid.NewService(topo.Location)
	events := event.NewEngine(guids)
	dbs := datablock.NewEngine(guids)
	tasks := task.NewEngine(guids, events, dbs, noopScheduler{})
	rt := &recordingTransport{}
	d := NewDispatcher(topo, rt, &fakeScheduler{}, guids, events, dbs, tasks, WithCommThrottle(time.Minute, 1))

	p1 := &CommTakePayload{}
	require.Nil(t, d.ProcessMessage(&Message{Type: TypeCommTake, Dest: 1, Payload: p1}, true))
	assert.Len(t, rt.sent, 1)

	p2 := &CommTakePayload{}
	require.Nil(t, d.ProcessMessage(&Message{Type: TypeCommTake, Dest: 1, Payload: p2}, true))
	assert.Len(t, rt.sent, 1, "second forward within the throttle window should be suppressed")
}

func TestShutdownCapturesCodeOnce(t *testing.T) {
	topo := Topology{Location: 1}
	d := newTestDispatcher(topo, nil, &fakeScheduler{})

	d.Shutdown(7)
	d.Shutdown(9)

	code, ok := d.ShutdownCode()
	require.True(t, ok)
	assert.Equal(t, 7, code)
}
