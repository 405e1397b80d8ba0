package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocr-project/runtime-core/guid"
)

func TestBatchSchedulerCoalescesBySize(t *testing.T) {
	var mu sync.Mutex
	var batches [][]guid.GUID

	bs := NewBatchScheduler(3, func(batch []guid.GUID) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
	})
	defer bs.Close()

	for i := 0; i < 3; i++ {
		bs.Schedule(guid.Make(guid.KindEDT, 1, uint64(i)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, batches[0], 3)
}

func TestBatchSchedulerFlushesOnInterval(t *testing.T) {
	var mu sync.Mutex
	var batches [][]guid.GUID

	bs := NewBatchScheduler(16, func(batch []guid.GUID) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, batch)
	})
	defer bs.Close()

	bs.Schedule(guid.Make(guid.KindEDT, 1, 7))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, batches[0], 1)
}
