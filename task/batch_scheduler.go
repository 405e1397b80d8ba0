package task

import (
	"context"

	"github.com/joeycumines/go-microbatch"

	"github.com/ocr-project/runtime-core/guid"
)

// BatchScheduler implements Scheduler by coalescing EDTs becoming ready
// into small batches before handing them to a worker, instead of a
// one-by-one handoff (§4.4 draining, §4.5 giveEdt), using
// microbatch.Batcher's size/time-triggered flush exactly as it batches
// any other job type.
type BatchScheduler struct {
	batcher *microbatch.Batcher[guid.GUID]
}

// NewBatchScheduler wires give to receive each flushed batch of newly
// ready EDT GUIDs, in submission order. maxSize caps a batch's size; 0
// takes microbatch's own default (16). give runs on the batcher's flush
// goroutine and must not block indefinitely.
func NewBatchScheduler(maxSize int, give func(batch []guid.GUID)) *BatchScheduler {
	b := &BatchScheduler{}
	b.batcher = microbatch.NewBatcher[guid.GUID](&microbatch.BatcherConfig{MaxSize: maxSize}, func(_ context.Context, jobs []guid.GUID) error {
		give(jobs)
		return nil
	})
	return b
}

// Schedule implements Scheduler. Submit performs a handshake with the
// batcher's run loop and returns once g is recorded in the pending
// batch; it does not wait for that batch to flush.
func (b *BatchScheduler) Schedule(g guid.GUID) {
	_, _ = b.batcher.Submit(context.Background(), g)
}

// Close stops accepting further EDTs and waits for any in-flight batch to
// finish flushing.
func (b *BatchScheduler) Close() error {
	return b.batcher.Close()
}
