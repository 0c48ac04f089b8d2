package breaker

// bulkhead is a per-scope semaphore with a bounded wait queue: up to
// maxConcurrent callers run at once, up to maxQueued more block
// waiting for a slot, and anything beyond that is rejected immediately
// rather than queued indefinitely.
type bulkhead struct {
	slots chan struct{}
	queue chan struct{}
}

func newBulkhead(maxConcurrent, maxQueued int) *bulkhead {
	return &bulkhead{
		slots: make(chan struct{}, maxConcurrent),
		queue: make(chan struct{}, maxConcurrent+maxQueued),
	}
}

// tryAcquire reserves a queue ticket (rejecting immediately if the
// queue is full), then blocks for a concurrency slot.
func (b *bulkhead) tryAcquire() bool {
	select {
	case b.queue <- struct{}{}:
	default:
		return false
	}
	b.slots <- struct{}{}
	return true
}

func (b *bulkhead) release() {
	<-b.slots
	<-b.queue
}
