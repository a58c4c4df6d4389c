package runqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocap-kernel/kernel/internal/kvstore"
	"github.com/ocap-kernel/kernel/internal/queue"
)

const (
	keyHead   = "queue.head"
	keyTail   = "queue.tail"
	entryTmpl = "queue.%d"
)

// Queue is the durable FIFO backing the crank loop, persisted through
// kvstore.Executor under queue.<seq> with a head/tail cursor pair, and
// paired with a queue.Notifier so a waiting crank loop wakes the instant
// an entry lands instead of polling the store.
type Queue struct {
	store    kvstore.Executor
	notifier queue.Notifier
}

func New(store kvstore.Executor, notifier queue.Notifier) *Queue {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Queue{store: store, notifier: notifier}
}

func (q *Queue) cursor(ctx context.Context, key string) (uint64, error) {
	b, ok, err := q.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	var n uint64
	fmt.Sscanf(string(b), "%d", &n)
	return n, nil
}

func (q *Queue) setCursor(ctx context.Context, key string, n uint64) error {
	return q.store.Set(ctx, key, []byte(fmt.Sprintf("%d", n)))
}

// Push appends entry to the tail of the queue and notifies any waiting
// crank loop. The caller supplies everything but Seq; Push assigns it.
func (q *Queue) Push(ctx context.Context, entry Entry) (uint64, error) {
	tail, err := q.cursor(ctx, keyTail)
	if err != nil {
		return 0, err
	}
	entry.Seq = tail
	b, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("runqueue: encode entry: %w", err)
	}
	if err := q.store.Set(ctx, fmt.Sprintf(entryTmpl, tail), b); err != nil {
		return 0, err
	}
	if err := q.setCursor(ctx, keyTail, tail+1); err != nil {
		return 0, err
	}
	_ = q.notifier.Notify(ctx, queue.QueueRun)
	return tail, nil
}

// Peek returns the entry at the head of the queue without removing it,
// or ok=false if the queue is empty.
func (q *Queue) Peek(ctx context.Context) (Entry, bool, error) {
	head, err := q.cursor(ctx, keyHead)
	if err != nil {
		return Entry{}, false, err
	}
	tail, err := q.cursor(ctx, keyTail)
	if err != nil {
		return Entry{}, false, err
	}
	if head >= tail {
		return Entry{}, false, nil
	}
	b, ok, err := q.store.Get(ctx, fmt.Sprintf(entryTmpl, head))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(b, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("runqueue: decode entry %d: %w", head, err)
	}
	return entry, true, nil
}

// Pop removes and returns the head entry. Pop and the crank that consumes
// it must run inside the same kvstore.Txn so the removal commits (or
// rolls back) atomically with the crank's other effects.
func (q *Queue) Pop(ctx context.Context) (Entry, bool, error) {
	entry, ok, err := q.Peek(ctx)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	if err := q.store.Delete(ctx, fmt.Sprintf(entryTmpl, entry.Seq)); err != nil {
		return Entry{}, false, err
	}
	if err := q.setCursor(ctx, keyHead, entry.Seq+1); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Len reports the number of entries currently queued.
func (q *Queue) Len(ctx context.Context) (int, error) {
	head, err := q.cursor(ctx, keyHead)
	if err != nil {
		return 0, err
	}
	tail, err := q.cursor(ctx, keyTail)
	if err != nil {
		return 0, err
	}
	return int(tail - head), nil
}

// waitPollInterval bounds how long WaitForWork sleeps between checks when
// no wakeup arrives (for example with the no-op notifier).
const waitPollInterval = 50 * time.Millisecond

// WaitForWork blocks until the queue is non-empty or ctx is done, relying
// on the notifier to avoid polling in the common case: it subscribes once,
// then checks the queue and, if empty, waits for a wakeup or for
// waitPollInterval to pass before checking again.
func (q *Queue) WaitForWork(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := q.notifier.Subscribe(subCtx, queue.QueueRun)
	for {
		n, err := q.Len(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				ch = nil
			}
		case <-time.After(waitPollInterval):
		}
	}
}
