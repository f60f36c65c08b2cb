// Package queue provides the in-memory, single-consumer event queue.
//
// Items are ordered by priority (stable among equals) and processed one
// at a time. Failed items are retried with a fixed delay and re-enter at
// the front of the queue, ahead of the general priority ordering. The
// queue is best-effort: nothing survives a process restart.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// ErrTimeout marks an attempt abandoned because the processor outlived
// its timeout. The processor itself is not forcibly terminated; its
// context is cancelled and it must be safe to abandon.
var ErrTimeout = errors.New("processing timeout")

// Processor is the work function attached to an item. The context is
// cancelled when the attempt times out.
type Processor func(ctx context.Context, data any) (any, error)

// Options bundle per-item policy. Zero fields take the defaults.
type Options struct {
	Priority   int           `json:"priority"`
	MaxRetries int           `json:"maxRetries"`
	RetryDelay time.Duration `json:"retryDelay"`
	Timeout    time.Duration `json:"timeout"`
}

// DefaultOptions returns the item defaults: priority 0, 3 retries, 3s
// fixed retry delay, 30s timeout.
func DefaultOptions() Options {
	return Options{
		Priority:   0,
		MaxRetries: 3,
		RetryDelay: 3 * time.Second,
		Timeout:    30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// item is the internal mutable state of one queued job.
type item struct {
	id        string
	data      any
	processor Processor
	opts      Options

	status      Status
	retryCount  int
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	lastError   string
	result      any

	// prev/next form the pending list.
	prev, next *item
}

// Snapshot is a read-only copy of an item's state.
type Snapshot struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Priority    int        `json:"priority"`
	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	Result      any        `json:"result,omitempty"`
	Data        any        `json:"data,omitempty"`
}

func (it *item) snapshot() Snapshot {
	return Snapshot{
		ID:          it.id,
		Status:      it.status,
		Priority:    it.opts.Priority,
		RetryCount:  it.retryCount,
		MaxRetries:  it.opts.MaxRetries,
		CreatedAt:   it.createdAt,
		StartedAt:   it.startedAt,
		CompletedAt: it.completedAt,
		LastError:   it.lastError,
		Result:      it.result,
		Data:        it.data,
	}
}

// NotifyFunc receives lifecycle notifications for terminal outcomes.
type NotifyFunc func(event string, item Snapshot)

// Notification event names.
const (
	NotifyProcessed = "processed"
	NotifyFailed    = "failed"
)

// Stats are the queue's aggregate counters. Rates are derived on read.
type Stats struct {
	Enqueued        int64   `json:"enqueued"`
	Processed       int64   `json:"processed"`
	Failed          int64   `json:"failed"`
	Retries         int64   `json:"retries"`
	SuccessRate     float64 `json:"successRate"`
	FailureRate     float64 `json:"failureRate"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`
}

// StatusCounts breaks down live items by status.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Success    int `json:"success"`
	Failed     int `json:"failed"`
}

// Queue is the single-consumer priority queue.
type Queue struct {
	mu sync.Mutex

	// head/tail of the pending list, priority-descending, stable.
	head, tail *item
	pending    int

	// delayed holds items waiting out a retry delay.
	delayed map[string]*item
	timers  map[string]*time.Timer

	// current is the one item in flight; busy is the single-flight
	// guard.
	current *item
	busy    bool

	// completed retains terminal items for status queries until
	// cleared.
	completed []*item

	notify NotifyFunc
	closed bool

	enqueued  int64
	processed int64
	failed    int64
	retries   int64
	avgMs     float64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		delayed: make(map[string]*item),
		timers:  make(map[string]*time.Timer),
	}
}

// SetNotify installs the lifecycle notification callback. It must be
// set before the first enqueue.
func (q *Queue) SetNotify(fn NotifyFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

// Enqueue adds a job and returns its ID immediately. The worker starts
// if idle.
func (q *Queue) Enqueue(data any, processor Processor, opts Options) (string, error) {
	if processor == nil {
		return "", errors.New("processor is required")
	}

	it := &item{
		id:        uuid.New().String(),
		data:      data,
		processor: processor,
		opts:      opts.withDefaults(),
		status:    StatusPending,
		createdAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", errors.New("queue is closed")
	}

	q.insertByPriority(it)
	q.pending++
	q.enqueued++

	start := !q.busy
	if start {
		q.busy = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}

	return it.id, nil
}

// insertByPriority places it before the first pending item with
// strictly lower priority, so new items of equal priority go after
// existing ones. Caller holds q.mu.
func (q *Queue) insertByPriority(it *item) {
	at := q.head
	for at != nil && at.opts.Priority >= it.opts.Priority {
		at = at.next
	}
	q.insertBefore(it, at)
}

// insertBefore links it ahead of at (nil means append). Caller holds
// q.mu.
func (q *Queue) insertBefore(it *item, at *item) {
	if at == nil {
		it.prev = q.tail
		it.next = nil
		if q.tail != nil {
			q.tail.next = it
		}
		q.tail = it
		if q.head == nil {
			q.head = it
		}
		return
	}

	it.prev = at.prev
	it.next = at
	if at.prev != nil {
		at.prev.next = it
	} else {
		q.head = it
	}
	at.prev = it
}

// unlink removes it from the pending list. Caller holds q.mu.
func (q *Queue) unlink(it *item) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		q.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		q.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

// drain processes pending items one at a time until the list empties.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		it := q.head
		if it == nil || q.closed {
			q.busy = false
			q.mu.Unlock()
			return
		}

		q.unlink(it)
		q.pending--
		now := time.Now()
		it.status = StatusProcessing
		it.startedAt = &now
		q.current = it
		q.mu.Unlock()

		result, err := q.runAttempt(it)

		if err == nil {
			q.complete(it, StatusSuccess, result, "")
			continue
		}

		q.mu.Lock()
		if it.retryCount < it.opts.MaxRetries {
			it.retryCount++
			it.status = StatusPending
			it.startedAt = nil
			it.lastError = err.Error()
			q.current = nil
			q.retries++
			q.scheduleRetry(it)
			q.mu.Unlock()

			slog.Debug("queue item scheduled for retry",
				"item_id", it.id,
				"retry_count", it.retryCount,
				"delay", it.opts.RetryDelay,
			)
			continue
		}
		q.mu.Unlock()

		q.complete(it, StatusFailed, nil, err.Error())
	}
}

// runAttempt races the processor against the item's timeout. A timeout
// cancels the processor's context and abandons the attempt without
// waiting for it to return.
func (q *Queue) runAttempt(it *item) (any, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type attempt struct {
		result any
		err    error
	}
	done := make(chan attempt, 1)

	go func() {
		result, err := it.processor(ctx, it.data)
		done <- attempt{result, err}
	}()

	timer := time.NewTimer(it.opts.Timeout)
	defer timer.Stop()

	select {
	case a := <-done:
		return a.result, a.err
	case <-timer.C:
		cancel()
		return nil, ErrTimeout
	}
}

// complete marks a terminal outcome, updates statistics, and emits the
// lifecycle notification.
func (q *Queue) complete(it *item, status Status, result any, errMsg string) {
	now := time.Now()

	q.mu.Lock()
	it.status = status
	it.completedAt = &now
	it.result = result
	it.lastError = errMsg
	q.current = nil
	q.completed = append(q.completed, it)

	if it.startedAt != nil {
		elapsedMs := float64(now.Sub(*it.startedAt).Microseconds()) / 1000.0
		n := q.processed + q.failed + 1
		q.avgMs += (elapsedMs - q.avgMs) / float64(n)
	}
	if status == StatusSuccess {
		q.processed++
	} else {
		q.failed++
	}
	notify := q.notify
	snap := it.snapshot()
	q.mu.Unlock()

	if notify != nil {
		event := NotifyProcessed
		if status == StatusFailed {
			event = NotifyFailed
		}
		notify(event, snap)
	}
}

// scheduleRetry parks the item until its delay elapses, then re-inserts
// it at the front of the queue so retries are serviced before other
// pending work. Caller holds q.mu.
func (q *Queue) scheduleRetry(it *item) {
	q.delayed[it.id] = it
	q.timers[it.id] = time.AfterFunc(it.opts.RetryDelay, func() {
		q.mu.Lock()
		if _, ok := q.delayed[it.id]; !ok {
			// Cancelled or cleared while waiting.
			q.mu.Unlock()
			return
		}
		delete(q.delayed, it.id)
		delete(q.timers, it.id)

		q.insertBefore(it, q.head)
		q.pending++

		start := !q.busy && !q.closed
		if start {
			q.busy = true
		}
		q.mu.Unlock()

		if start {
			go q.drain()
		}
	})
}

// Cancel removes a pending item (queued or waiting out a retry delay).
// It refuses items that are currently processing or already terminal.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.delayed[id]; ok {
		q.timers[id].Stop()
		delete(q.timers, id)
		delete(q.delayed, it.id)
		return true
	}

	for it := q.head; it != nil; it = it.next {
		if it.id == id {
			q.unlink(it)
			q.pending--
			return true
		}
	}
	return false
}

// Clear removes every pending and delayed item, returning the count
// removed. The in-flight item, if any, is unaffected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := q.pending
	q.head, q.tail = nil, nil
	q.pending = 0

	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	removed += len(q.delayed)
	q.delayed = make(map[string]*item)

	return removed
}

// ClearCompleted drops retained terminal items, returning the count
// removed.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := len(q.completed)
	q.completed = nil
	return removed
}

// Close stops accepting work and cancels scheduled retries. In-flight
// processing finishes its current attempt.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
	q.delayed = make(map[string]*item)
	q.head, q.tail = nil, nil
	q.pending = 0
}

// Size returns the number of pending items, including those waiting out
// a retry delay.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending + len(q.delayed)
}

// Item returns a snapshot of one item by ID, live or retained.
func (q *Queue) Item(id string) (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current != nil && q.current.id == id {
		return q.current.snapshot(), true
	}
	if it, ok := q.delayed[id]; ok {
		return it.snapshot(), true
	}
	for it := q.head; it != nil; it = it.next {
		if it.id == id {
			return it.snapshot(), true
		}
	}
	for _, it := range q.completed {
		if it.id == id {
			return it.snapshot(), true
		}
	}
	return Snapshot{}, false
}

// Items returns snapshots of all items, optionally filtered by status.
// Pending items come first in processing order.
func (q *Queue) Items(filter Status) []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Snapshot, 0, q.pending+len(q.delayed)+len(q.completed)+1)

	add := func(it *item) {
		if filter == "" || it.status == filter {
			out = append(out, it.snapshot())
		}
	}

	if q.current != nil {
		add(q.current)
	}
	for it := q.head; it != nil; it = it.next {
		add(it)
	}
	for _, it := range q.delayed {
		add(it)
	}
	for _, it := range q.completed {
		add(it)
	}
	return out
}

// Counts returns live item counts by status.
func (q *Queue) Counts() StatusCounts {
	q.mu.Lock()
	defer q.mu.Unlock()

	c := StatusCounts{Pending: q.pending + len(q.delayed)}
	if q.current != nil {
		c.Processing = 1
	}
	for _, it := range q.completed {
		if it.status == StatusSuccess {
			c.Success++
		} else {
			c.Failed++
		}
	}
	return c
}

// Stats returns the aggregate counters. Success and failure rates are
// computed on read from the stored counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Enqueued:        q.enqueued,
		Processed:       q.processed,
		Failed:          q.failed,
		Retries:         q.retries,
		AvgProcessingMs: q.avgMs,
	}
	if terminal := q.processed + q.failed; terminal > 0 {
		s.SuccessRate = float64(q.processed) / float64(terminal)
		s.FailureRate = float64(q.failed) / float64(terminal)
	}
	return s
}
