package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftbyte/medley/internal/manifest"
	"github.com/driftbyte/medley/internal/planner"
	"github.com/driftbyte/medley/internal/transport"
)

// State is the task lifecycle. Completed, Failed and Cancelled are
// terminal and reported exactly once.
type State int32

const (
	StatePending State = iota
	StatePlanning
	StateDownloading
	StateVerifying
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePlanning:
		return "planning"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// TaskSpec is what a caller submits: a resolved manifest plus the
// destination and the per-task transport snapshot. The engine never
// refreshes credentials or proxy settings mid-download.
type TaskSpec struct {
	Manifest    *manifest.Manifest
	Dest        string
	Proxy       transport.ProxyConfig
	Headers     map[string]string
	Connections int
	LinkFrom    string // previously finished identical artifact, for hardlink dedup
}

// Snapshot is a transient aggregated view of task progress, reconstructed
// on demand and never the system of record.
type Snapshot struct {
	TaskID      uuid.UUID
	State       State
	BytesDone   int64
	BytesTotal  int64 // -1 when unknown
	Throughput  float64
	ChunksDone  int
	ChunksTotal int
}

type EventType int

const (
	EventProgress EventType = iota
	EventChunkDone
	EventRetry
	EventCompleted
	EventFailed
	EventCancelled
)

// Event is what subscribers receive. Terminal events are never dropped;
// progress events may be when a consumer lags.
type Event struct {
	Type     EventType
	TaskID   uuid.UUID
	Snapshot Snapshot
	Chunk    int
	Attempt  int
	Err      error
}

// Terminal reports whether the event closes out its task.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed || e.Type == EventCancelled
}

const progressEmitInterval = 200 * time.Millisecond

// Task is one submitted resource download, owned by the engine.
type Task struct {
	ID   uuid.UUID
	Spec TaskSpec

	state       atomic.Int32
	bytesDone   atomic.Int64
	published   atomic.Int64 // monotonic clamp for reported progress
	lastEmit    atomic.Int64 // unix nanos of last progress event
	failed      atomic.Bool  // permanent chunk failure; stop scheduling
	started     time.Time
	connections int

	mu          sync.Mutex
	chunks      []planner.Chunk
	bytesTotal  int64
	err         error
	ctx         context.Context
	cancel      context.CancelFunc
	reporter    *reporter
	terminalOne sync.Once
	done        chan struct{}
}

func newTask(parent context.Context, spec TaskSpec, connections int) *Task {
	if spec.Connections > 0 {
		connections = spec.Connections
	}
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ID:          uuid.New(),
		Spec:        spec,
		started:     time.Now(),
		connections: connections,
		bytesTotal:  -1,
		ctx:         ctx,
		cancel:      cancel,
		reporter:    newReporter(),
		done:        make(chan struct{}),
	}
}

func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) setState(s State) {
	t.state.Store(int32(s))
}

// Err returns the terminal failure, nil for completed or still-running
// tasks.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel requests cooperative cancellation. In-flight chunks abort
// through the transport's context; no new chunks are scheduled.
func (t *Task) Cancel() {
	t.cancel()
}

// Subscribe registers an event channel. Terminal events are always
// delivered; a slow consumer loses oldest progress events instead of
// stalling workers.
func (t *Task) Subscribe() <-chan Event {
	return t.reporter.subscribe()
}

func (t *Task) setChunks(chunks []planner.Chunk, total int64) {
	t.mu.Lock()
	t.chunks = chunks
	t.bytesTotal = total
	t.mu.Unlock()
}

// Snapshot aggregates chunk progress. BytesDone is monotonically
// non-decreasing across snapshots even when a retry rewinds a chunk's
// internal counter.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	total := t.bytesTotal
	chunksTotal := len(t.chunks)
	chunksDone := 0
	for i := range t.chunks {
		if t.chunks[i].Status == planner.StatusDone {
			chunksDone++
		}
	}
	t.mu.Unlock()

	bytes := t.bytesDone.Load()
	for {
		published := t.published.Load()
		if bytes <= published {
			bytes = published
			break
		}
		if t.published.CompareAndSwap(published, bytes) {
			break
		}
	}
	elapsed := time.Since(t.started).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(bytes) / elapsed
	}
	return Snapshot{
		TaskID:      t.ID,
		State:       t.State(),
		BytesDone:   bytes,
		BytesTotal:  total,
		Throughput:  throughput,
		ChunksDone:  chunksDone,
		ChunksTotal: chunksTotal,
	}
}

// addBytes records streamed progress and emits a throttled progress
// event. Negative deltas rewind the counter when a chunk attempt is
// abandoned; reported snapshots never move backwards.
func (t *Task) addBytes(n int64) {
	t.bytesDone.Add(n)
	if n <= 0 {
		return
	}
	now := time.Now().UnixNano()
	last := t.lastEmit.Load()
	if now-last < int64(progressEmitInterval) {
		return
	}
	if !t.lastEmit.CompareAndSwap(last, now) {
		return
	}
	t.reporter.publish(Event{Type: EventProgress, TaskID: t.ID, Snapshot: t.Snapshot()})
}

func (t *Task) setChunkStatus(c *planner.Chunk, s planner.Status) {
	t.mu.Lock()
	c.Status = s
	t.mu.Unlock()
}

func (t *Task) markChunkDone(c *planner.Chunk) {
	t.mu.Lock()
	c.Status = planner.StatusDone
	t.mu.Unlock()
	t.reporter.publish(Event{Type: EventChunkDone, TaskID: t.ID, Chunk: c.Index, Snapshot: t.Snapshot()})
}

func (t *Task) markChunkFailed(c *planner.Chunk, err error) {
	t.mu.Lock()
	c.Status = planner.StatusFailed
	c.LastErr = err
	t.mu.Unlock()
}

func (t *Task) noteRetry(c *planner.Chunk, attempt int, err error) {
	t.mu.Lock()
	c.Retries = attempt
	c.LastErr = err
	t.mu.Unlock()
	t.reporter.publish(Event{Type: EventRetry, TaskID: t.ID, Chunk: c.Index, Attempt: attempt, Snapshot: t.Snapshot()})
}

// setSegmentLength backfills a segment chunk's length once its actual
// size is known from the wire.
func (t *Task) setSegmentLength(c *planner.Chunk, n int64) {
	t.mu.Lock()
	c.Length = n
	t.mu.Unlock()
}

// finish records the terminal state and reports it exactly once.
func (t *Task) finish(s State, err error) {
	t.terminalOne.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		t.setState(s)
		eventType := EventCompleted
		switch s {
		case StateFailed:
			eventType = EventFailed
		case StateCancelled:
			eventType = EventCancelled
		}
		t.reporter.close(Event{Type: eventType, TaskID: t.ID, Err: err, Snapshot: t.Snapshot()})
		close(t.done)
	})
}
