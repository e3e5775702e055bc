// Package engine owns download task lifecycle: planning, the two-level
// worker pool, retry policy, streaming decryption, assembly and progress
// reporting. Tasks are submitted with resolved manifests and immutable
// transport snapshots; the engine never negotiates authentication or
// resolves content itself.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/driftbyte/medley/internal/assemble"
	"github.com/driftbyte/medley/internal/decrypt"
	"github.com/driftbyte/medley/internal/planner"
	"github.com/driftbyte/medley/internal/transport"
	"github.com/driftbyte/medley/internal/utils"
)

var (
	// ErrTaskNotFound is returned when a task handle is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidSpec is returned for submissions missing a manifest,
	// source or destination.
	ErrInvalidSpec = errors.New("invalid task spec")

	// ErrEngineClosed is returned once Shutdown has begun.
	ErrEngineClosed = errors.New("engine is shut down")
)

// Fetcher is the transport capability a task downloads through. One
// implementation per proxy scheme comes from the transport package; tests
// substitute instrumented fakes.
type Fetcher interface {
	Fetch(ctx context.Context, r transport.Request) (*transport.Result, error)
	Probe(ctx context.Context, url string) (*transport.FileInfo, error)
	Close()
}

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	MaxConcurrentTasks int           // outer bound: simultaneous tasks
	ConnectionsPerTask int           // inner bound: in-flight chunks per task
	MaxChunkSize       int64         // byte-range chunk size for ranged sources
	MaxRetries         int           // per-chunk transient retry budget
	Timeout            time.Duration // per-request transport timeout
	UserAgent          string
	RequestRate        float64 // requests/sec across all tasks; 0 = unlimited
	MasterKey          []byte  // unwraps manifest key references
	Backoff            BackoffPolicy

	// NewFetcher overrides transport construction, mainly for tests.
	NewFetcher func(transport.ClientConfig) (Fetcher, error)
}

const (
	defaultMaxConcurrentTasks = 3
	defaultConnectionsPerTask = 4
	defaultMaxChunkSize       = 4 * 1024 * 1024
	defaultMaxRetries         = 5
)

// Engine runs download tasks under a two-level concurrency bound: an
// outer semaphore on simultaneous tasks and a per-task chunk limit, so a
// large batch cannot starve unrelated downloads or blow the connection
// budget.
type Engine struct {
	cfg     Config
	backoff BackoffPolicy
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu     sync.RWMutex
	tasks  map[uuid.UUID]*Task
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Engine {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if cfg.ConnectionsPerTask <= 0 {
		cfg.ConnectionsPerTask = defaultConnectionsPerTask
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = defaultMaxChunkSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff.Base == 0 && backoff.Max == 0 {
		backoff = DefaultBackoff()
	}
	var limiter *rate.Limiter
	if cfg.RequestRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestRate), 1)
	}
	if cfg.NewFetcher == nil {
		cfg.NewFetcher = func(clientCfg transport.ClientConfig) (Fetcher, error) {
			return transport.NewClient(clientCfg)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		backoff: backoff,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		limiter: limiter,
		tasks:   make(map[uuid.UUID]*Task),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit enqueues a download and returns immediately. The task waits for
// an outer pool slot before any network activity.
func (e *Engine) Submit(spec TaskSpec) (*Task, error) {
	if spec.Manifest == nil || spec.Dest == "" {
		return nil, ErrInvalidSpec
	}
	if spec.Manifest.URL == "" && !spec.Manifest.Segmented() {
		return nil, ErrInvalidSpec
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	t := newTask(e.ctx, spec, e.cfg.ConnectionsPerTask)
	e.tasks[t.ID] = t
	e.wg.Add(1)
	e.mu.Unlock()

	log := utils.GetLogger("engine")
	log.Info().Str("taskId", t.ID.String()).Str("resource", spec.Manifest.ResourceID).Str("dest", spec.Dest).Msg("Task submitted")
	go e.run(t)
	return t, nil
}

// Task returns a submitted task by handle.
func (e *Engine) Task(id uuid.UUID) (*Task, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// Cancel requests cooperative cancellation of a task.
func (e *Engine) Cancel(id uuid.UUID) error {
	t, err := e.Task(id)
	if err != nil {
		return err
	}
	t.Cancel()
	return nil
}

// Subscribe registers an event channel on a task.
func (e *Engine) Subscribe(id uuid.UUID) (<-chan Event, error) {
	t, err := e.Task(id)
	if err != nil {
		return nil, err
	}
	return t.Subscribe(), nil
}

// Wait blocks until every submitted task reaches a terminal state.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels all running tasks and waits for them to drain, bounded
// by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one task from pending to terminal, holding an outer pool
// slot for its whole active life. A sibling task's failure never touches
// other tasks.
func (e *Engine) run(t *Task) {
	defer e.wg.Done()
	log := utils.GetLogger("engine").With().Str("taskId", t.ID.String()).Logger()

	if err := e.sem.Acquire(t.ctx, 1); err != nil {
		log.Debug().Msg("Task cancelled while queued")
		t.finish(StateCancelled, &TaskError{Kind: KindCancelled, Err: err})
		return
	}
	defer e.sem.Release(1)

	err := e.execute(t)
	switch {
	case err == nil:
		log.Info().Str("dest", t.Spec.Dest).Msg("Task completed")
		t.finish(StateCompleted, nil)
	case Classify(err) == KindCancelled:
		log.Info().Msg("Task cancelled")
		t.finish(StateCancelled, taskError(err))
	default:
		terr := taskError(err)
		log.Error().Err(terr.Err).Str("kind", terr.Kind.String()).Msg("Task failed")
		t.finish(StateFailed, terr)
	}
}

func (e *Engine) execute(t *Task) error {
	t.setState(StatePlanning)
	m := t.Spec.Manifest

	fetcher, err := e.cfg.NewFetcher(transport.ClientConfig{
		Timeout:   e.cfg.Timeout,
		UserAgent: e.cfg.UserAgent,
		Headers:   t.Spec.Headers,
		Proxy:     t.Spec.Proxy,
	})
	if err != nil {
		return &TaskError{Kind: KindFatalRequest, Err: err}
	}
	defer fetcher.Close()

	var dec *decrypt.Decryptor
	if m.KeyRef != "" {
		dec, err = decrypt.NewFromToken(e.cfg.MasterKey, m.KeyRef)
		if err != nil {
			return err
		}
	}

	chunks, total, appendMode, err := e.plan(t, fetcher, dec != nil)
	if err != nil {
		return err
	}
	t.setChunks(chunks, total)

	if t.Spec.LinkFrom != "" && total >= 0 {
		if ok, linkErr := assemble.LinkExisting(t.Spec.LinkFrom, t.Spec.Dest, total, m.ContentHash); linkErr == nil && ok {
			log := utils.GetLogger("engine")
			log.Debug().Str("taskId", t.ID.String()).Str("existing", t.Spec.LinkFrom).Msg("Linked existing artifact")
			t.setState(StateVerifying)
			return nil
		}
	}

	asm, err := assemble.New(t.Spec.Dest, total, m.ContentHash)
	if err != nil {
		return err
	}

	t.setState(StateDownloading)
	if err := e.runChunks(t, fetcher, dec, asm, appendMode); err != nil {
		asm.Discard()
		return err
	}
	if err := t.ctx.Err(); err != nil {
		asm.Discard()
		return err
	}

	t.setState(StateVerifying)
	return asm.Finalize()
}

// plan turns the manifest into the chunk list: fixed-size ranges for
// ranged sources, one chunk per segment for segmented ones, and a single
// serial chunk when range support is absent or sizes are unknown.
func (e *Engine) plan(t *Task, fetcher Fetcher, encrypted bool) ([]planner.Chunk, int64, bool, error) {
	m := t.Spec.Manifest
	if m.Segmented() {
		if m.SegmentLengthsKnown() {
			chunks := planner.PlanSegments(m.Segments)
			return chunks, chunks[len(chunks)-1].End(), false, nil
		}
		chunks := planner.PlanSegments(m.Segments)
		return chunks, -1, true, nil
	}

	total := m.TotalLength
	info, err := fetcher.Probe(t.ctx, m.URL)
	if err != nil {
		return nil, 0, false, err
	}
	if total <= 0 {
		total = info.Size
	}
	if !info.SupportsRanges || total <= 0 {
		// Serial fallback: one unranged chunk, concurrency degrades
		// to 1 for this task only. A known total still feeds the
		// short-read check and the final size verification.
		if total <= 0 {
			return planner.Single(-1), -1, true, nil
		}
		return planner.Single(total), total, true, nil
	}
	size := e.cfg.MaxChunkSize
	if encrypted {
		size = planner.AlignChunkSize(size, decrypt.BlockSize)
	}
	chunks, err := planner.Plan(total, size)
	if err != nil {
		return nil, 0, false, err
	}
	return chunks, total, false, nil
}
