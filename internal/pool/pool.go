// Package pool keeps one worker process per working directory alive while it
// is referenced, and for a grace period after the last reference goes away.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/jsonrpc"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/observer"
)

// ErrClosed is returned by Acquire after DisposeAll.
var ErrClosed = errors.New("pool: closed")

const (
	DefaultGracePeriod      = 5 * time.Minute
	DefaultTerminateTimeout = 5 * time.Second
)

// Observer receives traffic initiated by workers. HandleWorkerMessage runs
// on the worker's read loop and must not block on a round trip to the same
// worker.
type Observer interface {
	HandleWorkerMessage(ctx context.Context, e *Entry, msg *jsonrpc.Message)
	HandleWorkerExit(e *Entry)
}

// EventKind classifies pool events.
type EventKind string

const (
	EventSpawned    EventKind = "spawned"
	EventReused     EventKind = "reused"
	EventIdle       EventKind = "idle"
	EventTerminated EventKind = "terminated"
	EventExited     EventKind = "exited"
	EventSpawnFail  EventKind = "spawn-failed"
)

// Event describes a change in the pool for logging and auditing.
type Event struct {
	Kind             EventKind
	WorkingDirectory string
	PID              int
	RefCount         int
	Err              error
}

// Options tune a Pool.
type Options struct {
	GracePeriod      time.Duration
	TerminateTimeout time.Duration
	Clock            clockwork.Clock
	Logger           *slog.Logger
}

// Entry is a pooled worker. Its fields are owned by the Pool.
type Entry struct {
	WorkingDirectory string

	proc  Process
	conn  *jsonrpc.Conn
	ready chan struct{}
	err   error

	// guarded by Pool.mu
	refCount    int
	grace       clockwork.Timer
	graceGen    uint64
	terminating bool
}

// Conn returns the JSON-RPC connection to the worker.
func (e *Entry) Conn() *jsonrpc.Conn {
	return e.conn
}

// PID returns the worker's process id.
func (e *Entry) PID() int {
	if e.proc == nil {
		return 0
	}
	return e.proc.PID()
}

// EntryStats is a read-only view of one entry.
type EntryStats struct {
	WorkingDirectory string `json:"working_directory"`
	RefCount         int    `json:"ref_count"`
	HasGraceTimer    bool   `json:"has_grace_timer"`
	PID              int    `json:"pid"`
}

// Pool maps working directories to worker processes.
type Pool struct {
	spawner Spawner
	clock   clockwork.Clock
	logger  *slog.Logger
	events  observer.List[Event]

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	entries          map[string]*Entry
	grace            time.Duration
	terminateTimeout time.Duration
	observer         Observer
	closed           bool
	wg               sync.WaitGroup
}

// New creates an empty pool.
func New(spawner Spawner, opts Options) *Pool {
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = DefaultTerminateTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		spawner:          spawner,
		clock:            opts.Clock,
		logger:           opts.Logger,
		ctx:              ctx,
		cancel:           cancel,
		entries:          make(map[string]*Entry),
		grace:            opts.GracePeriod,
		terminateTimeout: opts.TerminateTimeout,
	}
}

// SetObserver installs the receiver for worker-initiated messages.
func (p *Pool) SetObserver(o Observer) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

// OnEvent registers fn for pool events.
func (p *Pool) OnEvent(fn func(Event)) func() {
	return p.events.Subscribe(fn)
}

// SetGracePeriod changes the idle delay for entries released from now on.
func (p *Pool) SetGracePeriod(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.mu.Lock()
	p.grace = d
	p.mu.Unlock()
}

// GracePeriod returns the current idle delay.
func (p *Pool) GracePeriod() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grace
}

// Acquire returns the worker for dir, spawning it if needed, and takes a
// reference on it. Concurrent callers for the same directory share one
// spawn. On spawn failure nothing is registered and every waiter gets the
// error.
func (p *Pool) Acquire(ctx context.Context, dir string) (*Entry, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty working directory", ErrSpawn)
	}
	dir = filepath.Clean(dir)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if e, ok := p.entries[dir]; ok {
		e.refCount++
		p.stopGraceLocked(e)
		refs := e.refCount
		p.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			p.Release(e)
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		p.logger.Debug("Reusing worker", "dir", dir, "refs", refs)
		p.events.Emit(Event{Kind: EventReused, WorkingDirectory: dir, PID: e.PID(), RefCount: refs})
		return e, nil
	}

	e := &Entry{WorkingDirectory: dir, refCount: 1, ready: make(chan struct{})}
	p.entries[dir] = e
	p.mu.Unlock()

	proc, err := p.spawner.Spawn(ctx, dir)

	p.mu.Lock()
	if err == nil && p.closed {
		err = ErrClosed
		go proc.Terminate(p.terminateTimeout)
	}
	if err != nil {
		if !errors.Is(err, ErrSpawn) && !errors.Is(err, ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrSpawn, err)
		}
		if p.entries[dir] == e {
			delete(p.entries, dir)
		}
		e.err = err
		close(e.ready)
		p.mu.Unlock()

		p.logger.Error("Failed to spawn worker", "dir", dir, "error", err)
		p.events.Emit(Event{Kind: EventSpawnFail, WorkingDirectory: dir, Err: err})
		return nil, err
	}

	e.proc = proc
	e.conn = jsonrpc.NewConn(proc.Stream(), p.handlerFor(e), p.logger.With("worker", proc.PID()))
	close(e.ready)
	p.wg.Add(1)
	p.mu.Unlock()

	go p.serve(e)

	p.logger.Info("Spawned worker", "dir", dir, "pid", proc.PID())
	p.events.Emit(Event{Kind: EventSpawned, WorkingDirectory: dir, PID: proc.PID(), RefCount: 1})
	return e, nil
}

// Release drops one reference. When the last reference goes the grace timer
// starts; the worker is terminated only if it expires with no new reference.
func (p *Pool) Release(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.refCount == 0 {
		p.logger.Warn("Release of an unreferenced worker", "dir", e.WorkingDirectory)
		return
	}
	e.refCount--
	if e.refCount > 0 || p.entries[e.WorkingDirectory] != e {
		return
	}

	e.graceGen++
	gen := e.graceGen
	e.grace = p.clock.AfterFunc(p.grace, func() { p.expire(e, gen) })

	p.logger.Debug("Worker idle", "dir", e.WorkingDirectory, "grace", p.grace)
	p.events.Emit(Event{Kind: EventIdle, WorkingDirectory: e.WorkingDirectory, PID: e.PID()})
}

func (p *Pool) expire(e *Entry, gen uint64) {
	p.mu.Lock()
	if p.entries[e.WorkingDirectory] != e || e.graceGen != gen || e.refCount != 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, e.WorkingDirectory)
	e.grace = nil
	e.terminating = true
	p.mu.Unlock()

	p.logger.Info("Terminating idle worker", "dir", e.WorkingDirectory, "pid", e.PID())
	p.terminate(e)
}

func (p *Pool) stopGraceLocked(e *Entry) {
	e.graceGen++
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
}

func (p *Pool) terminate(e *Entry) {
	e.conn.Close()
	if err := e.proc.Terminate(p.terminateTimeout); err != nil {
		p.logger.Warn("Failed to terminate worker", "dir", e.WorkingDirectory, "error", err)
	}
	p.events.Emit(Event{Kind: EventTerminated, WorkingDirectory: e.WorkingDirectory, PID: e.PID()})
}

// serve runs the worker's read loop until the stream ends. A worker that
// goes away without being terminated is unregistered and reported.
func (p *Pool) serve(e *Entry) {
	defer p.wg.Done()

	go func() {
		select {
		case <-e.proc.Done():
			e.conn.Close()
		case <-e.conn.Done():
		}
	}()

	err := e.conn.Serve(p.ctx)

	p.mu.Lock()
	owned := p.entries[e.WorkingDirectory] == e
	if owned {
		delete(p.entries, e.WorkingDirectory)
		p.stopGraceLocked(e)
	}
	expected := e.terminating
	e.terminating = true
	obs := p.observer
	p.mu.Unlock()

	if expected || !owned {
		return
	}

	p.logger.Warn("Worker exited unexpectedly", "dir", e.WorkingDirectory, "pid", e.PID(), "error", err)
	go e.proc.Terminate(p.terminateTimeout)
	p.events.Emit(Event{Kind: EventExited, WorkingDirectory: e.WorkingDirectory, PID: e.PID(), Err: err})
	if obs != nil {
		obs.HandleWorkerExit(e)
	}
}

func (p *Pool) handlerFor(e *Entry) jsonrpc.Handler {
	return func(ctx context.Context, conn *jsonrpc.Conn, msg *jsonrpc.Message) {
		p.mu.Lock()
		obs := p.observer
		p.mu.Unlock()

		if obs != nil {
			obs.HandleWorkerMessage(ctx, e, msg)
			return
		}
		if msg.IsRequest() {
			conn.Reply(msg.ID, nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "no handler for %s", msg.Method))
		}
	}
}

// Stats returns a snapshot of every entry, sorted by directory.
func (p *Pool) Stats() []EntryStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]EntryStats, 0, len(p.entries))
	for dir, e := range p.entries {
		stats = append(stats, EntryStats{
			WorkingDirectory: dir,
			RefCount:         e.refCount,
			HasGraceTimer:    e.grace != nil,
			PID:              e.PID(),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].WorkingDirectory < stats[j].WorkingDirectory
	})
	return stats
}

// DisposeAll cancels every grace timer and terminates every worker. The pool
// refuses new acquisitions afterwards.
func (p *Pool) DisposeAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var victims []*Entry
	for dir, e := range p.entries {
		p.stopGraceLocked(e)
		if e.proc == nil {
			// Acquire terminates it once the spawn returns.
			continue
		}
		e.terminating = true
		victims = append(victims, e)
		delete(p.entries, dir)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range victims {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			p.terminate(e)
		}(e)
	}
	wg.Wait()

	p.cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool disposed", "terminated", len(victims))
}
