package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/jsonrpc"
)

// fakeProcess is an in-memory worker that answers ping.
type fakeProcess struct {
	pid        int
	host       net.Conn
	worker     *jsonrpc.Conn
	done       chan struct{}
	once       sync.Once
	terminated atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	host, side := net.Pipe()
	p := &fakeProcess{pid: pid, host: host, done: make(chan struct{})}
	p.worker = jsonrpc.NewConn(side, func(ctx context.Context, conn *jsonrpc.Conn, msg *jsonrpc.Message) {
		if msg.Method == "ping" {
			conn.Reply(msg.ID, map[string]string{"message": "pong"}, nil)
		}
	}, nil)
	go func() {
		p.worker.Serve(context.Background())
		p.exit()
	}()
	return p
}

func (p *fakeProcess) Stream() io.ReadWriteCloser { return p.host }
func (p *fakeProcess) PID() int                   { return p.pid }
func (p *fakeProcess) Done() <-chan struct{}      { return p.done }

func (p *fakeProcess) Terminate(timeout time.Duration) error {
	p.terminated.Add(1)
	p.worker.Close()
	p.exit()
	return nil
}

// crash simulates the worker dying on its own.
func (p *fakeProcess) crash() {
	p.worker.Close()
	p.exit()
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) isTerminated() bool {
	return p.terminated.Load() > 0
}

type fakeSpawner struct {
	mu     sync.Mutex
	procs  []*fakeProcess
	byDir  map[string]int
	err    error
	gate   chan struct{}
	called chan struct{}
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{byDir: make(map[string]int), called: make(chan struct{}, 16)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, dir string) (Process, error) {
	s.mu.Lock()
	gate, err := s.gate, s.err
	s.mu.Unlock()

	s.called <- struct{}{}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := newFakeProcess(1000 + len(s.procs))
	s.procs = append(s.procs, p)
	s.byDir[dir]++
	return p, nil
}

func (s *fakeSpawner) spawns(dir string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byDir[dir]
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type recordingObserver struct {
	mu       sync.Mutex
	messages []string
	exited   []string
}

func (o *recordingObserver) HandleWorkerMessage(ctx context.Context, e *Entry, msg *jsonrpc.Message) {
	o.mu.Lock()
	o.messages = append(o.messages, msg.Method)
	o.mu.Unlock()
}

func (o *recordingObserver) HandleWorkerExit(e *Entry) {
	o.mu.Lock()
	o.exited = append(o.exited, e.WorkingDirectory)
	o.mu.Unlock()
}

func (o *recordingObserver) exits() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.exited...)
}

func newTestPool(t *testing.T, grace time.Duration) (*Pool, *fakeSpawner, *clockwork.FakeClock) {
	t.Helper()
	spawner := newFakeSpawner()
	clock := clockwork.NewFakeClock()
	p := New(spawner, Options{GracePeriod: grace, Clock: clock})
	t.Cleanup(p.DisposeAll)
	return p, spawner, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statsFor(p *Pool, dir string) (EntryStats, bool) {
	for _, s := range p.Stats() {
		if s.WorkingDirectory == dir {
			return s, true
		}
	}
	return EntryStats{}, false
}

func TestAcquire_SpawnsOncePerDirectory(t *testing.T) {
	p, spawner, _ := newTestPool(t, time.Minute)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "/work/a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	b, err := p.Acquire(ctx, "/work/a/")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if a != b {
		t.Error("expected the same entry for the same directory")
	}
	if _, err := p.Acquire(ctx, "/work/b"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if got := spawner.spawns("/work/a"); got != 1 {
		t.Errorf("expected 1 spawn for /work/a, got %d", got)
	}
	st, ok := statsFor(p, "/work/a")
	if !ok || st.RefCount != 2 || st.HasGraceTimer || st.PID == 0 {
		t.Errorf("unexpected stats %+v", st)
	}
	if len(p.Stats()) != 2 {
		t.Errorf("expected 2 entries, got %d", len(p.Stats()))
	}

	var result map[string]string
	if err := a.Conn().CallResult(ctx, "ping", nil, &result); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if result["message"] != "pong" {
		t.Errorf("expected pong, got %v", result)
	}
}

func TestRelease_TerminatesAfterGracePeriod(t *testing.T) {
	p, spawner, clock := newTestPool(t, time.Minute)
	ctx := context.Background()

	e, _ := p.Acquire(ctx, "/work/a")
	p.Acquire(ctx, "/work/a")
	proc := spawner.last()

	p.Release(e)
	if st, _ := statsFor(p, "/work/a"); st.RefCount != 1 || st.HasGraceTimer {
		t.Errorf("expected 1 ref and no timer, got %+v", st)
	}

	p.Release(e)
	if st, _ := statsFor(p, "/work/a"); st.RefCount != 0 || !st.HasGraceTimer {
		t.Errorf("expected idle entry with grace timer, got %+v", st)
	}

	clock.Advance(time.Minute - time.Second)
	time.Sleep(20 * time.Millisecond)
	if proc.isTerminated() {
		t.Fatal("worker terminated before the grace period elapsed")
	}

	clock.Advance(time.Second)
	waitFor(t, "termination", proc.isTerminated)
	waitFor(t, "entry removal", func() bool { return len(p.Stats()) == 0 })
}

func TestAcquire_DuringGraceReusesWorker(t *testing.T) {
	p, spawner, clock := newTestPool(t, time.Minute)
	ctx := context.Background()

	e, _ := p.Acquire(ctx, "/work/a")
	proc := spawner.last()
	p.Release(e)

	clock.Advance(30 * time.Second)
	again, err := p.Acquire(ctx, "/work/a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if again != e {
		t.Error("expected the idle worker to be reused")
	}
	if st, _ := statsFor(p, "/work/a"); st.HasGraceTimer {
		t.Error("expected grace timer to be cancelled")
	}

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if proc.isTerminated() {
		t.Error("worker terminated although it was referenced again")
	}
	if spawner.spawns("/work/a") != 1 {
		t.Errorf("expected 1 spawn, got %d", spawner.spawns("/work/a"))
	}

	// Releasing again restarts the full grace period
	p.Release(again)
	clock.Advance(59 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if proc.isTerminated() {
		t.Error("worker terminated before a full grace period")
	}
	clock.Advance(time.Second)
	waitFor(t, "termination", proc.isTerminated)
}

func TestAcquireRelease_Sequences(t *testing.T) {
	// op: +1 acquire, -1 release, 0 advance half the grace period
	tests := []struct {
		name           string
		ops            []int
		wantSpawns     int
		wantTerminated bool
	}{
		{"acquire release", []int{1, -1}, 1, false},
		{"idle for full grace", []int{1, -1, 0, 0}, 1, true},
		{"reacquire mid grace", []int{1, -1, 0, 1, 0, 0}, 1, false},
		{"rapid cycles", []int{1, -1, 1, -1, 1, -1, 0}, 1, false},
		{"overlapping refs", []int{1, 1, -1, 0, 0, -1, 0}, 1, false},
		{"reacquire after teardown", []int{1, -1, 0, 0, 1}, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, spawner, clock := newTestPool(t, time.Minute)
			var held []*Entry

			for _, op := range tt.ops {
				switch op {
				case 1:
					e, err := p.Acquire(context.Background(), "/work")
					if err != nil {
						t.Fatalf("Acquire failed: %v", err)
					}
					held = append(held, e)
				case -1:
					p.Release(held[len(held)-1])
					held = held[:len(held)-1]
				case 0:
					clock.Advance(30 * time.Second)
					// Let an expired grace timer finish its teardown
					time.Sleep(20 * time.Millisecond)
				}
			}

			if got := spawner.spawns("/work"); got != tt.wantSpawns {
				t.Errorf("expected %d spawns, got %d", tt.wantSpawns, got)
			}
			if got := spawner.last().isTerminated(); got != tt.wantTerminated {
				t.Errorf("expected terminated=%v, got %v", tt.wantTerminated, got)
			}
		})
	}
}

func TestAcquire_ConcurrentCallersShareSpawn(t *testing.T) {
	p, spawner, _ := newTestPool(t, time.Minute)
	spawner.gate = make(chan struct{})

	results := make(chan *Entry, 3)
	for i := 0; i < 3; i++ {
		go func() {
			e, err := p.Acquire(context.Background(), "/work")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
			}
			results <- e
		}()
	}

	<-spawner.called
	waitFor(t, "all callers registered", func() bool {
		st, ok := statsFor(p, "/work")
		return ok && st.RefCount == 3
	})
	close(spawner.gate)

	first := <-results
	for i := 0; i < 2; i++ {
		if e := <-results; e != first {
			t.Error("expected all callers to get the same entry")
		}
	}
	if got := spawner.spawns("/work"); got != 1 {
		t.Errorf("expected 1 spawn, got %d", got)
	}
}

func TestAcquire_SpawnFailureRegistersNothing(t *testing.T) {
	p, spawner, _ := newTestPool(t, time.Minute)
	spawner.err = errors.New("exec: no such file")
	spawner.gate = make(chan struct{})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Acquire(context.Background(), "/work")
			errs <- err
		}()
	}
	<-spawner.called
	waitFor(t, "waiter joined", func() bool {
		st, ok := statsFor(p, "/work")
		return ok && st.RefCount == 2
	})
	close(spawner.gate)

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrSpawn) {
			t.Errorf("expected ErrSpawn, got %v", err)
		}
	}
	if len(p.Stats()) != 0 {
		t.Errorf("expected no entries after a failed spawn, got %+v", p.Stats())
	}

	// The next acquire tries again
	spawner.mu.Lock()
	spawner.err, spawner.gate = nil, nil
	spawner.mu.Unlock()
	if _, err := p.Acquire(context.Background(), "/work"); err != nil {
		t.Fatalf("Acquire after failure failed: %v", err)
	}
}

func TestWorkerExit_UnregistersAndNotifies(t *testing.T) {
	p, spawner, _ := newTestPool(t, time.Minute)
	obs := &recordingObserver{}
	p.SetObserver(obs)

	e, _ := p.Acquire(context.Background(), "/work")
	spawner.last().crash()

	waitFor(t, "exit notification", func() bool { return len(obs.exits()) == 1 })
	if len(p.Stats()) != 0 {
		t.Errorf("expected entry to be unregistered, got %+v", p.Stats())
	}

	// A late release of the dead entry is harmless
	p.Release(e)

	fresh, err := p.Acquire(context.Background(), "/work")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if fresh == e {
		t.Error("expected a new worker after the crash")
	}
	if spawner.spawns("/work") != 2 {
		t.Errorf("expected 2 spawns, got %d", spawner.spawns("/work"))
	}
}

func TestWorkerMessagesReachObserver(t *testing.T) {
	p, spawner, _ := newTestPool(t, time.Minute)

	if _, err := p.Acquire(context.Background(), "/work"); err != nil {
		t.Fatal(err)
	}
	worker := spawner.last().worker

	// Without an observer, worker requests are refused
	var rpcErr *jsonrpc.Error
	err := worker.CallResult(context.Background(), "tool.call", map[string]string{"sessionId": "s-1"}, nil)
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("expected method not found, got %v", err)
	}

	obs := &recordingObserver{}
	p.SetObserver(obs)
	if err := worker.Notify("session.event", map[string]string{"sessionId": "s-1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "notification", func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.messages) == 1 && obs.messages[0] == "session.event"
	})
}

func TestDisposeAll(t *testing.T) {
	p, spawner, _ := newTestPool(t, time.Minute)
	obs := &recordingObserver{}
	p.SetObserver(obs)

	a, _ := p.Acquire(context.Background(), "/work/a")
	procA := spawner.last()
	p.Acquire(context.Background(), "/work/b")
	procB := spawner.last()
	p.Release(a)

	p.DisposeAll()
	p.DisposeAll()

	if !procA.isTerminated() || !procB.isTerminated() {
		t.Error("expected every worker to be terminated")
	}
	if len(p.Stats()) != 0 {
		t.Errorf("expected empty pool, got %+v", p.Stats())
	}
	if _, err := p.Acquire(context.Background(), "/work/a"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if len(obs.exits()) != 0 {
		t.Errorf("terminated workers should not be reported as crashed, got %v", obs.exits())
	}
}

func TestSetGracePeriod(t *testing.T) {
	p, spawner, clock := newTestPool(t, time.Hour)
	p.SetGracePeriod(time.Second)
	if p.GracePeriod() != time.Second {
		t.Errorf("expected 1s, got %v", p.GracePeriod())
	}

	e, _ := p.Acquire(context.Background(), "/work")
	p.Release(e)
	clock.Advance(time.Second)
	waitFor(t, "termination", spawner.last().isTerminated)
}
