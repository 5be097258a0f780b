// Package fakeworker provides an in-process worker that speaks the worker
// JSON-RPC protocol over net.Pipe, for testing the pool and proxy.
package fakeworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/jsonrpc"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/pool"
)

// CodeSessionNotFound is returned for unknown session ids.
const CodeSessionNotFound = -32001

// Worker is a fake worker bound to one directory. Sessions are numbered per
// worker, so two workers hand out the same ids.
type Worker struct {
	Dir string

	pid        int
	host       net.Conn
	conn       *jsonrpc.Conn
	done       chan struct{}
	once       sync.Once
	terminated atomic.Bool

	mu           sync.Mutex
	next         int
	sessions     map[string][]string
	calls        []string
	resumeResult json.RawMessage
}

func newWorker(dir string, pid int) *Worker {
	host, side := net.Pipe()
	w := &Worker{
		Dir:      dir,
		pid:      pid,
		host:     host,
		done:     make(chan struct{}),
		sessions: make(map[string][]string),
	}
	w.conn = jsonrpc.NewConn(side, w.handle, nil)
	go func() {
		w.conn.Serve(context.Background())
		w.exit()
	}()
	return w
}

// SetResumeResult makes session.resume answer with raw instead of the usual
// object.
func (w *Worker) SetResumeResult(raw json.RawMessage) {
	w.mu.Lock()
	w.resumeResult = raw
	w.mu.Unlock()
}

// Stream implements pool.Process.
func (w *Worker) Stream() io.ReadWriteCloser { return w.host }

// PID implements pool.Process.
func (w *Worker) PID() int { return w.pid }

// Done implements pool.Process.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Terminate implements pool.Process.
func (w *Worker) Terminate(timeout time.Duration) error {
	w.terminated.Store(true)
	w.conn.Close()
	w.exit()
	return nil
}

// Terminated reports whether the pool terminated the worker.
func (w *Worker) Terminated() bool {
	return w.terminated.Load()
}

// Crash makes the worker exit on its own.
func (w *Worker) Crash() {
	w.conn.Close()
	w.exit()
}

func (w *Worker) exit() {
	w.once.Do(func() { close(w.done) })
}

// Emit sends a session.event notification for sessionID.
func (w *Worker) Emit(sessionID string, data any) error {
	return w.conn.Notify("session.event", map[string]any{"sessionId": sessionID, "event": data})
}

// Callback issues a host-directed request, such as tool.call, and waits for
// the answer.
func (w *Worker) Callback(ctx context.Context, method, sessionID string, params map[string]any) (*jsonrpc.Message, error) {
	if params == nil {
		params = map[string]any{}
	}
	params["sessionId"] = sessionID
	return w.conn.Call(ctx, method, params)
}

// Calls returns the methods received so far, in order.
func (w *Worker) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

// Sessions returns the ids of live sessions.
func (w *Worker) Sessions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

func (w *Worker) handle(ctx context.Context, conn *jsonrpc.Conn, msg *jsonrpc.Message) {
	w.mu.Lock()
	w.calls = append(w.calls, msg.Method)
	w.mu.Unlock()

	if !msg.IsRequest() {
		return
	}

	var p sessionParams
	if len(msg.Params) > 0 {
		json.Unmarshal(msg.Params, &p)
	}

	switch msg.Method {
	case "ping":
		conn.Reply(msg.ID, map[string]string{"message": "pong"}, nil)

	case "session.create":
		w.mu.Lock()
		id := p.SessionID
		if id == "" {
			w.next++
			id = fmt.Sprintf("session-%d", w.next)
		}
		w.sessions[id] = nil
		w.mu.Unlock()
		conn.Reply(msg.ID, map[string]string{"sessionId": id, "workingDirectory": w.Dir}, nil)

	case "session.resume":
		if !w.hasSession(p.SessionID) {
			conn.Reply(msg.ID, nil, jsonrpc.NewError(CodeSessionNotFound, "session %s not found", p.SessionID))
			return
		}
		w.mu.Lock()
		raw := w.resumeResult
		w.mu.Unlock()
		if raw != nil {
			conn.Reply(msg.ID, raw, nil)
			return
		}
		conn.Reply(msg.ID, map[string]string{"sessionId": p.SessionID, "workingDirectory": w.Dir}, nil)

	case "session.list":
		conn.Reply(msg.ID, map[string]any{"sessions": w.Sessions()}, nil)

	case "session.delete", "session.destroy":
		w.mu.Lock()
		_, ok := w.sessions[p.SessionID]
		delete(w.sessions, p.SessionID)
		w.mu.Unlock()
		if !ok {
			conn.Reply(msg.ID, nil, jsonrpc.NewError(CodeSessionNotFound, "session %s not found", p.SessionID))
			return
		}
		conn.Reply(msg.ID, map[string]bool{"ok": true}, nil)

	case "session.send":
		if !w.hasSession(p.SessionID) {
			conn.Reply(msg.ID, nil, jsonrpc.NewError(CodeSessionNotFound, "session %s not found", p.SessionID))
			return
		}
		w.mu.Lock()
		w.sessions[p.SessionID] = append(w.sessions[p.SessionID], p.Prompt)
		w.mu.Unlock()
		// Echo the prompt as an event before answering
		w.Emit(p.SessionID, map[string]string{"type": "user.message", "content": p.Prompt})
		conn.Reply(msg.ID, map[string]string{"messageId": fmt.Sprintf("msg-%s-%d", p.SessionID, len(w.messages(p.SessionID)))}, nil)

	case "session.getMessages":
		conn.Reply(msg.ID, map[string]any{"messages": w.messages(p.SessionID)}, nil)

	case "session.abort":
		conn.Reply(msg.ID, map[string]bool{"ok": true}, nil)

	default:
		conn.Reply(msg.ID, nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "unknown method %s", msg.Method))
	}
}

func (w *Worker) hasSession(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[id]
	return ok
}

func (w *Worker) messages(id string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.sessions[id]...)
}

// Spawner hands out fake workers and implements pool.Spawner.
type Spawner struct {
	mu      sync.Mutex
	workers []*Worker
	fail    map[string]error
}

// NewSpawner creates a spawner with no workers.
func NewSpawner() *Spawner {
	return &Spawner{fail: make(map[string]error)}
}

// FailFor makes spawns in dir fail with err. A nil err clears it.
func (s *Spawner) FailFor(dir string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, dir)
		return
	}
	s.fail[dir] = err
}

// Spawn implements pool.Spawner.
func (s *Spawner) Spawn(ctx context.Context, dir string) (pool.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[dir]; err != nil {
		return nil, fmt.Errorf("%w: %w", pool.ErrSpawn, err)
	}
	w := newWorker(dir, 4000+len(s.workers))
	s.workers = append(s.workers, w)
	return w, nil
}

// Workers returns every worker spawned in dir, oldest first.
func (s *Spawner) Workers(dir string) []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Worker
	for _, w := range s.workers {
		if w.Dir == dir {
			out = append(out, w)
		}
	}
	return out
}

// Worker returns the newest worker for dir, or an error when none exists.
func (s *Spawner) Worker(dir string) (*Worker, error) {
	ws := s.Workers(dir)
	if len(ws) == 0 {
		return nil, errors.New("fakeworker: no worker for " + dir)
	}
	return ws[len(ws)-1], nil
}
