// Package proxy multiplexes client JSON-RPC connections onto pooled worker
// processes. Clients bind to sessions with session.create or session.resume;
// session traffic is then routed to the session's worker, and worker events
// are fanned out to every client bound to the session.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/jsonrpc"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/pool"
)

// Error codes returned to clients and workers by the host itself.
const (
	CodeNoClient          = -32010
	CodeSessionNotBound   = -32011
	CodeWorkerUnavailable = -32012
)

// clientQueueSize bounds the messages waiting to be written to one client.
// A client that falls this far behind is disconnected.
const clientQueueSize = 256

// WorkerPool is the part of pool.Pool the host uses.
type WorkerPool interface {
	Acquire(ctx context.Context, dir string) (*pool.Entry, error)
	Release(e *pool.Entry)
	DisposeAll()
}

// Options tune a Host.
type Options struct {
	// DefaultDirectory is used when a request names no working directory.
	DefaultDirectory string
	Logger           *slog.Logger
}

type sessionKey struct {
	entry *pool.Entry
	id    string
}

type session struct {
	key sessionKey
	// owners in binding order; the last one receives worker callbacks.
	owners []uint64
}

type client struct {
	id     uint64
	conn   *jsonrpc.Conn
	ctx    context.Context
	cancel context.CancelFunc
	// out feeds the client's writer: responses and notifications, in order.
	out chan *jsonrpc.Message
	// bound maps a session id to the worker session it refers to.
	bound map[string]sessionKey
}

// Stats is a snapshot of the host.
type Stats struct {
	Clients  int `json:"clients"`
	Sessions int `json:"sessions"`
	Bindings int `json:"bindings"`
}

// Host routes JSON-RPC between clients and workers.
type Host struct {
	pool       WorkerPool
	defaultDir string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	clients  map[uint64]*client
	sessions map[sessionKey]*session
	stopped  bool
}

// NewHost creates a host on top of p.
func NewHost(p WorkerPool, opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		pool:       p,
		defaultDir: opts.DefaultDirectory,
		logger:     opts.Logger,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[uint64]*client),
		sessions:   make(map[sessionKey]*session),
	}
}

// HandleClient starts serving stream as client clientID. It returns
// immediately; the client is cleaned up when the stream ends.
func (h *Host) HandleClient(stream io.ReadWriteCloser, clientID uint64) {
	logger := h.logger.With("client", clientID)

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		stream.Close()
		return
	}
	if _, dup := h.clients[clientID]; dup {
		h.mu.Unlock()
		logger.Warn("Duplicate client id, refusing stream")
		stream.Close()
		return
	}
	ctx, cancel := context.WithCancel(h.ctx)
	cl := &client{
		id:     clientID,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan *jsonrpc.Message, clientQueueSize),
		bound:  make(map[string]sessionKey),
	}
	cl.conn = jsonrpc.NewConn(stream, func(ctx context.Context, conn *jsonrpc.Conn, msg *jsonrpc.Message) {
		h.handleClientMessage(ctx, cl, msg)
	}, logger)
	h.clients[clientID] = cl
	h.mu.Unlock()

	logger.Debug("Serving client")
	go h.writeLoop(cl)
	go func() {
		err := cl.conn.Serve(ctx)
		if errors.Is(err, jsonrpc.ErrFraming) {
			logger.Warn("Protocol error, disconnecting client", "error", err)
		}
		h.HandleClientDisconnect(clientID)
	}()
}

// HandleClientDisconnect unbinds the client from all its sessions, releasing
// one pool reference per binding. The sessions stay alive on their workers.
// Calling it again for the same client does nothing.
func (h *Host) HandleClientDisconnect(clientID uint64) {
	h.mu.Lock()
	cl, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)

	var released []*pool.Entry
	for sid, key := range cl.bound {
		h.removeOwnerLocked(key, clientID)
		delete(cl.bound, sid)
		released = append(released, key.entry)
	}
	h.mu.Unlock()

	cl.cancel()
	cl.conn.Close()
	for _, e := range released {
		h.pool.Release(e)
	}
	h.logger.Debug("Client disconnected", "client", clientID, "released", len(released))
}

// Stop disconnects every client and disposes of the pool.
func (h *Host) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	ids := make([]uint64, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.HandleClientDisconnect(id)
	}
	h.cancel()
	h.pool.DisposeAll()
}

// Stats returns the number of clients, sessions and bindings.
func (h *Host) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{Clients: len(h.clients), Sessions: len(h.sessions)}
	for _, cl := range h.clients {
		st.Bindings += len(cl.bound)
	}
	return st
}

// send queues msg for the client's writer. It never blocks: a client whose
// queue is full has stopped reading and is disconnected.
func (h *Host) send(cl *client, msg *jsonrpc.Message) {
	if cl.ctx.Err() != nil {
		return
	}
	select {
	case cl.out <- msg:
	default:
		h.logger.Warn("Client is not reading, disconnecting", "client", cl.id, "queued", len(cl.out))
		go h.HandleClientDisconnect(cl.id)
	}
}

func (h *Host) reply(cl *client, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		h.replyError(cl, id, jsonrpc.NewError(jsonrpc.CodeInternalError, "encode result: %v", err))
		return
	}
	h.send(cl, &jsonrpc.Message{ID: id, Result: raw})
}

func (h *Host) replyError(cl *client, id json.RawMessage, rpcErr *jsonrpc.Error) {
	h.send(cl, &jsonrpc.Message{ID: id, Error: rpcErr})
}

func (h *Host) notify(cl *client, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		h.logger.Debug("Failed to encode notification", "method", method, "error", err)
		return
	}
	h.send(cl, &jsonrpc.Message{Method: method, Params: raw})
}

// writeLoop writes queued messages until the client goes away.
func (h *Host) writeLoop(cl *client) {
	for {
		select {
		case msg := <-cl.out:
			if err := cl.conn.Send(msg); err != nil {
				h.logger.Debug("Failed to deliver message", "client", cl.id, "error", err)
			}
		case <-cl.ctx.Done():
			return
		}
	}
}

func (h *Host) handleClientMessage(ctx context.Context, cl *client, msg *jsonrpc.Message) {
	if msg.IsNotification() {
		h.forwardNotification(cl, msg)
		return
	}
	// Requests may wait on a worker round trip; keep the read loop free.
	go h.dispatch(ctx, cl, msg)
}

// forwardNotification passes a client notification on to the session's
// worker. Notifications for unbound sessions are dropped.
func (h *Host) forwardNotification(cl *client, msg *jsonrpc.Message) {
	sid := jsonrpc.SessionParams(msg.Params)
	h.mu.Lock()
	key, ok := cl.bound[sid]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("Dropping notification for unbound session", "client", cl.id, "method", msg.Method)
		return
	}
	if err := key.entry.Conn().Send(&jsonrpc.Message{Method: msg.Method, Params: msg.Params}); err != nil {
		h.logger.Debug("Failed to forward notification", "method", msg.Method, "error", err)
	}
}

type directoryParams struct {
	WorkingDirectory string `json:"workingDirectory"`
	SessionID        string `json:"sessionId"`
}

func (h *Host) dispatch(ctx context.Context, cl *client, msg *jsonrpc.Message) {
	var p directoryParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			h.replyError(cl, msg.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid params: %v", err))
			return
		}
	}

	switch msg.Method {
	case "ping":
		h.reply(cl, msg.ID, map[string]any{"message": "pong", "clientId": cl.id})
	case "session.create", "session.resume":
		h.openSession(ctx, cl, msg, p)
	case "session.list":
		h.withTemporaryWorker(ctx, cl, msg, p.WorkingDirectory)
	case "session.delete", "session.destroy":
		h.closeSession(ctx, cl, msg, p)
	default:
		if p.SessionID == "" {
			h.replyError(cl, msg.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method %s not found", msg.Method))
			return
		}
		h.forwardSessionRequest(ctx, cl, msg, p.SessionID)
	}
}

func (h *Host) directory(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return h.defaultDir
}

func (h *Host) acquire(ctx context.Context, cl *client, msg *jsonrpc.Message, dir string) (*pool.Entry, bool) {
	dir = h.directory(dir)
	if dir == "" {
		h.replyError(cl, msg.ID, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "no working directory given and no default configured"))
		return nil, false
	}
	e, err := h.pool.Acquire(ctx, dir)
	if err != nil {
		h.logger.Warn("Worker unavailable", "client", cl.id, "dir", dir, "error", err)
		h.replyError(cl, msg.ID, jsonrpc.NewError(CodeWorkerUnavailable, "worker unavailable: %v", err))
		return nil, false
	}
	return e, true
}

// openSession acquires the worker for the requested directory, forwards the
// call and binds the resulting session to the client. The binding keeps the
// pool reference; any failure gives it back.
func (h *Host) openSession(ctx context.Context, cl *client, msg *jsonrpc.Message, p directoryParams) {
	e, ok := h.acquire(ctx, cl, msg, p.WorkingDirectory)
	if !ok {
		return
	}

	resp, err := e.Conn().Call(ctx, msg.Method, msg.Params)
	if err != nil {
		h.pool.Release(e)
		h.replyError(cl, msg.ID, jsonrpc.NewError(CodeWorkerUnavailable, "worker call failed: %v", err))
		return
	}
	if resp.Error != nil {
		h.pool.Release(e)
		h.relay(cl, msg.ID, resp)
		return
	}

	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		h.logger.Debug("Worker result is not an object", "client", cl.id, "method", msg.Method, "error", err)
	}
	sid := result.SessionID
	if sid == "" {
		sid = p.SessionID
	}
	if sid == "" {
		h.logger.Warn("Worker returned no session id", "client", cl.id, "method", msg.Method)
		h.pool.Release(e)
		h.relay(cl, msg.ID, resp)
		return
	}

	if !h.bind(cl, sessionKey{entry: e, id: sid}) {
		h.pool.Release(e)
	}
	h.logger.Debug("Session bound", "client", cl.id, "session", sid, "dir", e.WorkingDirectory)
	h.relay(cl, msg.ID, resp)
}

// bind records the session for the client. It reports whether the binding
// took ownership of the caller's pool reference.
func (h *Host) bind(cl *client, key sessionKey) bool {
	h.mu.Lock()
	if h.clients[cl.id] != cl {
		// Disconnected while the call was in flight
		h.mu.Unlock()
		return false
	}

	var displaced *pool.Entry
	if prev, ok := cl.bound[key.id]; ok {
		if prev == key {
			// Already bound; become the most recent owner again.
			h.removeOwnerLocked(key, cl.id)
			h.addOwnerLocked(key, cl.id)
			h.mu.Unlock()
			return false
		}
		// Same id on another worker; the newest binding wins.
		h.removeOwnerLocked(prev, cl.id)
		displaced = prev.entry
	}
	cl.bound[key.id] = key
	h.addOwnerLocked(key, cl.id)
	h.mu.Unlock()

	if displaced != nil {
		h.logger.Warn("Session id rebound to another worker", "client", cl.id, "session", key.id)
		h.pool.Release(displaced)
	}
	return true
}

func (h *Host) addOwnerLocked(key sessionKey, clientID uint64) {
	s, ok := h.sessions[key]
	if !ok {
		s = &session{key: key}
		h.sessions[key] = s
	}
	s.owners = append(s.owners, clientID)
}

func (h *Host) removeOwnerLocked(key sessionKey, clientID uint64) {
	s, ok := h.sessions[key]
	if !ok {
		return
	}
	for i, id := range s.owners {
		if id == clientID {
			s.owners = append(s.owners[:i], s.owners[i+1:]...)
			break
		}
	}
	if len(s.owners) == 0 {
		delete(h.sessions, key)
	}
}

// closeSession forwards a delete or destroy. A bound session goes to its own
// worker and, on success, every client binding to it is dropped. An unbound
// session goes to the worker of the requested directory.
func (h *Host) closeSession(ctx context.Context, cl *client, msg *jsonrpc.Message, p directoryParams) {
	h.mu.Lock()
	key, bound := cl.bound[p.SessionID]
	h.mu.Unlock()

	if !bound {
		h.withTemporaryWorker(ctx, cl, msg, p.WorkingDirectory)
		return
	}

	resp, err := key.entry.Conn().Call(ctx, msg.Method, msg.Params)
	if err != nil {
		h.replyError(cl, msg.ID, jsonrpc.NewError(CodeWorkerUnavailable, "worker call failed: %v", err))
		return
	}
	if resp.Error == nil {
		h.unbindAll(key)
	}
	h.relay(cl, msg.ID, resp)
}

// unbindAll removes every client binding to the session and releases one
// reference per binding.
func (h *Host) unbindAll(key sessionKey) {
	h.mu.Lock()
	s, ok := h.sessions[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, key)
	var released int
	for _, id := range s.owners {
		if cl, ok := h.clients[id]; ok && cl.bound[key.id] == key {
			delete(cl.bound, key.id)
			released++
		}
	}
	h.mu.Unlock()

	for i := 0; i < released; i++ {
		h.pool.Release(key.entry)
	}
}

// withTemporaryWorker runs one call on the worker for dir under a short-lived
// reference.
func (h *Host) withTemporaryWorker(ctx context.Context, cl *client, msg *jsonrpc.Message, dir string) {
	e, ok := h.acquire(ctx, cl, msg, dir)
	if !ok {
		return
	}
	resp, err := e.Conn().Call(ctx, msg.Method, msg.Params)
	h.pool.Release(e)
	if err != nil {
		h.replyError(cl, msg.ID, jsonrpc.NewError(CodeWorkerUnavailable, "worker call failed: %v", err))
		return
	}
	h.relay(cl, msg.ID, resp)
}

func (h *Host) forwardSessionRequest(ctx context.Context, cl *client, msg *jsonrpc.Message, sid string) {
	h.mu.Lock()
	key, ok := cl.bound[sid]
	h.mu.Unlock()
	if !ok {
		h.replyError(cl, msg.ID, jsonrpc.NewError(CodeSessionNotBound, "session %s is not bound to this connection", sid))
		return
	}

	resp, err := key.entry.Conn().Call(ctx, msg.Method, msg.Params)
	if err != nil {
		h.replyError(cl, msg.ID, jsonrpc.NewError(CodeWorkerUnavailable, "worker call failed: %v", err))
		return
	}
	h.relay(cl, msg.ID, resp)
}

// relay answers request id with the worker's response, unchanged.
func (h *Host) relay(cl *client, id json.RawMessage, resp *jsonrpc.Message) {
	out := &jsonrpc.Message{ID: id, Result: resp.Result, Error: resp.Error}
	if out.Error == nil && len(out.Result) == 0 {
		out.Result = json.RawMessage("null")
	}
	h.send(cl, out)
}

// HandleWorkerMessage implements pool.Observer. Session notifications are
// queued to each bound client in order without waiting on any of them;
// callbacks run on their own goroutine.
func (h *Host) HandleWorkerMessage(ctx context.Context, e *pool.Entry, msg *jsonrpc.Message) {
	sid := jsonrpc.SessionParams(msg.Params)

	if msg.IsNotification() {
		for _, cl := range h.boundClients(sessionKey{entry: e, id: sid}) {
			h.send(cl, &jsonrpc.Message{Method: msg.Method, Params: msg.Params})
		}
		return
	}

	go h.forwardCallback(ctx, e, msg, sid)
}

// forwardCallback sends a worker request such as tool.call to the session's
// owning client and relays the answer back.
func (h *Host) forwardCallback(ctx context.Context, e *pool.Entry, msg *jsonrpc.Message, sid string) {
	owner := h.owner(sessionKey{entry: e, id: sid})
	if owner == nil {
		e.Conn().Reply(msg.ID, nil, jsonrpc.NewError(CodeNoClient, "no connected client for session %s", sid))
		return
	}

	resp, err := owner.conn.Call(ctx, msg.Method, msg.Params)
	if err != nil {
		h.logger.Debug("Client went away during callback", "client", owner.id, "method", msg.Method, "error", err)
		e.Conn().Reply(msg.ID, nil, jsonrpc.NewError(CodeNoClient, "no connected client for session %s", sid))
		return
	}
	if err := e.Conn().Send(&jsonrpc.Message{ID: msg.ID, Result: resp.Result, Error: resp.Error}); err != nil {
		h.logger.Debug("Failed to relay callback response", "method", msg.Method, "error", err)
	}
}

func (h *Host) boundClients(key sessionKey) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[key]
	if !ok {
		return nil
	}
	out := make([]*client, 0, len(s.owners))
	for _, id := range s.owners {
		if cl, ok := h.clients[id]; ok {
			out = append(out, cl)
		}
	}
	return out
}

func (h *Host) owner(key sessionKey) *client {
	clients := h.boundClients(key)
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

// HandleWorkerExit implements pool.Observer. Every session on the dead
// worker is unbound and its clients are told.
func (h *Host) HandleWorkerExit(e *pool.Entry) {
	h.mu.Lock()
	var keys []sessionKey
	for key := range h.sessions {
		if key.entry == e {
			keys = append(keys, key)
		}
	}
	h.mu.Unlock()

	for _, key := range keys {
		for _, cl := range h.boundClients(key) {
			h.notify(cl, "session.event", map[string]any{
				"sessionId": key.id,
				"event":     map[string]string{"type": "session.error", "message": "worker exited"},
			})
		}
		h.unbindAll(key)
	}
	if len(keys) > 0 {
		h.logger.Warn("Dropped sessions of exited worker", "dir", e.WorkingDirectory, "sessions", len(keys))
	}
}
