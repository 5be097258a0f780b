package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/jsonrpc"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/pool"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/testutil/fakeworker"
)

// countingPool records every Release by working directory.
type countingPool struct {
	*pool.Pool

	mu       sync.Mutex
	releases map[string]int
}

func (c *countingPool) Release(e *pool.Entry) {
	c.mu.Lock()
	c.releases[e.WorkingDirectory]++
	c.mu.Unlock()
	c.Pool.Release(e)
}

func (c *countingPool) released(dir string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases[dir]
}

func (c *countingPool) refs(dir string) (int, bool) {
	for _, st := range c.Stats() {
		if st.WorkingDirectory == dir {
			return st.RefCount, true
		}
	}
	return 0, false
}

type testClient struct {
	id     uint64
	conn   *jsonrpc.Conn
	events chan *jsonrpc.Message
}

type harness struct {
	host    *Host
	pool    *countingPool
	spawner *fakeworker.Spawner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	spawner := fakeworker.NewSpawner()
	p := &countingPool{
		Pool:     pool.New(spawner, pool.Options{GracePeriod: time.Hour, Clock: clockwork.NewFakeClock()}),
		releases: make(map[string]int),
	}
	h := NewHost(p, Options{DefaultDirectory: "/work/default"})
	p.SetObserver(h)
	t.Cleanup(h.Stop)
	return &harness{host: h, pool: p, spawner: spawner}
}

// connect attaches a client that answers worker callbacks with its own id.
func (h *harness) connect(t *testing.T, id uint64) *testClient {
	t.Helper()
	hostSide, clientSide := net.Pipe()
	tc := &testClient{id: id, events: make(chan *jsonrpc.Message, 32)}
	tc.conn = jsonrpc.NewConn(clientSide, func(ctx context.Context, conn *jsonrpc.Conn, msg *jsonrpc.Message) {
		if msg.IsNotification() {
			tc.events <- msg
			return
		}
		conn.Reply(msg.ID, map[string]any{"approved": true, "client": id, "method": msg.Method}, nil)
	}, nil)
	go tc.conn.Serve(context.Background())
	h.host.HandleClient(hostSide, id)
	t.Cleanup(func() { tc.conn.Close() })
	return tc
}

func (tc *testClient) call(t *testing.T, method string, params any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var out map[string]any
	if err := tc.conn.CallResult(ctx, method, params, &out); err != nil {
		t.Fatalf("%s failed: %v", method, err)
	}
	return out
}

func (tc *testClient) callErr(t *testing.T, method string, params any) *jsonrpc.Error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := tc.conn.CallResult(ctx, method, params, nil)
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("%s: expected a JSON-RPC error, got %v", method, err)
	}
	return rpcErr
}

func (tc *testClient) create(t *testing.T, dir string) string {
	t.Helper()
	res := tc.call(t, "session.create", map[string]string{"workingDirectory": dir})
	id, _ := res["sessionId"].(string)
	if id == "" {
		t.Fatalf("session.create returned no session id: %v", res)
	}
	return id
}

func (tc *testClient) nextEvent(t *testing.T) *jsonrpc.Message {
	t.Helper()
	select {
	case msg := <-tc.events:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("client %d received no event", tc.id)
		return nil
	}
}

func (tc *testClient) expectNoEvent(t *testing.T) {
	t.Helper()
	select {
	case msg := <-tc.events:
		t.Errorf("client %d received unexpected event %s %s", tc.id, msg.Method, msg.Params)
	case <-time.After(50 * time.Millisecond):
	}
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

func TestPingIsAnsweredByHost(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, 1)

	res := c.call(t, "ping", nil)
	if res["message"] != "pong" {
		t.Errorf("expected pong, got %v", res)
	}
	if len(h.spawner.Workers("/work/default")) != 0 {
		t.Error("ping should not spawn a worker")
	}
}

func TestCreateBindsAndRoutesSessionTraffic(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, 1)

	sid := c.create(t, "/work/a")
	if sid != "session-1" {
		t.Errorf("expected session-1, got %s", sid)
	}

	res := c.call(t, "session.send", map[string]string{"sessionId": sid, "prompt": "hello"})
	if res["messageId"] == "" {
		t.Errorf("expected a message id, got %v", res)
	}

	ev := c.nextEvent(t)
	if ev.Method != "session.event" || jsonrpc.SessionParams(ev.Params) != sid {
		t.Errorf("unexpected event %s %s", ev.Method, ev.Params)
	}

	msgs := c.call(t, "session.getMessages", map[string]string{"sessionId": sid})
	if list, _ := msgs["messages"].([]any); len(list) != 1 || list[0] != "hello" {
		t.Errorf("expected [hello], got %v", msgs["messages"])
	}

	if refs, _ := h.pool.refs("/work/a"); refs != 1 {
		t.Errorf("expected 1 reference, got %d", refs)
	}
	st := h.host.Stats()
	if st.Clients != 1 || st.Sessions != 1 || st.Bindings != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestCreateUsesDefaultDirectory(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, 1)

	c.call(t, "session.create", map[string]string{})
	if len(h.spawner.Workers("/work/default")) != 1 {
		t.Error("expected a worker in the default directory")
	}
}

func TestSessionRequestRequiresBinding(t *testing.T) {
	h := newHarness(t)
	owner := h.connect(t, 1)
	other := h.connect(t, 2)

	sid := owner.create(t, "/work/a")
	rpcErr := other.callErr(t, "session.send", map[string]string{"sessionId": sid, "prompt": "hi"})
	if rpcErr.Code != CodeSessionNotBound {
		t.Errorf("expected session not bound, got %v", rpcErr)
	}

	rpcErr = other.callErr(t, "bogus", nil)
	if rpcErr.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("expected method not found, got %v", rpcErr)
	}
}

func TestWorkerErrorsAreRelayedVerbatim(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, 1)

	rpcErr := c.callErr(t, "session.resume", map[string]string{"workingDirectory": "/work/a", "sessionId": "missing"})
	if rpcErr.Code != fakeworker.CodeSessionNotFound {
		t.Errorf("expected worker error code, got %v", rpcErr)
	}
	if refs, _ := h.pool.refs("/work/a"); refs != 0 {
		t.Errorf("failed resume must give its reference back, got %d", refs)
	}
}

func TestNotificationFanOutOnlyReachesBoundClients(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1)
	b := h.connect(t, 2)
	c := h.connect(t, 3)

	s1 := a.create(t, "/work/a")
	s2 := b.create(t, "/work/a")
	c.call(t, "session.resume", map[string]string{"workingDirectory": "/work/a", "sessionId": s1})

	// The same id in another directory is a different session
	d := h.connect(t, 4)
	if other := d.create(t, "/work/b"); other != s1 {
		t.Fatalf("expected per-worker ids to collide, got %s", other)
	}

	worker, err := h.spawner.Worker("/work/a")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := worker.Emit(s1, map[string]int{"seq": i}); err != nil {
			t.Fatal(err)
		}
	}

	for _, cl := range []*testClient{a, c} {
		for i := 0; i < 3; i++ {
			ev := cl.nextEvent(t)
			var p struct {
				SessionID string         `json:"sessionId"`
				Event     map[string]int `json:"event"`
			}
			json.Unmarshal(ev.Params, &p)
			if p.SessionID != s1 || p.Event["seq"] != i {
				t.Errorf("client %d: expected event %d for %s, got %s", cl.id, i, s1, ev.Params)
			}
		}
	}
	b.expectNoEvent(t)
	d.expectNoEvent(t)

	worker.Emit(s2, "for b")
	if ev := b.nextEvent(t); jsonrpc.SessionParams(ev.Params) != s2 {
		t.Errorf("expected event for %s, got %s", s2, ev.Params)
	}
	a.expectNoEvent(t)
}

func TestDisconnectReleasesOncePerBinding(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, 1)

	c.create(t, "/work/a")
	c.create(t, "/work/a")
	c.create(t, "/work/b")

	if refs, _ := h.pool.refs("/work/a"); refs != 2 {
		t.Fatalf("expected 2 references on /work/a, got %d", refs)
	}

	h.host.HandleClientDisconnect(1)
	h.host.HandleClientDisconnect(1)

	if got := h.pool.released("/work/a"); got != 2 {
		t.Errorf("expected 2 releases for /work/a, got %d", got)
	}
	if got := h.pool.released("/work/b"); got != 1 {
		t.Errorf("expected 1 release for /work/b, got %d", got)
	}
	for _, st := range h.pool.Stats() {
		if st.RefCount != 0 || !st.HasGraceTimer {
			t.Errorf("expected idle entry with grace timer, got %+v", st)
		}
	}

	// The sessions survive on the worker
	worker, _ := h.spawner.Worker("/work/a")
	if got := worker.Sessions(); len(got) != 2 {
		t.Errorf("expected sessions to survive, got %v", got)
	}
}

func TestSessionsCanBeResumedByAnotherClient(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t, 1)
	sid := first.create(t, "/work/a")

	first.conn.Close()
	waitFor(t, "disconnect", func() bool { return h.host.Stats().Clients == 0 })

	second := h.connect(t, 2)
	second.call(t, "session.resume", map[string]string{"workingDirectory": "/work/a", "sessionId": sid})
	second.call(t, "session.send", map[string]string{"sessionId": sid, "prompt": "again"})

	if n := len(h.spawner.Workers("/work/a")); n != 1 {
		t.Errorf("expected the idle worker to be reused, got %d workers", n)
	}
}

func TestResumeWithNonObjectResultBindsRequestedSession(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t, 1)
	sid := first.create(t, "/work/a")
	h.spawner.Workers("/work/a")[0].SetResumeResult(json.RawMessage(`true`))

	second := h.connect(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var resumed bool
	err := second.conn.CallResult(ctx, "session.resume", map[string]string{"workingDirectory": "/work/a", "sessionId": sid}, &resumed)
	if err != nil || !resumed {
		t.Fatalf("expected the worker result to be relayed, got %v, %v", resumed, err)
	}

	// The requested id is bound even though the result carried none
	second.call(t, "session.send", map[string]string{"sessionId": sid, "prompt": "again"})
}

func TestWorkerCallbacksGoToOwningClient(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1)
	sid := a.create(t, "/work/a")
	worker, _ := h.spawner.Worker("/work/a")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := worker.Callback(ctx, "tool.call", sid, map[string]any{"toolName": "read_file"})
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	var result map[string]any
	json.Unmarshal(resp.Result, &result)
	if result["client"] != float64(1) || result["method"] != "tool.call" {
		t.Errorf("expected response from client 1, got %s", resp.Result)
	}

	// A later binder becomes the owner
	b := h.connect(t, 2)
	b.call(t, "session.resume", map[string]string{"workingDirectory": "/work/a", "sessionId": sid})
	resp, err = worker.Callback(ctx, "permission.request", sid, nil)
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	json.Unmarshal(resp.Result, &result)
	if result["client"] != float64(2) {
		t.Errorf("expected response from client 2, got %s", resp.Result)
	}
}

func TestWorkerCallbackWithoutClientFails(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1)
	sid := a.create(t, "/work/a")
	worker, _ := h.spawner.Worker("/work/a")

	h.host.HandleClientDisconnect(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := worker.Callback(ctx, "tool.call", sid, nil)
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeNoClient {
		t.Errorf("expected no connected client error, got %+v", resp)
	}
}

func TestFramingErrorOnlyDropsThatClient(t *testing.T) {
	h := newHarness(t)
	good := h.connect(t, 1)
	sid := good.create(t, "/work/a")

	hostSide, badSide := net.Pipe()
	h.host.HandleClient(hostSide, 2)
	waitFor(t, "bad client registered", func() bool { return h.host.Stats().Clients == 2 })

	if _, err := badSide.Write([]byte("this is not a header\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	badSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := badSide.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("expected the bad client to be disconnected, got %v", err)
	}
	waitFor(t, "bad client removed", func() bool { return h.host.Stats().Clients == 1 })

	good.call(t, "session.send", map[string]string{"sessionId": sid, "prompt": "still here"})
	if refs, _ := h.pool.refs("/work/a"); refs != 1 {
		t.Errorf("expected pool to be untouched, got %d references", refs)
	}
}

// connectStalled attaches a client that writes requests by hand and reads
// only the responses it asks for, like a peer whose stream has backed up.
func (h *harness) connectStalled(t *testing.T, id uint64) (net.Conn, *bufio.Reader) {
	t.Helper()
	hostSide, clientSide := net.Pipe()
	h.host.HandleClient(hostSide, id)
	t.Cleanup(func() { clientSide.Close() })
	return clientSide, bufio.NewReader(clientSide)
}

func rawCall(t *testing.T, conn net.Conn, r *bufio.Reader, id int, method string, params any) map[string]any {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := fmt.Fprintf(conn, "Content-Length: %d\r\n\r\n%s", len(body), body); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	frame, err := jsonrpc.ReadFrame(r)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp struct {
		Result map[string]any `json:"result"`
		Error  *jsonrpc.Error `json:"error"`
	}
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("decode response %s: %v", frame, err)
	}
	if resp.Error != nil {
		t.Fatalf("%s failed: %v", method, resp.Error)
	}
	return resp.Result
}

func TestStalledClientDoesNotBlockSharedWorker(t *testing.T) {
	h := newHarness(t)
	stalled, r := h.connectStalled(t, 1)
	res := rawCall(t, stalled, r, 1, "session.create", map[string]string{"workingDirectory": "/work/shared"})
	stalledSID, _ := res["sessionId"].(string)
	if stalledSID == "" {
		t.Fatalf("session.create returned no session id: %v", res)
	}

	other := h.connect(t, 2)
	otherSID := other.create(t, "/work/shared")
	worker, err := h.spawner.Worker("/work/shared")
	if err != nil {
		t.Fatalf("no worker: %v", err)
	}

	// The stalled client never reads this event.
	if err := worker.Emit(stalledSID, map[string]string{"type": "assistant.delta"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	res = other.call(t, "session.send", map[string]string{"sessionId": otherSID, "prompt": "still here"})
	if res["messageId"] == "" {
		t.Errorf("expected a message id, got %v", res)
	}
	if ev := other.nextEvent(t); jsonrpc.SessionParams(ev.Params) != otherSID {
		t.Errorf("expected event for %s, got %s", otherSID, ev.Params)
	}
	if h.host.Stats().Clients != 2 {
		t.Errorf("expected both clients to stay connected, got %+v", h.host.Stats())
	}
}

func TestClientThatStopsReadingIsDisconnected(t *testing.T) {
	h := newHarness(t)
	stalled, r := h.connectStalled(t, 1)
	res := rawCall(t, stalled, r, 1, "session.create", map[string]string{"workingDirectory": "/work/shared"})
	sid, _ := res["sessionId"].(string)
	worker, err := h.spawner.Worker("/work/shared")
	if err != nil {
		t.Fatalf("no worker: %v", err)
	}

	for i := 0; i < clientQueueSize+2; i++ {
		if err := worker.Emit(sid, map[string]int{"seq": i}); err != nil {
			t.Fatalf("Emit %d failed: %v", i, err)
		}
	}

	waitFor(t, "stalled client to be dropped", func() bool { return h.host.Stats().Clients == 0 })
	waitFor(t, "binding to be released", func() bool { return h.pool.released("/work/shared") == 1 })
}

func TestSpawnFailureIsReportedToCaller(t *testing.T) {
	h := newHarness(t)
	h.spawner.FailFor("/work/bad", errors.New("exec: not found"))
	c := h.connect(t, 1)

	rpcErr := c.callErr(t, "session.create", map[string]string{"workingDirectory": "/work/bad"})
	if rpcErr.Code != CodeWorkerUnavailable {
		t.Errorf("expected worker unavailable, got %v", rpcErr)
	}
	if _, ok := h.pool.refs("/work/bad"); ok {
		t.Error("expected no pool entry after a failed spawn")
	}

	// The connection stays usable
	c.call(t, "ping", nil)
}

func TestDeleteUnbindsEveryClient(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1)
	b := h.connect(t, 2)

	sid := a.create(t, "/work/a")
	b.call(t, "session.resume", map[string]string{"workingDirectory": "/work/a", "sessionId": sid})
	if refs, _ := h.pool.refs("/work/a"); refs != 2 {
		t.Fatalf("expected 2 references, got %d", refs)
	}

	a.call(t, "session.delete", map[string]string{"sessionId": sid})

	if refs, _ := h.pool.refs("/work/a"); refs != 0 {
		t.Errorf("expected all bindings released, got %d references", refs)
	}
	rpcErr := b.callErr(t, "session.send", map[string]string{"sessionId": sid, "prompt": "x"})
	if rpcErr.Code != CodeSessionNotBound {
		t.Errorf("expected session not bound after delete, got %v", rpcErr)
	}

	h.host.HandleClientDisconnect(1)
	h.host.HandleClientDisconnect(2)
	if got := h.pool.released("/work/a"); got != 2 {
		t.Errorf("expected exactly 2 releases, got %d", got)
	}
}

func TestListAndUnboundDeleteUseTemporaryReference(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1)
	sid := a.create(t, "/work/a")
	h.host.HandleClientDisconnect(1)

	b := h.connect(t, 2)
	res := b.call(t, "session.list", map[string]string{"workingDirectory": "/work/a"})
	if list, _ := res["sessions"].([]any); len(list) != 1 || list[0] != sid {
		t.Errorf("expected [%s], got %v", sid, res["sessions"])
	}

	b.call(t, "session.delete", map[string]string{"workingDirectory": "/work/a", "sessionId": sid})
	worker, _ := h.spawner.Worker("/work/a")
	if got := worker.Sessions(); len(got) != 0 {
		t.Errorf("expected session to be deleted, got %v", got)
	}
	if refs, _ := h.pool.refs("/work/a"); refs != 0 {
		t.Errorf("temporary references must be released, got %d", refs)
	}
}

func TestWorkerExitDropsItsSessions(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, 1)
	sid := c.create(t, "/work/a")
	worker, _ := h.spawner.Worker("/work/a")

	worker.Crash()

	ev := c.nextEvent(t)
	if jsonrpc.SessionParams(ev.Params) != sid {
		t.Errorf("expected an event for %s, got %s", sid, ev.Params)
	}
	waitFor(t, "bindings dropped", func() bool { return h.host.Stats().Bindings == 0 })

	// A new create spawns a fresh worker
	c.create(t, "/work/a")
	if n := len(h.spawner.Workers("/work/a")); n != 2 {
		t.Errorf("expected 2 workers, got %d", n)
	}
}

func TestStopDisconnectsClientsAndDisposesPool(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, 1)
	c.create(t, "/work/a")
	worker, _ := h.spawner.Worker("/work/a")

	h.host.Stop()
	h.host.Stop()

	select {
	case <-c.conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client was not disconnected")
	}
	if !worker.Terminated() {
		t.Error("expected worker to be terminated")
	}

	late, _ := net.Pipe()
	h.host.HandleClient(late, 9)
	if h.host.Stats().Clients != 0 {
		t.Error("expected clients to be refused after Stop")
	}
}
