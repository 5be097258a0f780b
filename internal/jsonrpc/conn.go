package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
)

// ErrClosed is returned by calls on a connection that has shut down.
var ErrClosed = errors.New("jsonrpc: connection closed")

// Handler receives every incoming request and notification. It is called
// from the read loop, one message at a time, so handlers that need to wait
// on something must do so in their own goroutine.
type Handler func(ctx context.Context, conn *Conn, msg *Message)

// Conn is a bidirectional JSON-RPC 2.0 peer over a Content-Length framed byte
// stream. Either side may issue requests; responses are matched to calls by id.
//
// Messages cross the connection as raw JSON so the proxy can pass params,
// results and errors through without decoding them.
type Conn struct {
	rpc    *jsonrpc2.Conn
	stream *recordingStream
	logger *slog.Logger
	ready  chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	readErr error
	closed  bool
}

// NewConn wraps rwc and starts reading. Incoming messages are passed to
// handler once NewConn has returned, with a context that ends when the
// connection does. Serve reports how the stream ended.
func NewConn(rwc io.ReadWriteCloser, handler Handler, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = func(context.Context, *Conn, *Message) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{logger: logger, ready: make(chan struct{}), cancel: cancel}
	c.stream = &recordingStream{
		ObjectStream: jsonrpc2.NewBufferedStream(rwc, frameCodec{}),
		conn:         c,
	}
	c.rpc = jsonrpc2.NewConn(ctx, c.stream,
		&handlerAdapter{conn: c, handler: handler},
		jsonrpc2.SetLogger(printfLogger{logger}))
	close(c.ready)
	return c
}

// Serve blocks until the stream ends or ctx is done. It returns nil on a
// clean EOF or a local Close and an error wrapping ErrFraming on malformed
// input. The connection is closed when Serve returns.
func (c *Conn) Serve(ctx context.Context) error {
	select {
	case <-c.rpc.DisconnectNotify():
	case <-ctx.Done():
		c.Close()
		<-c.rpc.DisconnectNotify()
	}
	c.cancel()
	c.stream.closeOnce()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed, c.readErr == nil, errors.Is(c.readErr, io.EOF):
		return nil
	case errors.Is(c.readErr, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: stream ended mid-frame", ErrFraming)
	}
	return c.readErr
}

// Call sends a request and waits for its response. A JSON-RPC error response
// is returned as a message, not as a Go error; use CallResult to unwrap it.
func (c *Conn) Call(ctx context.Context, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	err = c.rpc.Call(ctx, method, raw, &result)
	if err == nil {
		return &Message{JSONRPC: "2.0", Result: result}, nil
	}

	var wireErr *jsonrpc2.Error
	if errors.As(err, &wireErr) {
		return &Message{JSONRPC: "2.0", Error: fromWireError(wireErr)}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	return nil, fmt.Errorf("%w: %v", ErrClosed, err)
}

// CallResult sends a request and decodes the result into result (which may be
// nil). A JSON-RPC error response is returned as *Error.
func (c *Conn) CallResult(ctx context.Context, method string, params, result any) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

// Notify sends a notification.
func (c *Conn) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.wrapSendErr(c.rpc.Notify(context.Background(), method, raw))
}

// Reply answers the request with the given id. When rpcErr is nil the result
// is sent, with a JSON null standing in for a nil result.
func (c *Conn) Reply(id json.RawMessage, result any, rpcErr *Error) error {
	var wireID jsonrpc2.ID
	if err := json.Unmarshal(id, &wireID); err != nil {
		return fmt.Errorf("reply to request id %s: %w", id, err)
	}
	if rpcErr != nil {
		return c.wrapSendErr(c.rpc.ReplyWithError(context.Background(), wireID, toWireError(rpcErr)))
	}
	if raw, ok := result.(json.RawMessage); ok && len(raw) == 0 {
		result = nil
	}
	return c.wrapSendErr(c.rpc.Reply(context.Background(), wireID, result))
}

// Send writes a notification or a response. Requests go through Call so
// that their response can be matched.
func (c *Conn) Send(msg *Message) error {
	switch {
	case msg.IsNotification():
		return c.Notify(msg.Method, msg.Params)
	case msg.IsResponse() && msg.Error != nil:
		return c.Reply(msg.ID, nil, msg.Error)
	case msg.IsResponse():
		return c.Reply(msg.ID, msg.Result, nil)
	}
	return fmt.Errorf("jsonrpc: cannot send %q as a raw message", msg.Method)
}

// Close shuts the connection down. Outstanding calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	// Closing the stream first unblocks a write stuck on a peer that stopped
	// reading; jsonrpc2 waits for in-flight writes before it shuts down.
	c.stream.closeOnce()
	if err := c.rpc.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
		c.logger.Debug("Failed to close connection", "error", err)
	}
	return nil
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.rpc.DisconnectNotify()
}

func (c *Conn) wrapSendErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

func (c *Conn) recordReadErr(err error) {
	c.mu.Lock()
	if c.readErr == nil {
		c.readErr = err
	}
	c.mu.Unlock()
}

// recordingStream keeps the first read error so Serve can tell a clean EOF
// from a protocol error.
type recordingStream struct {
	jsonrpc2.ObjectStream
	conn *Conn
	once sync.Once
}

func (s *recordingStream) ReadObject(v any) error {
	err := s.ObjectStream.ReadObject(v)
	if err != nil {
		s.conn.recordReadErr(err)
	}
	return err
}

func (s *recordingStream) Close() error {
	s.closeOnce()
	return nil
}

// closeOnce releases the underlying stream exactly once, whichever of
// jsonrpc2 and Conn gets there first.
func (s *recordingStream) closeOnce() {
	s.once.Do(func() { s.ObjectStream.Close() })
}

type handlerAdapter struct {
	conn    *Conn
	handler Handler
}

func (a *handlerAdapter) Handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) {
	<-a.conn.ready

	msg := &Message{JSONRPC: "2.0", Method: req.Method}
	if req.Params != nil && string(*req.Params) != "null" {
		msg.Params = *req.Params
	}
	if !req.Notif {
		id, err := json.Marshal(req.ID)
		if err != nil {
			a.conn.logger.Debug("Dropping request with unusable id", "method", req.Method, "error", err)
			return
		}
		msg.ID = id
	}
	a.handler(ctx, a.conn, msg)
}

// printfLogger sends jsonrpc2's own diagnostics to the debug log.
type printfLogger struct {
	logger *slog.Logger
}

func (l printfLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func toWireError(e *Error) *jsonrpc2.Error {
	out := &jsonrpc2.Error{Code: int64(e.Code), Message: e.Message}
	if len(e.Data) > 0 {
		data := e.Data
		out.Data = &data
	}
	return out
}

func fromWireError(e *jsonrpc2.Error) *Error {
	out := &Error{Code: int(e.Code), Message: e.Message}
	if e.Data != nil {
		out.Data = *e.Data
	}
	return out
}

// marshalParams encodes params for the wire. Absent params are sent as an
// empty object.
func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
