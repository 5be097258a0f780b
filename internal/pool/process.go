package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrSpawn marks a worker process that could not be started.
var ErrSpawn = errors.New("failed to spawn worker")

// Process is a running worker.
type Process interface {
	// Stream carries the worker's JSON-RPC traffic. Closing it tells the
	// worker to exit.
	Stream() io.ReadWriteCloser
	PID() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Terminate stops the process, forcibly after timeout.
	Terminate(timeout time.Duration) error
}

// Spawner starts worker processes bound to a working directory.
type Spawner interface {
	Spawn(ctx context.Context, dir string) (Process, error)
}

// ExecSpawner runs the worker as a subprocess speaking JSON-RPC on stdio.
type ExecSpawner struct {
	Command string
	Args    []string
	// Env is appended to the host environment.
	Env    []string
	Logger *slog.Logger
}

// Spawn starts the worker in dir. The child gets its own process group so
// that terminating it also reaches anything it started.
func (s *ExecSpawner) Spawn(ctx context.Context, dir string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Command == "" {
		return nil, fmt.Errorf("%w: no worker command configured", ErrSpawn)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: working directory %s is not accessible", ErrSpawn, dir)
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(s.Command, s.Args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.SysProcAttr = sysProcAttr()

	// Plain os.Pipe pairs so cmd.Wait never closes our ends while the
	// connection is still reading.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, s.Command, err)
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	p := &execProcess{
		cmd:    cmd,
		stream: &pipeStream{r: stdoutR, w: stdinW},
		done:   make(chan struct{}),
		logger: logger.With("pid", cmd.Process.Pid, "dir", dir),
	}
	go p.logStderr(stderrR)
	go p.wait()

	p.logger.Info("Worker started", "command", s.Command)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stream *pipeStream
	done   chan struct{}
	logger *slog.Logger
}

func (p *execProcess) Stream() io.ReadWriteCloser { return p.stream }
func (p *execProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{}      { return p.done }

func (p *execProcess) wait() {
	if err := p.cmd.Wait(); err != nil {
		p.logger.Debug("Worker exited", "error", err)
	} else {
		p.logger.Debug("Worker exited")
	}
	close(p.done)
}

// logStderr forwards worker diagnostics to the debug log, one line at a time.
func (p *execProcess) logStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("worker: " + scanner.Text())
	}
}

// Terminate closes stdin, asks the process group to stop and kills it if it
// is still alive after timeout.
func (p *execProcess) Terminate(timeout time.Duration) error {
	p.stream.Close()

	select {
	case <-p.done:
		return nil
	default:
	}
	return terminateGroup(p.cmd.Process, p.done, timeout, p.logger)
}

// pipeStream joins the worker's stdout and stdin into one stream.
type pipeStream struct {
	r    *os.File
	w    *os.File
	once sync.Once
}

func (s *pipeStream) Read(b []byte) (int, error)  { return s.r.Read(b) }
func (s *pipeStream) Write(b []byte) (int, error) { return s.w.Write(b) }

func (s *pipeStream) Close() error {
	var err error
	s.once.Do(func() {
		err = errors.Join(s.w.Close(), s.r.Close())
	})
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
