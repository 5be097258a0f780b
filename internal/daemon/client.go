package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
)

// ErrNotRunning is returned when no host answers on the control socket.
var ErrNotRunning = errors.New("tunnel-proxy is not running")

// SendCommand connects to the daemon, sends a command, and returns the response.
// Progress lines streamed ahead of the response are prepended to its messages.
func SendCommand(command string) (Response, error) {
	var streamed []ResponseMessage
	response, err := SendCommandStreaming(command, func(m ResponseMessage) {
		streamed = append(streamed, m)
	})
	if len(streamed) > 0 {
		response.Messages = append(streamed, response.Messages...)
	}
	return response, err
}

// SendCommandStreaming sends a command and reports each progress line to
// onMessage as it arrives.
func SendCommandStreaming(command string, onMessage func(ResponseMessage)) (Response, error) {
	response := Response{}

	conn, err := net.Dial("unix", core.GetSocketPath())
	if err != nil {
		return response, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return response, fmt.Errorf("failed to send command to daemon: %w", err)
	}
	return readResponse(conn, onMessage)
}

func readResponse(r io.Reader, onMessage func(ResponseMessage)) (Response, error) {
	response := Response{}
	dec := json.NewDecoder(r)
	for {
		var frame map[string]json.RawMessage
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return response, fmt.Errorf("daemon closed the connection without a response")
			}
			return response, fmt.Errorf("failed to parse response from daemon: %w", err)
		}

		if _, final := frame["messages"]; final {
			raw, _ := json.Marshal(frame)
			if err := json.Unmarshal(raw, &response); err != nil {
				return response, fmt.Errorf("failed to parse response from daemon: %w", err)
			}
			return response, nil
		}

		var msg ResponseMessage
		if err := json.Unmarshal(frame["message"], &msg.Message); err == nil {
			json.Unmarshal(frame["status"], &msg.Status)
			if onMessage != nil {
				onMessage(msg)
			}
		}
	}
}

// IsRunning reports whether a host answers on the control socket.
func IsRunning() bool {
	_, err := SendCommand("VERSION")
	return err == nil
}

// StartDaemon launches `tunnel-proxy run` detached from the terminal.
func StartDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	args := []string{"run", "--config-path", core.GetConfigDir()}
	if core.Config != nil {
		for i := 0; i < core.Config.Verbose; i++ {
			args = append(args, "-v")
		}
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not fork daemon process: %w", err)
	}
	slog.Debug(fmt.Sprintf("Daemon process launched with PID: %d", cmd.Process.Pid))

	// Reap the child if it dies early; a healthy daemon outlives us.
	go cmd.Wait()
	return nil
}

// WaitForDaemon polls the control socket until the host answers.
func WaitForDaemon(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if IsRunning() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not answer on %s within %v", core.GetSocketPath(), timeout)
}

// WaitForExit polls until the host stops answering.
func WaitForExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// EnsureDaemonIsRunning starts the host if nothing answers on the socket.
func EnsureDaemonIsRunning() error {
	if IsRunning() {
		return nil
	}
	slog.Info("tunnel-proxy is not running. Starting it now...")
	if err := StartDaemon(); err != nil {
		return err
	}
	return WaitForDaemon(5 * time.Second)
}

// CheckVersionMismatch warns when the running host was built from a
// different version than this binary.
func CheckVersionMismatch() {
	response, err := SendCommand("VERSION")
	if err != nil {
		return
	}
	var data VersionData
	if err := response.DecodeData(&data); err != nil || data.Version == "" {
		return
	}
	if msg := core.VersionMismatch(core.Version, data.Version); msg != "" {
		slog.Warn(msg)
	}
}

// ReadPIDFile returns the PID recorded by the running host.
func ReadPIDFile() (int, error) {
	raw, err := os.ReadFile(core.GetPIDFilePath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file %s: %w", core.GetPIDFilePath(), err)
	}
	return pid, nil
}

// TerminateByPIDFile sends SIGTERM to the host named in the PID file, after
// checking that the PID still belongs to a tunnel-proxy process.
func TerminateByPIDFile() (int, error) {
	pid, err := ReadPIDFile()
	if err != nil {
		return 0, err
	}
	if !ValidateHostProcess(pid) {
		return pid, fmt.Errorf("process %d is not a running tunnel-proxy host", pid)
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	return pid, process.Signal(syscall.SIGTERM)
}
