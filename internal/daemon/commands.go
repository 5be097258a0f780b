package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avanderhoorn/tunnel-proxy-release/internal/core"
	"github.com/avanderhoorn/tunnel-proxy-release/internal/pool"
)

const (
	reconnectTimeout   = 2 * time.Minute
	defaultLogsHistory = 20
)

// StatusData is the payload of STATUS.
type StatusData struct {
	State      string        `json:"state"`
	TunnelID   string        `json:"tunnel_id,omitempty"`
	ClusterID  string        `json:"cluster_id,omitempty"`
	Port       int           `json:"port,omitempty"`
	Since      string        `json:"since"`
	RetryCount int           `json:"retry_count"`
	NextRetry  string        `json:"next_retry,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Clients    int           `json:"clients"`
	Sessions   int           `json:"sessions"`
	Bindings   int           `json:"bindings"`
	Workers    int           `json:"workers"`
	RunID      string        `json:"run_id"`
	PID        int           `json:"pid"`
	StartedAt  string        `json:"started_at"`
	Events     []EventRecord `json:"events,omitempty"`
}

// EventRecord is one row of recent history from the event log.
type EventRecord struct {
	Time    string `json:"time"`
	Kind    string `json:"kind"`
	Subject string `json:"subject,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

// PoolData is the payload of POOL.
type PoolData struct {
	GracePeriod string            `json:"grace_period"`
	Workers     []pool.EntryStats `json:"workers"`
	Events      []EventRecord     `json:"events,omitempty"`
}

// VersionData is the payload of VERSION.
type VersionData struct {
	Version string `json:"version"`
	PID     int    `json:"pid"`
	RunID   string `json:"run_id"`
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := strings.ToUpper(parts[0]), parts[1:]

	switch command {
	case "VERSION", "STATUS":
		d.logger.Debug("Executing command", "command", command, "args", args)
	default:
		d.logger.Info("Executing command", "command", command, "args", args)
	}

	var response Response
	switch command {
	case "STATUS":
		response = d.getStatus(intArg(args, 0, 0))
	case "POOL":
		response = d.getPool(intArg(args, 0, 0))
	case "RECONNECT":
		response = d.reconnect(NewStreamingResponse(conn))
	case "LOGS":
		showHistory := !(len(args) > 1 && args[1] == "no_history")
		d.handleLogsWithHistory(conn, showHistory, intArg(args, 0, defaultLogsHistory))
		return
	case "STOP":
		response = d.stopDaemon()
		conn.Write([]byte(response.ToJSON()))
		go d.Shutdown()
		return
	case "VERSION":
		response = d.getVersion()
	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), StatusError)
	}

	conn.Write([]byte(response.ToJSON()))
}

func intArg(args []string, i, fallback int) int {
	if i >= len(args) {
		return fallback
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (d *Daemon) getStatus(eventLimit int) Response {
	st := d.tunnel.Status()
	hs := d.host.Stats()

	data := StatusData{
		State:      st.State.String(),
		Since:      st.Since.Format(time.RFC3339),
		RetryCount: st.RetryCount,
		LastError:  st.LastError,
		Clients:    hs.Clients,
		Sessions:   hs.Sessions,
		Bindings:   hs.Bindings,
		Workers:    len(d.pool.Stats()),
		RunID:      d.runID,
		PID:        os.Getpid(),
		StartedAt:  d.startedAt.Format(time.RFC3339),
	}
	if st.Endpoint != nil {
		data.TunnelID = st.Endpoint.TunnelID
		data.ClusterID = st.Endpoint.ClusterID
		data.Port = st.Endpoint.Port
	}
	if !st.NextRetry.IsZero() {
		data.NextRetry = st.NextRetry.Format(time.RFC3339)
	}

	if eventLimit > 0 && d.database != nil {
		events, err := d.database.GetRecentTunnelEvents(eventLimit)
		if err != nil {
			d.logger.Warn("Failed to read tunnel events", "error", err)
		}
		for _, e := range events {
			data.Events = append(data.Events, EventRecord{
				Time:    e.Timestamp.Format(time.RFC3339),
				Kind:    e.State,
				Subject: e.TunnelID,
				Reason:  e.Reason,
				Details: e.Details,
			})
		}
	}

	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(data)
	return response
}

func (d *Daemon) getPool(eventLimit int) Response {
	data := PoolData{
		GracePeriod: d.pool.GracePeriod().String(),
		Workers:     d.pool.Stats(),
	}

	if eventLimit > 0 && d.database != nil {
		events, err := d.database.GetRecentPoolEvents("", eventLimit)
		if err != nil {
			d.logger.Warn("Failed to read pool events", "error", err)
		}
		for _, e := range events {
			data.Events = append(data.Events, EventRecord{
				Time:    e.Timestamp.Format(time.RFC3339),
				Kind:    e.EventType,
				Subject: e.WorkingDirectory,
				Details: e.Details,
			})
		}
	}

	response := Response{}
	if len(data.Workers) == 0 {
		response.AddMessage("No workers running", StatusInfo)
	} else {
		response.AddMessage("OK", StatusInfo)
	}
	response.AddData(data)
	return response
}

func (d *Daemon) reconnect(stream *StreamingResponse) Response {
	response := Response{}
	stream.WriteMessage("Reconnecting tunnel...", StatusInfo)

	ctx, cancel := context.WithTimeout(d.ctx, reconnectTimeout)
	defer cancel()

	ep, err := d.tunnel.Reconnect(ctx)
	switch {
	case err != nil:
		response.AddMessage(fmt.Sprintf("Reconnect failed: %v", err), StatusError)
	case ep == nil:
		st := d.tunnel.Status()
		msg := "Tunnel is not connected yet, retrying in the background"
		if st.LastError != "" {
			msg = fmt.Sprintf("%s (last error: %s)", msg, st.LastError)
		}
		response.AddMessage(msg, StatusWarn)
	default:
		response.AddMessage(fmt.Sprintf("Connected to tunnel %s on port %d", ep.TunnelID, ep.Port), StatusInfo)
	}
	return response
}

func (d *Daemon) stopDaemon() Response {
	response := Response{}

	if clients := d.host.Stats().Clients; clients > 0 {
		response.AddMessage(fmt.Sprintf("Stopping tunnel-proxy and disconnecting %d client(s)...", clients), StatusInfo)
	} else {
		response.AddMessage("Stopping tunnel-proxy...", StatusInfo)
	}

	return response
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(VersionData{
		Version: core.Version,
		PID:     os.Getpid(),
		RunID:   d.runID,
	})
	return response
}
