package db

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T, runID string) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"), runID)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_OpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, "run-1")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.RunID() != "run-1" {
		t.Errorf("Expected run id 'run-1', got '%v'", db.RunID())
	}
	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}

func TestDB_ReopenKeepsEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := Open(dbPath, "run-1")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := first.LogHostEvent("start", "pid 42"); err != nil {
		t.Fatalf("Failed to log host event: %v", err)
	}
	first.Close()

	second, err := Open(dbPath, "run-2")
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer second.Close()
	second.LogHostEvent("start", "pid 43")

	events, err := second.GetRecentHostEvents(10)
	if err != nil {
		t.Fatalf("Failed to query host events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 host events, got %d", len(events))
	}
	if events[0].RunID != "run-2" || events[1].RunID != "run-1" {
		t.Errorf("Expected newest first with run ids, got %+v", events)
	}
}

func TestDB_LogTunnelEvent(t *testing.T) {
	db := openTestDB(t, "run-1")

	if last, err := db.GetLastTunnelEvent(); err != nil || last != nil {
		t.Fatalf("Expected no tunnel event, got %+v (%v)", last, err)
	}

	db.LogTunnelEvent("", "connecting", "start", "")
	db.LogTunnelEvent("tun-1", "connected", "start", "cluster usw2")
	db.LogTunnelEvent("tun-1", "disconnected", "keepalive failed", "timeout")

	events, err := db.GetRecentTunnelEvents(2)
	if err != nil {
		t.Fatalf("Failed to query tunnel events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].State != "disconnected" || events[0].Reason != "keepalive failed" || events[0].Details != "timeout" {
		t.Errorf("Unexpected newest event %+v", events[0])
	}
	if events[1].TunnelID != "tun-1" || events[1].State != "connected" {
		t.Errorf("Unexpected second event %+v", events[1])
	}

	last, err := db.GetLastTunnelEvent()
	if err != nil || last == nil || last.State != "disconnected" {
		t.Errorf("Expected last event to be the disconnect, got %+v (%v)", last, err)
	}
}

func TestDB_LogPoolEvent(t *testing.T) {
	db := openTestDB(t, "run-1")

	db.LogPoolEvent("/work/a", "spawned", 100, 1, "")
	db.LogPoolEvent("/work/b", "spawned", 101, 1, "")
	db.LogPoolEvent("/work/a", "idle", 100, 0, "")
	db.LogPoolEvent("/work/a", "terminated", 100, 0, "grace period elapsed")

	all, err := db.GetRecentPoolEvents("", 10)
	if err != nil {
		t.Fatalf("Failed to query pool events: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("Expected 4 pool events, got %d", len(all))
	}

	forA, err := db.GetRecentPoolEvents("/work/a", 10)
	if err != nil {
		t.Fatalf("Failed to query pool events: %v", err)
	}
	if len(forA) != 3 {
		t.Fatalf("Expected 3 events for /work/a, got %d", len(forA))
	}
	if forA[0].EventType != "terminated" || forA[0].PID != 100 || forA[0].Details != "grace period elapsed" {
		t.Errorf("Unexpected newest event %+v", forA[0])
	}
	if forA[2].EventType != "spawned" || forA[2].RefCount != 1 {
		t.Errorf("Unexpected oldest event %+v", forA[2])
	}
}

func TestDB_ClientAndNetworkEvents(t *testing.T) {
	db := openTestDB(t, "run-1")

	db.LogClientEvent(1, "connected")
	db.LogClientEvent(2, "connected")
	db.LogClientEvent(1, "disconnected")
	db.LogNetworkEvent("system-woke", "gap 5m0s")

	n, err := db.CountClientEvents("run-1", "connected")
	if err != nil {
		t.Fatalf("Failed to count client events: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 connects, got %d", n)
	}
	if n, _ := db.CountClientEvents("run-2", "connected"); n != 0 {
		t.Errorf("Expected no events for another run, got %d", n)
	}

	events, err := db.GetRecentNetworkEvents(5)
	if err != nil {
		t.Fatalf("Failed to query network events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "system-woke" || events[0].Details != "gap 5m0s" {
		t.Errorf("Unexpected network events %+v", events)
	}
}

func TestDB_Flush(t *testing.T) {
	db := openTestDB(t, "run-1")
	db.LogHostEvent("start", "")
	if err := db.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
}
