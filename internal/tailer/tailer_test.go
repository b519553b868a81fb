package tailer

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trailwatch/geotrail/internal/db"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return database
}

func TestLoadPosition_NoSavedPosition(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	offset, inode, size, err := loadPosition(database, "/test/path")
	if err != nil {
		t.Fatalf("expected no error for missing position, got: %v", err)
	}
	if offset != 0 || inode != 0 || size != 0 {
		t.Errorf("expected zeros for missing position, got offset=%d inode=%d size=%d", offset, inode, size)
	}
}

func TestSaveAndLoadPosition(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	testPath := "/test/log/file.log"
	testOffset, testInode, testSize := int64(1234), int64(5678), int64(9012)

	if err := savePosition(database, testPath, testOffset, testInode, testSize); err != nil {
		t.Fatalf("failed to save position: %v", err)
	}

	offset, inode, size, err := loadPosition(database, testPath)
	if err != nil {
		t.Fatalf("failed to load position: %v", err)
	}
	if offset != testOffset || inode != testInode || size != testSize {
		t.Errorf("expected (%d,%d,%d), got (%d,%d,%d)", testOffset, testInode, testSize, offset, inode, size)
	}
}

func TestSavePosition_Upsert(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	testPath := "/test/log/file.log"
	if err := savePosition(database, testPath, 100, 200, 300); err != nil {
		t.Fatalf("failed to save initial position: %v", err)
	}
	if err := savePosition(database, testPath, 400, 500, 600); err != nil {
		t.Fatalf("failed to update position: %v", err)
	}

	offset, inode, size, err := loadPosition(database, testPath)
	if err != nil {
		t.Fatalf("failed to load position: %v", err)
	}
	if offset != 400 || inode != 500 || size != 600 {
		t.Errorf("expected updated values (400,500,600), got (%d,%d,%d)", offset, inode, size)
	}
}

func TestTailer_ReadNewLines(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")
	if err := os.WriteFile(logPath, []byte("line 1\nline 2\n"), 0644); err != nil {
		t.Fatalf("failed to write test log: %v", err)
	}

	tl := New(logPath, database, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	events := make(chan Event, 10)
	errChan := make(chan error, 1)
	go func() { errChan <- tl.Run(ctx, events) }()

	collected := collectLines(events, 2, 500*time.Millisecond)
	if len(collected) < 2 {
		t.Errorf("expected at least 2 lines, got %d: %v", len(collected), collected)
	}
	if len(collected) >= 1 && collected[0] != "line 1" {
		t.Errorf("expected 'line 1', got '%s'", collected[0])
	}
	if len(collected) >= 2 && collected[1] != "line 2" {
		t.Errorf("expected 'line 2', got '%s'", collected[1])
	}

	cancel()
	<-errChan
}

func TestTailer_ResumeFromOffset(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")
	initialContent := "line 1\nline 2\n"
	if err := os.WriteFile(logPath, []byte(initialContent), 0644); err != nil {
		t.Fatalf("failed to write test log: %v", err)
	}

	stat, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("failed to stat file: %v", err)
	}

	offset := int64(len("line 1\n"))
	inode, _ := inodeOf(stat)
	size := int64(len(initialContent))
	if err := savePosition(database, logPath, offset, inode, size); err != nil {
		t.Fatalf("failed to save position: %v", err)
	}

	tl := New(logPath, database, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	events := make(chan Event, 10)
	errChan := make(chan error, 1)
	go func() { errChan <- tl.Run(ctx, events) }()

	collected := collectLines(events, 1, 500*time.Millisecond)
	if len(collected) != 1 {
		t.Errorf("expected 1 line (resumed from offset), got %d: %v", len(collected), collected)
	}
	if len(collected) >= 1 && collected[0] != "line 2" {
		t.Errorf("expected 'line 2', got '%s'", collected[0])
	}

	cancel()
	<-errChan
}

func TestTailer_AppendNewLines(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")
	if err := os.WriteFile(logPath, []byte("line 1\n"), 0644); err != nil {
		t.Fatalf("failed to write test log: %v", err)
	}

	tl := New(logPath, database, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 10)
	errChan := make(chan error, 1)
	go func() { errChan <- tl.Run(ctx, events) }()

	collectLines(events, 1, 300*time.Millisecond)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("failed to open file for append: %v", err)
	}
	if _, err := f.WriteString("line 2\nline 3\n"); err != nil {
		t.Fatalf("failed to append lines: %v", err)
	}
	f.Close()

	collected := collectLines(events, 2, time.Second)
	if len(collected) < 2 {
		t.Errorf("expected at least 2 new lines, got %d: %v", len(collected), collected)
	}

	cancel()
	<-errChan
}

func TestTailer_CopytruncateDetection(t *testing.T) {
	database := setupTestDB(t)
	defer database.Close()

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")
	// Large enough that truncating down to "new line 1\n" is a >=99% size
	// decrease, the threshold the rotation detector requires.
	initialContent := "line padding to reach a large prior size. " + strings.Repeat("x", 3000) + "\n"
	if err := os.WriteFile(logPath, []byte(initialContent), 0644); err != nil {
		t.Fatalf("failed to write test log: %v", err)
	}

	stat, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("failed to stat file: %v", err)
	}
	inode, _ := inodeOf(stat)
	offset := int64(len(initialContent))
	size := int64(len(initialContent))
	if err := savePosition(database, logPath, offset, inode, size); err != nil {
		t.Fatalf("failed to save position: %v", err)
	}

	// Truncate file to a size far smaller than offset (copytruncate simulation).
	if err := os.WriteFile(logPath, []byte("new line 1\n"), 0644); err != nil {
		t.Fatalf("failed to truncate file: %v", err)
	}

	tl := New(logPath, database, time.Second)
	events := make(chan Event, 10)
	ctx := context.Background()

	sawLine, _, _, _, err := tl.processTick(ctx, events, offset, inode, size)
	if err != nil {
		t.Fatalf("processTick failed: %v", err)
	}
	if !sawLine {
		t.Fatalf("expected a line after truncation")
	}

	collected := collectLines(events, 1, 200*time.Millisecond)
	if len(collected) != 1 || collected[0] != "new line 1" {
		t.Errorf("expected ['new line 1'], got %v", collected)
	}
}

func collectLines(events <-chan Event, count int, timeout time.Duration) []string {
	var collected []string
	deadline := time.After(timeout)
	for len(collected) < count {
		select {
		case ev := <-events:
			if !ev.Idle {
				collected = append(collected, ev.Line)
			}
		case <-deadline:
			return collected
		}
	}
	return collected
}
