// Package tailer implements a poll-based log file follower that survives
// rotation and truncation by an external writer.
package tailer

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/trailwatch/geotrail/internal/clock"
)

// Event is one item in the tailer's sequence: either a line or, when there
// was nothing new to read this poll, an idle tick.
type Event struct {
	Line string
	Idle bool
}

// Tailer implements a poll-based log file tailer with position tracking,
// copytruncate detection, and rotation handling via inode checks.
type Tailer struct {
	path         string
	db           *sql.DB
	pollInterval time.Duration
}

// New creates a new Tailer for the given log file path and poll interval.
func New(path string, db *sql.DB, pollInterval time.Duration) *Tailer {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Tailer{path: path, db: db, pollInterval: pollInterval}
}

// Run starts the tailer loop. It polls the log file at regular intervals,
// detects rotations and truncations, and sends lines and idle ticks to the
// channel. Blocks until ctx is cancelled.
func (t *Tailer) Run(ctx context.Context, events chan<- Event) error {
	log.Printf("tailer: starting for %s", t.path)

	savedOffset, savedInode, savedSize, err := loadPosition(t.db, t.path)
	if err != nil {
		return fmt.Errorf("failed to load position: %w", err)
	}
	log.Printf("tailer: loaded position offset=%d inode=%d size=%d", savedOffset, savedInode, savedSize)

	for {
		select {
		case <-ctx.Done():
			log.Printf("tailer: stopping (context cancelled)")
			return ctx.Err()
		default:
		}

		sawLine, newOffset, newInode, newSize, err := t.processTick(ctx, events, savedOffset, savedInode, savedSize)
		if err != nil {
			log.Printf("tailer: tick error: %v", err)
		} else {
			savedOffset, savedInode, savedSize = newOffset, newInode, newSize
		}

		if !sawLine {
			select {
			case events <- Event{Idle: true}:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case <-clock.Get().After(t.pollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// processTick handles a single poll iteration: stat the file, detect
// rotation/truncation, read any new lines, and persist the new position.
func (t *Tailer) processTick(ctx context.Context, events chan<- Event, savedOffset, savedInode, savedSize int64) (sawLine bool, newOffset, newInode, newSize int64, err error) {
	stat, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, savedOffset, savedInode, savedSize, fmt.Errorf("file does not exist yet: %w", err)
		}
		return false, savedOffset, savedInode, savedSize, fmt.Errorf("stat failed: %w", err)
	}

	currentInode, ok := inodeOf(stat)
	if !ok {
		log.Printf("tailer: could not read inode, treating as not rotated")
		currentInode = savedInode
	}
	currentSize := stat.Size()

	startOffset := savedOffset
	if rotated(savedInode, currentInode, savedSize, currentSize) {
		log.Printf("tailer: rotation detected, starting from beginning")
		startOffset = 0
	}

	if startOffset >= currentSize {
		return false, startOffset, currentInode, currentSize, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return false, savedOffset, savedInode, savedSize, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(startOffset, 0); err != nil {
		return false, savedOffset, savedInode, savedSize, fmt.Errorf("failed to seek to offset %d: %w", startOffset, err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineCount := 0
	offset := startOffset

	for scanner.Scan() {
		line := scanner.Text()
		offset += int64(len(scanner.Bytes())) + 1
		if line == "" {
			continue
		}
		select {
		case events <- Event{Line: line}:
			lineCount++
		case <-ctx.Done():
			return lineCount > 0, offset, currentInode, currentSize, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return lineCount > 0, offset, currentInode, currentSize, fmt.Errorf("scanner error: %w", err)
	}

	if err := savePosition(t.db, t.path, offset, currentInode, currentSize); err != nil {
		return lineCount > 0, offset, currentInode, currentSize, fmt.Errorf("failed to save position: %w", err)
	}

	return lineCount > 0, offset, currentInode, currentSize, nil
}

// rotated implements the dual rotation trigger: an inode change, or a size
// decrease of at least 99% relative to the last successful read. A hidden
// escape hatch (DISABLE_ROTATION_CHECK) forces this to always report false;
// used in tests that exercise plain append-only growth.
func rotated(savedInode, currentInode, savedSize, currentSize int64) bool {
	if os.Getenv("DISABLE_ROTATION_CHECK") != "" {
		return false
	}
	if currentInode != savedInode {
		return true
	}
	if savedSize <= 0 {
		return false
	}
	if currentSize >= savedSize {
		return false
	}
	decrease := float64(savedSize-currentSize) / float64(savedSize)
	return decrease >= 0.99
}

func inodeOf(stat os.FileInfo) (int64, bool) {
	sys, ok := stat.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return int64(sys.Ino), true
}

// loadPosition retrieves the saved file position from the database.
// Returns zeros if no position is saved yet.
func loadPosition(db *sql.DB, path string) (offset, inode, size int64, err error) {
	query := `SELECT offset, inode, size FROM log_position WHERE file = ?`
	err = db.QueryRow(query, path).Scan(&offset, &inode, &size)
	if err == sql.ErrNoRows {
		return 0, 0, 0, nil
	}
	if err != nil {
		return 0, 0, 0, fmt.Errorf("query failed: %w", err)
	}
	return offset, inode, size, nil
}

// savePosition persists the current file position to the database using UPSERT.
func savePosition(db *sql.DB, path string, offset, inode, size int64) error {
	query := `
		INSERT INTO log_position (file, offset, inode, size)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file) DO UPDATE SET
			offset = excluded.offset,
			inode = excluded.inode,
			size = excluded.size
	`
	_, err := db.Exec(query, path, offset, inode, size)
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}
