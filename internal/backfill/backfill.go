// Package backfill imports rotated log files that predate the tailer's
// live position, so a restart after downtime doesn't silently lose the
// files logrotate already rolled over.
package backfill

import (
	"bufio"
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/trailwatch/geotrail/internal/geoip"
	"github.com/trailwatch/geotrail/internal/parser"
	"github.com/trailwatch/geotrail/internal/persister"
)

// Run imports rotated log files (access.log.1, access.log.2.gz, etc.) that
// haven't been imported yet, oldest-first, through a dedicated Persister,
// then marks each file as imported.
func Run(ctx context.Context, db *sql.DB, logPath string, p *parser.Parser, enricher *geoip.Enricher, cfg persister.Config) error {
	dir := filepath.Dir(logPath)
	baseName := filepath.Base(logPath)

	files, err := findRotatedFiles(dir, baseName)
	if err != nil {
		return fmt.Errorf("finding rotated files: %w", err)
	}

	var pending []rotatedFile
	for _, f := range files {
		imported, err := isImported(db, f.path)
		if err != nil {
			return fmt.Errorf("checking import status for %s: %w", f.path, err)
		}
		if !imported {
			pending = append(pending, f)
		}
	}

	if len(pending) == 0 {
		return nil
	}

	log.Printf("backfill: %d rotated file(s) to import", len(pending))

	pers := persister.New(db, enricher, cfg, nil)

	for _, f := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		log.Printf("backfill: importing %s", f.path)
		if err := processFile(ctx, f, p, pers); err != nil {
			return fmt.Errorf("processing %s: %w", f.path, err)
		}

		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", f.path, err)
		}
		if err := markImported(db, f.path, info.Size()); err != nil {
			return fmt.Errorf("marking %s as imported: %w", f.path, err)
		}
	}

	if err := pers.Commit(ctx); err != nil {
		return fmt.Errorf("final commit: %w", err)
	}

	log.Printf("backfill: complete")
	return nil
}

// rotatedFile represents a rotated log file with its numeric suffix for sorting.
type rotatedFile struct {
	path string
	num  int
}

// findRotatedFiles scans dir for files matching {baseName}.{N} and
// {baseName}.{N}.gz. Returns them sorted by N descending (oldest first,
// since higher N = older in logrotate convention).
func findRotatedFiles(dir, baseName string) ([]rotatedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	prefix := baseName + "."
	var files []rotatedFile

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		suffix := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".gz")
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}

		files = append(files, rotatedFile{path: filepath.Join(dir, name), num: n})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].num > files[j].num
	})

	return files, nil
}

// isImported checks if a rotated file has already been fully imported.
// A file is considered imported if a log_position row exists with offset == size > 0.
func isImported(db *sql.DB, path string) (bool, error) {
	var offset, size int64
	err := db.QueryRow(
		"SELECT offset, size FROM log_position WHERE file = ?", path,
	).Scan(&offset, &size)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return offset == size && size > 0, nil
}

// markImported records that a rotated file has been fully imported.
func markImported(db *sql.DB, path string, size int64) error {
	_, err := db.Exec(`
		INSERT INTO log_position (file, offset, inode, size)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(file) DO UPDATE SET
			offset = excluded.offset,
			inode = excluded.inode,
			size = excluded.size
	`, path, size, size)
	return err
}

// processFile reads all lines from a rotated file (plain or gzip) and folds
// each parsed record that a recogniser matched into pers; unmatched lines
// are skipped.
func processFile(ctx context.Context, f rotatedFile, p *parser.Parser, pers *persister.Persister) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	var scanner *bufio.Scanner
	if strings.HasSuffix(f.path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("opening gzip reader: %w", err)
		}
		defer gz.Close()
		scanner = bufio.NewScanner(gz)
	} else {
		scanner = bufio.NewScanner(file)
	}

	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	count := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		rec := p.ParseLine(line)
		if rec.Matched {
			if err := pers.Process(ctx, rec); err != nil {
				return fmt.Errorf("persist record: %w", err)
			}
		}
		count++

		if count%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	log.Printf("backfill: read %d lines from %s", count, f.path)
	return nil
}
