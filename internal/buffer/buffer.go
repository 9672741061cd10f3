// Package buffer provides a durable on-disk queue for interactions that
// could not be persisted, so capture requests survive storage outages and
// process crashes. Each record is one file; writes are atomic via temp
// file and rename, and draining claims files by rename so a record is
// replayed at most once per drain even under concurrent drains.
package buffer

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("recovery buffer closed")
)

const (
	recordExt      = ".rec"
	claimedExt     = ".claimed"
	quarantineExt  = ".dead"
	tempPrefix     = ".tmp-"
	dirPermissions = 0o700
)

// Record is one buffered interaction awaiting replay.
type Record struct {
	SessionID    string
	UserText     string
	ResponseText string
	ToolsUsed    []string
	Timestamp    time.Time
	// BufferedAt is when the record entered the buffer.
	BufferedAt time.Time
}

// Buffer is the durable queue. Safe for concurrent use; each operation
// works on independent files.
type Buffer struct {
	dir    string
	logger *zap.Logger
	closed chan struct{}
}

// Open creates the buffer directory if needed and returns the queue.
// Records from previous runs are left in place for the next drain;
// records claimed by a drain that crashed before replaying are returned
// to the queue.
func Open(dir string, logger *zap.Logger) (*Buffer, error) {
	if dir == "" {
		return nil, errors.New("buffer: directory required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("buffer: create directory: %w", err)
	}

	b := &Buffer{
		dir:    dir,
		logger: logger.Named("buffer"),
		closed: make(chan struct{}),
	}
	if err := b.recoverClaimed(); err != nil {
		return nil, err
	}
	return b, nil
}

// recoverClaimed unclaims records left behind by a drain that crashed
// between claiming a file and replaying it. Re-replaying a record whose
// submission actually landed is harmless: the content hash makes it a
// duplicate.
func (b *Buffer) recoverClaimed() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("buffer: list directory: %w", err)
	}

	recovered := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt+claimedExt) {
			continue
		}
		orig := strings.TrimSuffix(name, claimedExt)
		if err := os.Rename(filepath.Join(b.dir, name), filepath.Join(b.dir, orig)); err != nil {
			return fmt.Errorf("buffer: recover claimed record %s: %w", name, err)
		}
		recovered++
	}
	if recovered > 0 {
		b.logger.Warn("returned claimed records to the queue", zap.Int("records", recovered))
	}
	return nil
}

// Enqueue durably stores one record. The file only appears under its
// final name once fully written and synced, so a crash mid-write leaves
// at worst a temp file that is ignored by Drain.
func (b *Buffer) Enqueue(rec Record) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	if rec.BufferedAt.IsZero() {
		rec.BufferedAt = time.Now().UTC()
	}

	// Timestamp prefix keeps directory listings in arrival order; the
	// UUID avoids collisions within a nanosecond.
	name := fmt.Sprintf("%d_%s%s", rec.BufferedAt.UnixNano(), uuid.NewString(), recordExt)
	final := filepath.Join(b.dir, name)

	tmp, err := os.CreateTemp(b.dir, tempPrefix)
	if err != nil {
		return fmt.Errorf("buffer: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := gob.NewEncoder(tmp).Encode(&rec); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("buffer: encode record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("buffer: sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("buffer: close record: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("buffer: commit record: %w", err)
	}

	b.logger.Debug("interaction buffered", zap.String("file", name))
	return nil
}

// Len counts pending records.
func (b *Buffer) Len() (int, error) {
	names, err := b.pending()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// ReplayFunc handles one drained record. An error leaves the record in
// the buffer for a later drain.
type ReplayFunc func(ctx context.Context, rec Record) error

// Drain replays pending records in arrival order and reports how many
// were handed off. Each file is claimed by rename before decoding, so
// two concurrent drains never replay the same record. Records whose
// handler fails are unclaimed back into the queue; records that cannot
// be decoded are quarantined instead of blocking the queue.
func (b *Buffer) Drain(ctx context.Context, fn ReplayFunc) (int, error) {
	select {
	case <-b.closed:
		return 0, ErrClosed
	default:
	}

	names, err := b.pending()
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return drained, err
		}

		path := filepath.Join(b.dir, name)
		claimed := path + claimedExt
		if err := os.Rename(path, claimed); err != nil {
			// Another drain took it first.
			if os.IsNotExist(err) {
				continue
			}
			return drained, fmt.Errorf("buffer: claim %s: %w", name, err)
		}

		rec, err := readRecord(claimed)
		if err != nil {
			// A torn or corrupt record would fail on every drain; set it
			// aside so the rest of the queue keeps moving.
			dead := path + quarantineExt
			if renameErr := os.Rename(claimed, dead); renameErr != nil {
				b.logger.Error("failed to quarantine corrupt record",
					zap.String("file", name), zap.Error(renameErr))
			} else {
				b.logger.Warn("quarantined corrupt record",
					zap.String("file", name), zap.Error(err))
			}
			continue
		}

		if err := fn(ctx, rec); err != nil {
			if renameErr := os.Rename(claimed, path); renameErr != nil {
				b.logger.Error("failed to return record to queue",
					zap.String("file", name), zap.Error(renameErr))
			}
			b.logger.Warn("replay failed, record kept",
				zap.String("file", name), zap.Error(err))
			continue
		}

		if err := os.Remove(claimed); err != nil {
			b.logger.Error("failed to remove drained record",
				zap.String("file", name), zap.Error(err))
		}
		drained++
	}

	if drained > 0 {
		b.logger.Info("recovery buffer drained", zap.Int("records", drained))
	}
	return drained, nil
}

// Close marks the buffer closed. Pending record files stay on disk.
func (b *Buffer) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
		close(b.closed)
	}
	return nil
}

// pending lists record files sorted by name, which is arrival order
// thanks to the nanosecond prefix.
func (b *Buffer) pending() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("buffer: list directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, tempPrefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func readRecord(path string) (Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Record{}, fmt.Errorf("buffer: open record: %w", err)
	}
	defer f.Close()

	var rec Record
	if err := gob.NewDecoder(f).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("buffer: decode record: %w", err)
	}
	return rec, nil
}
