package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

// envelope is one line of a partition log.
type envelope struct {
	Seq    int64              `json:"seq"`
	Record harvest.CaseRecord `json:"record"`
}

// Partition is the persisted state of one (registry, case type, year range).
// All methods are safe for concurrent use; puts are serialized.
type Partition struct {
	key    harvest.PartitionKey
	path   string
	fsync  bool
	logger *zap.Logger

	mu       sync.Mutex
	file     *os.File
	size     int64
	seq      int64
	known    map[string]struct{}
	stored   int
	inserted int
	skipped  int
	closed   bool
}

func openPartition(key harvest.PartitionKey, path string, fsync bool, logger *zap.Logger) (*Partition, error) {
	p := &Partition{
		key:    key,
		path:   path,
		fsync:  fsync,
		logger: logger.With(zap.Stringer("partition", key)),
		known:  make(map[string]struct{}),
	}
	var dropped int
	err := readLog(path, func(env envelope) {
		p.seq = max(p.seq, env.Seq)
		if _, dup := p.known[env.Record.CaseNo]; dup {
			return
		}
		p.known[env.Record.CaseNo] = struct{}{}
		p.stored++
	}, &p.size, &dropped)
	if err != nil {
		return nil, &harvest.RecoverableIOError{Partition: key, Path: path, Err: err}
	}
	if dropped > 0 {
		p.logger.Warn("discarding partial trailing record", zap.Int("bytes", dropped))
	}
	if p.stored > 0 {
		p.logger.Info("partition resumed", zap.Int("records", p.stored))
	}
	return p, nil
}

// readLog decodes every complete line of the log at path. size receives the
// byte length of the complete lines; dropped the length of a partial tail.
func readLog(path string, fn func(envelope), size *int64, dropped *int) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is built from a validated partition key.
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}
	complete := data
	if i := bytes.LastIndexByte(data, '\n'); i+1 < len(data) {
		complete = data[:i+1]
		*dropped = len(data) - len(complete)
	}
	*size = int64(len(complete))
	line := 0
	for len(complete) > 0 {
		line++
		i := bytes.IndexByte(complete, '\n')
		raw := bytes.TrimSpace(complete[:i])
		complete = complete[i+1:]
		if len(raw) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if !env.Record.HasKey() {
			return fmt.Errorf("line %d: record has no case number", line)
		}
		fn(env)
	}
	return nil
}

// Key returns the partition key.
func (p *Partition) Key() harvest.PartitionKey {
	return p.key
}

// Has reports whether caseNo is already stored.
func (p *Partition) Has(caseNo string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.known[caseNo]
	return ok
}

// Put appends rec unless its case number is already known. A skip performs
// no I/O. Records without a case number are rejected.
func (p *Partition) Put(ctx context.Context, rec harvest.CaseRecord) (harvest.PutResult, error) {
	if !rec.HasKey() {
		return 0, fmt.Errorf("put into %s: record has no case number", p.key)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.known[rec.CaseNo]; ok {
		p.skipped++
		return harvest.Skipped, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("put into %s: %w", p.key, err)
	}
	if p.closed {
		return 0, fmt.Errorf("put into %s: partition closed", p.key)
	}
	line, err := json.Marshal(envelope{Seq: p.seq + 1, Record: rec})
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", rec.CaseNo, err)
	}
	line = append(line, '\n')
	if err := p.append(line); err != nil {
		return 0, err
	}
	p.seq++
	p.known[rec.CaseNo] = struct{}{}
	p.stored++
	p.inserted++
	return harvest.Inserted, nil
}

// append writes one complete line. On a short or failed write the log is
// truncated back to its previous length.
func (p *Partition) append(line []byte) error {
	if p.file == nil {
		if err := p.openForAppend(); err != nil {
			return err
		}
	}
	n, err := p.file.Write(line)
	if err == nil && p.fsync {
		err = p.file.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := p.file.Truncate(p.size); terr != nil {
				p.logger.Error("rollback partial append failed", zap.Error(terr))
			}
			if _, serr := p.file.Seek(p.size, io.SeekStart); serr != nil {
				p.logger.Error("reposition after rollback failed", zap.Error(serr))
			}
		}
		return fmt.Errorf("append to %s: %w", p.key, err)
	}
	p.size += int64(n)
	return nil
}

func (p *Partition) openForAppend() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}
	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 -- path is built from a validated partition key.
	if err != nil {
		return fmt.Errorf("open partition log: %w", err)
	}
	// Drop any partial tail found at load before the first append.
	if err := f.Truncate(p.size); err != nil {
		_ = f.Close()
		return fmt.Errorf("truncate partition log: %w", err)
	}
	if _, err := f.Seek(p.size, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("seek partition log: %w", err)
	}
	p.file = f
	return nil
}

// Stats returns the partition's counters. Stored includes records loaded
// from earlier runs; Inserted and Skipped count this process only.
func (p *Partition) Stats() harvest.PartitionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return harvest.PartitionStats{Stored: p.stored, Inserted: p.inserted, Skipped: p.skipped}
}

// Records reads every stored record in append order.
func (p *Partition) Records() ([]harvest.CaseRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		out     []harvest.CaseRecord
		seen    = make(map[string]struct{}, len(p.known))
		size    int64
		dropped int
	)
	err := readLog(p.path, func(env envelope) {
		if _, dup := seen[env.Record.CaseNo]; dup {
			return
		}
		seen[env.Record.CaseNo] = struct{}{}
		out = append(out, env.Record)
	}, &size, &dropped)
	if err != nil {
		return nil, &harvest.RecoverableIOError{Partition: p.key, Path: p.path, Err: err}
	}
	return out, nil
}

// Close releases the log file. Further puts fail.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	if err != nil {
		return fmt.Errorf("close partition %s: %w", p.key, err)
	}
	return nil
}
