package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

const (
	logFileName     = "cases.jsonl"
	snapshotName    = "cases.json"
	summaryFileName = "summary.json"
	corruptSuffix   = ".corrupt-"
)

// Config captures store settings.
type Config struct {
	// RootDir is the directory holding every partition.
	RootDir string `mapstructure:"root_dir" yaml:"root_dir"`
	// Fsync syncs the log after every append.
	Fsync bool `mapstructure:"fsync" yaml:"fsync"`
}

// Store hands out partitions rooted at one directory. Open returns the same
// *Partition for the same key until Close.
type Store struct {
	root   string
	fsync  bool
	clock  harvest.Clock
	logger *zap.Logger

	mu    sync.Mutex
	parts map[harvest.PartitionKey]*Partition
}

// New creates the root directory if needed.
func New(cfg Config, clock harvest.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.RootDir) == "" {
		return nil, fmt.Errorf("store root directory is required")
	}
	if err := os.MkdirAll(cfg.RootDir, 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = utcClock{}
	}
	return &Store{
		root:   cfg.RootDir,
		fsync:  cfg.Fsync,
		clock:  clock,
		logger: logger,
		parts:  make(map[harvest.PartitionKey]*Partition),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Open loads the partition for key, rebuilding its known-key set. An
// unreadable log yields a *harvest.RecoverableIOError and leaves the file
// untouched.
func (s *Store) Open(ctx context.Context, key harvest.PartitionKey) (*Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("open partition %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[key]; ok {
		return p, nil
	}
	p, err := openPartition(key, s.logPath(key), s.fsync, s.logger)
	if err != nil {
		return nil, err
	}
	s.parts[key] = p
	return p, nil
}

// Quarantine moves an unreadable partition log aside so the partition can
// start fresh. It returns the new location of the old log.
func (s *Store) Quarantine(key harvest.PartitionKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[key]; ok {
		if err := p.Close(); err != nil {
			return "", err
		}
		delete(s.parts, key)
	}
	src := s.logPath(key)
	dst := fmt.Sprintf("%s%s%s", src, corruptSuffix, s.clock.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("quarantine partition %s: %w", key, err)
	}
	s.logger.Warn("partition quarantined", zap.Stringer("partition", key), zap.String("moved_to", dst))
	return dst, nil
}

// PartitionInfo describes a persisted partition.
type PartitionInfo struct {
	Key     harvest.PartitionKey
	Records int
}

// List enumerates the partitions found under the root, sorted by path.
func (s *Store) List(ctx context.Context) ([]PartitionInfo, error) {
	var out []PartitionInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || d.Name() != logFileName {
			return nil
		}
		rel, err := filepath.Rel(s.root, filepath.Dir(path))
		if err != nil {
			return err
		}
		key, err := harvest.ParsePartitionKey(filepath.ToSlash(rel))
		if err != nil {
			s.logger.Debug("skipping unrecognized directory", zap.String("path", rel), zap.Error(err))
			return nil
		}
		p, err := s.Open(ctx, key)
		if err != nil {
			return err
		}
		out = append(out, PartitionInfo{Key: key, Records: p.Stats().Stored})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Path() < out[j].Key.Path() })
	return out, nil
}

// Close releases every open partition.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, p := range s.parts {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.parts, key)
	}
	return errors.Join(errs...)
}

func (s *Store) dir(key harvest.PartitionKey) string {
	return filepath.Join(s.root, filepath.FromSlash(key.Path()))
}

func (s *Store) logPath(key harvest.PartitionKey) string {
	return filepath.Join(s.dir(key), logFileName)
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// OpenPartition implements harvest.PartitionStore.
func (s *Store) OpenPartition(ctx context.Context, key harvest.PartitionKey) (harvest.Partition, error) {
	p, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	return p, nil
}
