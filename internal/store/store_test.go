package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/harvest"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var (
	testKey = harvest.PartitionKey{
		Registry:  harvest.RegistryLahore,
		CaseType:  harvest.CaseType{Value: "1", Text: "C.A."},
		YearRange: harvest.YearRange{From: 2020, To: 2024},
	}
	testNow = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
)

func newTestStore(t *testing.T, root string) *Store {
	t.Helper()
	s, err := New(Config{RootDir: root, Fsync: true}, fixedClock{testNow}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(caseNo string) harvest.CaseRecord {
	return harvest.CaseRecord{
		CaseNo:    caseNo,
		CaseTitle: "title " + caseNo,
		History:   []harvest.HistoryEntry{},
		Year:      2021,
		CaseType:  "C.A.",
		Registry:  "Lahore",
		YearRange: "2020-2024",
	}
}

func TestNewRequiresRoot(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func TestPutIsIdempotentPerCaseNumber(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	p, err := s.Open(context.Background(), testKey)
	require.NoError(t, err)

	keys := []string{"C.A. 1/2021", "C.A. 2/2021", "C.A. 3/2021", "C.A. 4/2021"}
	var calls []string
	for range 5 {
		calls = append(calls, keys...)
	}
	rand.Shuffle(len(calls), func(i, j int) { calls[i], calls[j] = calls[j], calls[i] })

	inserted := 0
	for _, k := range calls {
		res, err := p.Put(context.Background(), record(k))
		require.NoError(t, err)
		if res == harvest.Inserted {
			inserted++
		}
	}
	require.Equal(t, len(keys), inserted)
	require.Equal(t, harvest.PartitionStats{Stored: 4, Inserted: 4, Skipped: 16}, p.Stats())

	records, err := p.Records()
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, rec := range records {
		require.False(t, seen[rec.CaseNo], "duplicate %s", rec.CaseNo)
		seen[rec.CaseNo] = true
	}
	require.Len(t, seen, 4)
}

func TestSkipPerformsNoIO(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	p, err := s.Open(context.Background(), testKey)
	require.NoError(t, err)
	_, err = p.Put(context.Background(), record("C.A. 1/2021"))
	require.NoError(t, err)

	logPath := s.logPath(testKey)
	before, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(logPath, 0o400))
	t.Cleanup(func() { _ = os.Chmod(logPath, 0o600) })

	res, err := p.Put(context.Background(), record("C.A. 1/2021"))
	require.NoError(t, err)
	require.Equal(t, harvest.Skipped, res)
	after, err := os.Stat(logPath)
	require.NoError(t, err)
	require.Equal(t, before.Size(), after.Size())
}

func TestPutRejectsRecordsWithoutKey(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	p, err := s.Open(context.Background(), testKey)
	require.NoError(t, err)
	_, err = p.Put(context.Background(), record(harvest.Unavailable))
	require.Error(t, err)
	require.Zero(t, p.Stats().Stored)
	_, statErr := os.Stat(s.logPath(testKey))
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestResumeDiscardsPartialTrailingRecord(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first := newTestStore(t, root)
	p, err := first.Open(context.Background(), testKey)
	require.NoError(t, err)
	for _, k := range []string{"C.A. 1/2021", "C.A. 2/2021"} {
		_, err := p.Put(context.Background(), record(k))
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())

	// Simulate a crash halfway through appending a third record.
	line, err := json.Marshal(envelope{Seq: 3, Record: record("C.A. 3/2021")})
	require.NoError(t, err)
	f, err := os.OpenFile(first.logPath(testKey), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write(line[:len(line)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	resumed := newTestStore(t, root)
	p2, err := resumed.Open(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, 2, p2.Stats().Stored)
	require.True(t, p2.Has("C.A. 1/2021"))
	require.True(t, p2.Has("C.A. 2/2021"))
	require.False(t, p2.Has("C.A. 3/2021"))

	res, err := p2.Put(context.Background(), record("C.A. 3/2021"))
	require.NoError(t, err)
	require.Equal(t, harvest.Inserted, res)

	data, err := os.ReadFile(resumed.logPath(testKey))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	for i, l := range lines {
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(l), &env), "line %d", i+1)
		require.Equal(t, int64(i+1), env.Seq)
	}
}

func TestOpenCorruptLogReturnsRecoverableIOError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := newTestStore(t, root)
	path := s.logPath(testKey)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	good, err := json.Marshal(envelope{Seq: 1, Record: record("C.A. 1/2021")})
	require.NoError(t, err)
	content := fmt.Sprintf("%s\n{not json}\n%s\n", good, good)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err = s.Open(context.Background(), testKey)
	require.ErrorIs(t, err, harvest.ErrRecoverableIO)
	require.Equal(t, harvest.FailureIO, harvest.Classify(err))

	moved, err := s.Quarantine(testKey)
	require.NoError(t, err)
	require.Equal(t, path+".corrupt-20250301T093000Z", moved)
	kept, err := os.ReadFile(moved)
	require.NoError(t, err)
	require.Equal(t, content, string(kept))

	p, err := s.Open(context.Background(), testKey)
	require.NoError(t, err)
	require.Zero(t, p.Stats().Stored)
}

func TestConcurrentPutsShareOnePartition(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Open(context.Background(), testKey)
			if err != nil {
				t.Error(err)
				return
			}
			for i := range 50 {
				// Workers overlap on half of their keys.
				if _, err := p.Put(context.Background(), record(fmt.Sprintf("C.A. %d/2021", i+w*25))); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	p, err := s.Open(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, 125, p.Stats().Stored)
	require.Equal(t, 200, p.Stats().Inserted+p.Stats().Skipped)

	reloaded := newTestStore(t, s.Root())
	p2, err := reloaded.Open(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, 125, p2.Stats().Stored)
}

func TestExportWritesSortedSnapshotAndSummary(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, t.TempDir())
	p, err := s.Open(context.Background(), testKey)
	require.NoError(t, err)
	for _, k := range []string{"C.A. 3/2021", "C.A. 1/2021", "C.A. 2/2021"} {
		_, err := p.Put(context.Background(), record(k))
		require.NoError(t, err)
	}

	path, err := s.Export(context.Background(), testKey)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got []harvest.CaseRecord
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 3)
	require.Equal(t, "C.A. 1/2021", got[0].CaseNo)
	require.Equal(t, "C.A. 3/2021", got[2].CaseNo)

	data, err = os.ReadFile(filepath.Join(filepath.Dir(path), summaryFileName))
	require.NoError(t, err)
	var sum Summary
	require.NoError(t, json.Unmarshal(data, &sum))
	require.Equal(t, Summary{
		Registry:       "Lahore",
		CaseType:       "C.A.",
		YearRange:      "2020-2024",
		TotalCases:     3,
		ExtractionDate: "2025-03-01 09:30:00",
	}, sum)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.Contains(e.Name(), ".tmp-"), "temp file left behind: %s", e.Name())
	}
}

func TestListFindsPersistedPartitions(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := newTestStore(t, root)
	other := harvest.PartitionKey{
		Registry:  harvest.RegistryKarachi,
		CaseType:  harvest.CaseType{Value: "9", Text: "Crl.Sh.P."},
		YearRange: harvest.YearRange{From: 2025, To: 2025},
	}
	for key, n := range map[harvest.PartitionKey]int{testKey: 2, other: 1} {
		p, err := s.Open(context.Background(), key)
		require.NoError(t, err)
		for i := range n {
			_, err := p.Put(context.Background(), record(fmt.Sprintf("X %d", i)))
			require.NoError(t, err)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "stray"), 0o750))

	infos, err := newTestStore(t, root).List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []PartitionInfo{
		{Key: other, Records: 1},
		{Key: testKey, Records: 2},
	}, infos)
}
