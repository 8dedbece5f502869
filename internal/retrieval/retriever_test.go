package retrieval

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/storage/local"
)

var testPartition = harvest.PartitionKey{
	Registry:  harvest.RegistryLahore,
	CaseType:  harvest.CaseType{Value: "1", Text: "C.A."},
	YearRange: harvest.YearRange{From: 2020, To: 2024},
}

type countingWaiter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (w *countingWaiter) Wait(_ context.Context, rawURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.urls = append(w.urls, rawURL)
	return w.err
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

func newDocServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/memo.pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 memo"))
	})
	mux.HandleFunc("/octet.pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("%PDF-1.7 judgement"))
	})
	mux.HandleFunc("/error.html", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>Runtime Error</html>"))
	})
	mux.HandleFunc("/slow.pdf", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRetriever(t *testing.T, pacer Waiter) (*Retriever, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	r, err := New(Config{Timeout: time.Second}, blobs, pacer, nil)
	require.NoError(t, err)
	return r, dir
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	got := ObjectPath(harvest.DocumentRequest{
		Partition: testPartition,
		CaseNo:    "C.A.12-L/2024",
		Kind:      harvest.DocJudgement,
	})
	require.Equal(t, "L/1_C_A/2020-2024/pdfs/C.A.12-L_2024_judgement.pdf", got)
}

func TestRetrieveStoresPDF(t *testing.T) {
	t.Parallel()

	srv := newDocServer(t)
	pacer := &countingWaiter{}
	r, _ := newRetriever(t, pacer)

	path, err := r.Retrieve(context.Background(), harvest.DocumentRequest{
		Partition: testPartition,
		CaseNo:    "C.A.12-L/2024",
		Kind:      harvest.DocMemo,
		URL:       srv.URL + "/memo.pdf",
	})
	require.NoError(t, err)
	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7 memo", string(data))
	require.Equal(t, []string{srv.URL + "/memo.pdf"}, pacer.urls)
}

func TestRetrieveAcceptsPDFMagicWithGenericType(t *testing.T) {
	t.Parallel()

	srv := newDocServer(t)
	r, _ := newRetriever(t, nil)

	_, err := r.Retrieve(context.Background(), harvest.DocumentRequest{
		Partition: testPartition,
		CaseNo:    "C.A.12-L/2024",
		Kind:      harvest.DocJudgement,
		URL:       srv.URL + "/octet.pdf",
	})
	require.NoError(t, err)
}

func TestRetrieveFailures(t *testing.T) {
	t.Parallel()

	srv := newDocServer(t)
	r, _ := newRetriever(t, nil)

	cases := map[string]harvest.DocumentRequest{
		"not a pdf":    {Partition: testPartition, CaseNo: "C.A.1/2024", Kind: harvest.DocMemo, URL: srv.URL + "/error.html"},
		"missing":      {Partition: testPartition, CaseNo: "C.A.1/2024", Kind: harvest.DocMemo, URL: srv.URL + "/nope.pdf"},
		"empty url":    {Partition: testPartition, CaseNo: "C.A.1/2024", Kind: harvest.DocMemo},
		"no case":      {Partition: testPartition, Kind: harvest.DocMemo, URL: srv.URL + "/memo.pdf"},
		"unknown kind": {Partition: testPartition, CaseNo: "C.A.1/2024", Kind: "order", URL: srv.URL + "/memo.pdf"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := r.Retrieve(context.Background(), req)
			require.ErrorIs(t, err, harvest.ErrRetrieval)
			var re *harvest.RetrievalError
			require.ErrorAs(t, err, &re)
			require.Equal(t, req.URL, re.URL)
		})
	}
}

func TestRetrieveBlobFailure(t *testing.T) {
	t.Parallel()

	srv := newDocServer(t)
	r, err := New(Config{}, failingBlobs{}, nil, nil)
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), harvest.DocumentRequest{
		Partition: testPartition,
		CaseNo:    "C.A.1/2024",
		Kind:      harvest.DocMemo,
		URL:       srv.URL + "/memo.pdf",
	})
	require.ErrorIs(t, err, harvest.ErrRetrieval)
	require.ErrorContains(t, err, "bucket unavailable")
}

func TestRetrievePacerErrorStopsDownload(t *testing.T) {
	t.Parallel()

	r, _ := newRetriever(t, &countingWaiter{err: context.Canceled})
	_, err := r.Retrieve(context.Background(), harvest.DocumentRequest{
		Partition: testPartition,
		CaseNo:    "C.A.1/2024",
		Kind:      harvest.DocMemo,
		URL:       "http://127.0.0.1:1/memo.pdf",
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetrieveHonoursContext(t *testing.T) {
	t.Parallel()

	srv := newDocServer(t)
	r, _ := newRetriever(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Retrieve(ctx, harvest.DocumentRequest{
		Partition: testPartition,
		CaseNo:    "C.A.1/2024",
		Kind:      harvest.DocMemo,
		URL:       srv.URL + "/slow.pdf",
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRequiresBlobStore(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil)
	require.Error(t, err)
}

type recordingHasher struct {
	mu     sync.Mutex
	inputs [][]byte
}

func (h *recordingHasher) Hash(data []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputs = append(h.inputs, append([]byte(nil), data...))
	return "digest", nil
}

func TestRetrieveDigestsStoredDocuments(t *testing.T) {
	t.Parallel()

	srv := newDocServer(t)
	r, _ := newRetriever(t, nil)
	hasher := &recordingHasher{}
	r.WithHasher(hasher)

	_, err := r.Retrieve(context.Background(), harvest.DocumentRequest{
		Partition: testPartition,
		CaseNo:    "C.A. 1/2024",
		Kind:      harvest.DocMemo,
		URL:       srv.URL + "/memo.pdf",
	})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("%PDF-1.7 memo")}, hasher.inputs)

	_, err = r.Retrieve(context.Background(), harvest.DocumentRequest{
		Partition: testPartition,
		CaseNo:    "C.A. 1/2024",
		Kind:      harvest.DocMemo,
		URL:       srv.URL + "/error.html",
	})
	require.Error(t, err)
	require.Len(t, hasher.inputs, 1)
}
