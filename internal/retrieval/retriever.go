// Package retrieval downloads case documents with colly and stores them in a
// BlobStore.
package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/caseharvest/internal/harvest"
	"github.com/JakeFAU/caseharvest/internal/metrics"
)

const (
	pdfContentType  = "application/pdf"
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 64 << 20
)

var (
	errNotPDF       = errors.New("response is not a PDF")
	errEmptyURL     = errors.New("document url is empty")
	errEmptyCaseNo  = errors.New("case number is empty")
	errUnknownKind  = errors.New("unknown document kind")
	pdfMagic        = []byte("%PDF")
	allowedDocKinds = map[string]bool{harvest.DocMemo: true, harvest.DocJudgement: true}
)

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls downloads.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBytes caps a single document; zero uses 64 MiB.
	MaxBytes int
}

// Retriever implements harvest.DocumentRetriever.
type Retriever struct {
	cfg       Config
	base      *colly.Collector
	transport http.RoundTripper
	blobs     harvest.BlobStore
	pacer     Waiter
	hasher    harvest.Hasher
	logger    *zap.Logger
}

// New builds a Retriever. pacer may be nil.
func New(cfg Config, blobs harvest.BlobStore, pacer Waiter, logger *zap.Logger) (*Retriever, error) {
	if blobs == nil {
		return nil, errors.New("retriever requires a blob store")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	return &Retriever{
		cfg:       cfg,
		base:      c,
		transport: transport,
		blobs:     blobs,
		pacer:     pacer,
		logger:    logger,
	}, nil
}

// WithHasher logs a digest of every stored document.
func (r *Retriever) WithHasher(h harvest.Hasher) *Retriever {
	r.hasher = h
	return r
}

// ObjectPath is where a document is stored relative to the blob store root:
// <partition>/pdfs/<safe_case_no>_<kind>.pdf.
func ObjectPath(req harvest.DocumentRequest) string {
	return path.Join(req.Partition.Path(), "pdfs", SafeName(req.CaseNo)+"_"+req.Kind+".pdf")
}

// SafeName turns a case number into a file name component
// ("C.A.12-L/2024" -> "C.A.12-L_2024").
func SafeName(caseNo string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(caseNo) {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Retrieve downloads req.URL and stores it. Every failure is a
// *harvest.RetrievalError.
func (r *Retriever) Retrieve(ctx context.Context, req harvest.DocumentRequest) (string, error) {
	uri, err := r.retrieve(ctx, req)
	if err != nil {
		metrics.ObserveDocument("failed")
		r.logger.Warn("document retrieval failed",
			zap.String("case_no", req.CaseNo),
			zap.String("kind", req.Kind),
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return "", &harvest.RetrievalError{URL: req.URL, Err: err}
	}
	metrics.ObserveDocument("stored")
	return uri, nil
}

func (r *Retriever) retrieve(ctx context.Context, req harvest.DocumentRequest) (string, error) {
	switch {
	case strings.TrimSpace(req.URL) == "":
		return "", errEmptyURL
	case strings.TrimSpace(req.CaseNo) == "":
		return "", errEmptyCaseNo
	case !allowedDocKinds[req.Kind]:
		return "", fmt.Errorf("%w: %q", errUnknownKind, req.Kind)
	}
	if r.pacer != nil {
		if err := r.pacer.Wait(ctx, req.URL); err != nil {
			return "", err
		}
	}
	body, err := r.fetch(ctx, req.URL)
	if err != nil {
		return "", err
	}
	uri, err := r.blobs.PutObject(ctx, ObjectPath(req), pdfContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	if r.hasher != nil {
		digest, err := r.hasher.Hash(body)
		if err != nil {
			r.logger.Debug("document digest failed", zap.String("uri", uri), zap.Error(err))
		} else {
			r.logger.Debug("document stored",
				zap.String("case_no", req.CaseNo),
				zap.String("uri", uri),
				zap.Int("bytes", len(body)),
				zap.String("sha256", digest),
			)
		}
	}
	return uri, nil
}

func (r *Retriever) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	c := r.base.Clone()
	c.WithTransport(r.transport)
	c.SetRequestTimeout(r.cfg.Timeout)
	c.MaxBodySize = r.cfg.MaxBytes
	if r.cfg.UserAgent != "" {
		c.UserAgent = r.cfg.UserAgent
	}

	var (
		body     []byte
		fetchErr error
	)
	c.OnResponse(func(resp *colly.Response) {
		if !isPDF(resp.Headers.Get("Content-Type"), resp.Body) {
			fetchErr = fmt.Errorf("%w (content type %q)", errNotPDF, resp.Headers.Get("Content-Type"))
			return
		}
		body = append([]byte(nil), resp.Body...)
	})
	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", resp.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("download canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit: %w", err)
		}
		if fetchErr != nil {
			return nil, fetchErr
		}
		return body, nil
	}
}

func isPDF(contentType string, body []byte) bool {
	if bytes.HasPrefix(body, pdfMagic) {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), pdfContentType) && len(body) > 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
