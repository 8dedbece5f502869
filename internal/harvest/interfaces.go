package harvest

import (
	"context"
	"io"
	"time"
)

// PageSignal is a content-level state reported by the results page.
type PageSignal int

// Page signals.
const (
	// SignalNone means the page holds a normal result listing.
	SignalNone PageSignal = iota
	// SignalEmpty means the search matched nothing ("No Record Found").
	SignalEmpty
	// SignalValidation means the source rejected the query shape,
	// e.g. "need more search criteria".
	SignalValidation
)

// PageHandle is the driver's view of the currently loaded results page.
type PageHandle struct {
	// Index is the page number the source reports as current; 0 if unknown.
	Index int
	// Content is a text snapshot of the result area, used for fingerprints.
	Content string
	Signal  PageSignal
	// Message carries the banner or dialog text behind Signal.
	Message string
}

// PageControls describes the pagination affordances visible on a page.
type PageControls struct {
	// Pages lists the numbered page targets visible in the pager.
	Pages []int
	// Forward is set when a trailing ellipsis/continuation control is present.
	Forward bool
	// Next is set when a plain "next" affordance is present.
	Next bool
	// Total is the page count the source exposes; 0 if unknown.
	Total int
}

// TargetKind selects how the driver should move to the next page.
type TargetKind int

// Navigation targets.
const (
	TargetPage TargetKind = iota + 1
	TargetEllipsis
	TargetNext
)

// Target is a pagination action.
type Target struct {
	Kind TargetKind
	// Page is the page index expected after the action.
	Page int
}

// PageDriver is the page-automation session used by one worker. Sessions
// are stateful and never shared between goroutines.
type PageDriver interface {
	SubmitSearch(ctx context.Context, params SearchParams) (PageHandle, error)
	ReadRecords(ctx context.Context, page PageHandle) ([]RawRecord, error)
	Controls(ctx context.Context, page PageHandle) (PageControls, error)
	Advance(ctx context.Context, page PageHandle, target Target) (PageHandle, error)
	DismissBlockingDialog(ctx context.Context, page PageHandle) error
	Close() error
}

// DriverFactory opens fresh driver sessions.
type DriverFactory interface {
	NewSession(ctx context.Context, workerID int) (PageDriver, error)
}

// Document kinds attached to a case.
const (
	DocMemo      = "memo"
	DocJudgement = "judgement"
)

// DocumentRequest identifies a case file to fetch.
type DocumentRequest struct {
	Partition PartitionKey
	CaseNo    string
	Kind      string
	URL       string
}

// DocumentRetriever downloads a case file and returns where it was stored.
type DocumentRetriever interface {
	Retrieve(ctx context.Context, req DocumentRequest) (string, error)
}

// BlobStore writes document bytes and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests of downloaded documents.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Partition is the deduplicating record sink for one output partition.
type Partition interface {
	Key() PartitionKey
	Has(caseNo string) bool
	Put(ctx context.Context, rec CaseRecord) (PutResult, error)
	Stats() PartitionStats
}

// PartitionStore opens partitions by key.
type PartitionStore interface {
	OpenPartition(ctx context.Context, key PartitionKey) (Partition, error)
}
