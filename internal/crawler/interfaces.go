package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNoWorkers is returned when a pool or crawl is configured without workers.
var ErrNoWorkers = errors.New("worker count must be > 0")

// Fetcher performs one blocking retrieval of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// LinkExtractor returns the absolute, fragment-free, trailing-slash-stripped
// links found in document, resolved against baseURL.
type LinkExtractor interface {
	ExtractLinks(baseURL string, document []byte) ([]string, error)
}

// EntryStore persists fetched bodies, one entry per successful fetch.
type EntryStore interface {
	// Reset discards prior contents and recreates the output location.
	Reset(ctx context.Context) error
	// CreateEntry opens a fresh entry and returns its writer and location.
	CreateEntry(ctx context.Context) (io.WriteCloser, string, error)
}

// Frontier is the shared queue of pending requests.
type Frontier interface {
	Enqueue(ctx context.Context, request CrawlRequest) error
	Dequeue(ctx context.Context) (CrawlRequest, error)
}

// ResultSink receives the results produced by workers.
type ResultSink interface {
	Enqueue(ctx context.Context, result CrawlResult) error
}

// OutcomeRecorder persists a finished crawl's outcome.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome Outcome) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
