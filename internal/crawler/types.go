package crawler

import (
	"net/http"
	"time"
)

// Defaults applied when a crawl is started without explicit settings.
const (
	DefaultStartURL  = "https://archive.org"
	DefaultWorkers   = 5
	DefaultMaxDepth  = 1
	DefaultDirectory = "files"
)

// CouldNotAccess is the description recorded for every URL whose fetch failed.
const CouldNotAccess = "Could not access"

// CrawlRequest is one unit of pending work on the frontier.
type CrawlRequest struct {
	URL   string
	Depth int
	stop  bool
}

// NewRequest builds a request for url discovered depth hops from the seed.
func NewRequest(url string, depth int) CrawlRequest {
	return CrawlRequest{URL: url, Depth: depth}
}

// StopSignal returns the sentinel request that tells exactly one worker to exit.
func StopSignal() CrawlRequest {
	return CrawlRequest{stop: true}
}

// IsStop reports whether the request is the stop sentinel.
func (r CrawlRequest) IsStop() bool {
	return r.stop
}

// CrawlResult is produced exactly once for every non-sentinel CrawlRequest.
type CrawlResult struct {
	URL    string
	Depth  int
	Body   []byte
	IsHTML bool
	// Err is set when the fetch failed; Body is nil in that case.
	Err error
}

// Failed reports whether the result carries no body.
func (r CrawlResult) Failed() bool {
	return r.Err != nil
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Depth   int
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ContentType returns the declared Content-Type header, or "" when absent.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// Outcome is what a crawl run hands back to its caller.
type Outcome struct {
	CrawlID string `json:"crawl_id"`
	// Files maps every fetched URL to the storage location of its body.
	Files map[string]string `json:"files"`
	// Errors maps every failed URL to an error description.
	Errors map[string]string `json:"errors"`
	// Seen is the number of distinct URLs enqueued during the run.
	Seen        int       `json:"seen"`
	Interrupted bool      `json:"interrupted"`
	Started     time.Time `json:"started_at"`
	Finished    time.Time `json:"finished_at"`
}

// NewOutcome returns an Outcome with empty, non-nil maps.
func NewOutcome(crawlID string) Outcome {
	return Outcome{
		CrawlID: crawlID,
		Files:   make(map[string]string),
		Errors:  make(map[string]string),
	}
}
