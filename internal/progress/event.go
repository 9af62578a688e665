package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the crawl milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCrawlStart       Stage = "CRAWL_START"
	StageCrawlDone        Stage = "CRAWL_DONE"
	StageCrawlInterrupted Stage = "CRAWL_INTERRUPTED"
	StageCrawlError       Stage = "CRAWL_ERROR"
	StageWorkerStart      Stage = "WORKER_START"
	StageWorkerStop       Stage = "WORKER_STOP"
	StageFetchStart       Stage = "FETCH_START"
	StageFetchDone        Stage = "FETCH_DONE"
	StageFetchFailed      Stage = "FETCH_FAILED"
	StageResultReceived   Stage = "RESULT_RECEIVED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of crawl progress.
type Event struct {
	// CrawlID identifies the crawl run that produced the event.
	CrawlID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Worker is the 1-based worker number; zero means the orchestrator.
	Worker int
	// Depth is the link distance of URL from the start page.
	Depth int
	// URL is the page the event refers to, if any.
	URL string
	// Site is the lowercase host of URL, used as a metric label.
	Site string
	// Bytes carries the response size for fetch and result events.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures fetch latency or total crawl runtime.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CrawlID == uuid.Nil {
		return errors.New("crawl id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlDone, StageCrawlInterrupted, StageCrawlError:
	case StageWorkerStart, StageWorkerStop:
		if e.Worker <= 0 {
			return fmt.Errorf("%s requires a worker number", e.Stage)
		}
	case StageFetchStart, StageFetchFailed, StageResultReceived:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StageFetchDone:
		if e.URL == "" {
			return errors.New("fetch done requires url")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Depth < 0 {
		return errors.New("depth must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
