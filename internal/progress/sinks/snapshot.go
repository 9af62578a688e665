package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/webmirror/internal/progress"
)

// CrawlState summarizes where a crawl is in its lifecycle.
type CrawlState string

// Crawl states reported by snapshots.
const (
	CrawlRunning     CrawlState = "running"
	CrawlDone        CrawlState = "done"
	CrawlInterrupted CrawlState = "interrupted"
	CrawlFailed      CrawlState = "error"
)

// CrawlSnapshot is a point-in-time view of one crawl's counters.
type CrawlSnapshot struct {
	CrawlID        uuid.UUID  `json:"crawl_id"`
	State          CrawlState `json:"state"`
	StartURL       string     `json:"start_url,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	WorkersRunning int        `json:"workers_running"`
	Fetched        int64      `json:"fetched"`
	Failed         int64      `json:"failed"`
	Bytes          int64      `json:"bytes"`
	Results        int64      `json:"results"`
	DeepestDepth   int        `json:"deepest_depth"`
	LastURL        string     `json:"last_url,omitempty"`
	Note           string     `json:"note,omitempty"`
}

// SnapshotSink keeps running aggregates per crawl in memory for the operator
// API.
type SnapshotSink struct {
	mu     sync.RWMutex
	crawls map[uuid.UUID]*CrawlSnapshot
}

// NewSnapshotSink constructs an empty SnapshotSink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{crawls: make(map[uuid.UUID]*CrawlSnapshot)}
}

// Consume folds the batch into the per-crawl aggregates.
func (s *SnapshotSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		snap := s.crawls[evt.CrawlID]
		if snap == nil {
			snap = &CrawlSnapshot{CrawlID: evt.CrawlID, State: CrawlRunning, StartedAt: evt.TS}
			s.crawls[evt.CrawlID] = snap
		}
		apply(snap, evt)
	}
	return nil
}

func apply(snap *CrawlSnapshot, evt progress.Event) {
	switch evt.Stage {
	case progress.StageCrawlStart:
		snap.StartedAt = evt.TS
		snap.StartURL = evt.URL
	case progress.StageCrawlDone:
		finish(snap, evt, CrawlDone)
	case progress.StageCrawlInterrupted:
		finish(snap, evt, CrawlInterrupted)
	case progress.StageCrawlError:
		finish(snap, evt, CrawlFailed)
	case progress.StageWorkerStart:
		snap.WorkersRunning++
	case progress.StageWorkerStop:
		if snap.WorkersRunning > 0 {
			snap.WorkersRunning--
		}
	case progress.StageFetchDone:
		snap.Fetched++
		snap.Bytes += evt.Bytes
		snap.LastURL = evt.URL
	case progress.StageFetchFailed:
		snap.Failed++
		snap.LastURL = evt.URL
	case progress.StageResultReceived:
		snap.Results++
		if evt.Depth > snap.DeepestDepth {
			snap.DeepestDepth = evt.Depth
		}
	}
}

func finish(snap *CrawlSnapshot, evt progress.Event, state CrawlState) {
	ts := evt.TS
	snap.State = state
	snap.FinishedAt = &ts
	snap.Note = evt.Note
}

// Get returns a copy of the snapshot for id.
func (s *SnapshotSink) Get(id uuid.UUID) (CrawlSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.crawls[id]
	if !ok {
		return CrawlSnapshot{}, false
	}
	return *snap, true
}

// List returns every known crawl, newest first.
func (s *SnapshotSink) List() []CrawlSnapshot {
	s.mu.RLock()
	out := make([]CrawlSnapshot, 0, len(s.crawls))
	for _, snap := range s.crawls {
		out = append(out, *snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Close implements the Sink interface; snapshots stay readable afterwards.
func (s *SnapshotSink) Close(context.Context) error {
	return nil
}
