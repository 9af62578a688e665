package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webmirror/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	crawlID := uuid.New()
	now := time.Now()
	batch := []progress.Event{
		{CrawlID: crawlID, TS: now, Stage: progress.StageCrawlStart},
		{CrawlID: crawlID, TS: now, Stage: progress.StageWorkerStart, Worker: 1},
		{CrawlID: crawlID, TS: now, Stage: progress.StageWorkerStart, Worker: 2},
		{
			CrawlID:     crawlID,
			TS:          now.Add(time.Second),
			Stage:       progress.StageFetchDone,
			Worker:      1,
			URL:         "https://Example.com/a",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{CrawlID: crawlID, TS: now, Stage: progress.StageFetchFailed, Worker: 2, URL: "https://example.com/b"},
		{CrawlID: crawlID, TS: now, Stage: progress.StageResultReceived, URL: "https://example.com/a", Depth: 1},
		{CrawlID: crawlID, TS: now, Stage: progress.StageWorkerStop, Worker: 1},
		{CrawlID: crawlID, TS: now.Add(5 * time.Second), Stage: progress.StageCrawlDone, Dur: 5 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("done")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("interrupted")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.workersRunning))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetches.WithLabelValues("example.com", "2xx")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetchFailures.WithLabelValues("example.com")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.results.WithLabelValues("1")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "webmirror_fetch_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.crawlRuntime, "webmirror_crawl_runtime_seconds"))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}

// TestPrometheusSinkInterruptedCrawl ends the running gauge on interruption.
func TestPrometheusSinkInterruptedCrawl(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)
	crawlID := uuid.New()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlStart},
		{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlStart},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsRunning))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CrawlID: crawlID, TS: time.Now(), Stage: progress.StageCrawlInterrupted},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.crawlsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.crawlsCompleted.WithLabelValues("interrupted")))
}
