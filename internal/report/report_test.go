package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webmirror/internal/crawler"
)

func sampleOutcome() crawler.Outcome {
	out := crawler.NewOutcome("crawl-1")
	out.Files["https://x.test/b.png"] = "files/entry-2"
	out.Files["https://x.test"] = "files/entry-1"
	out.Errors["https://x.test/missing"] = crawler.CouldNotAccess
	out.Seen = 3
	out.Started = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out.Finished = out.Started.Add(1500 * time.Millisecond)
	return out
}

func TestWriteTextSortsSections(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, sampleOutcome()))

	want := "********** Mapping of URLs to files **********\n" +
		"https://x.test -> files/entry-1\n" +
		"https://x.test/b.png -> files/entry-2\n" +
		"\n********** Errors **********\n" +
		"https://x.test/missing -> Could not access\n"
	assert.Equal(t, want, buf.String())
}

func TestWriteTextMarksInterrupted(t *testing.T) {
	t.Parallel()

	out := crawler.NewOutcome("crawl-2")
	out.Interrupted = true

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, out))
	assert.Contains(t, buf.String(), "crawl interrupted")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteTextPropagatesWriterErrors(t *testing.T) {
	t.Parallel()

	err := WriteText(failingWriter{}, sampleOutcome())
	require.ErrorContains(t, err, "disk full")
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleOutcome()))

	var decoded crawler.Outcome
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "crawl-1", decoded.CrawlID)
	assert.Len(t, decoded.Files, 2)
	assert.Equal(t, crawler.CouldNotAccess, decoded.Errors["https://x.test/missing"])
	assert.Equal(t, 3, decoded.Seen)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	s := Summarize(sampleOutcome())
	assert.Equal(t, "crawl-1", s.CrawlID)
	assert.Equal(t, 2, s.Files)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 3, s.Seen)
	assert.False(t, s.Interrupted)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", s.StartedAt)
	assert.InDelta(t, 1.5, s.DurationSec, 1e-9)
}
