package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/webmirror/internal/crawler"
	goqueryextractor "github.com/JakeFAU/webmirror/internal/extractor/goquery"
	"github.com/JakeFAU/webmirror/internal/progress"
	memstore "github.com/JakeFAU/webmirror/internal/storage/memory"
)

var errUnreachable = errors.New("connection refused")

type page struct {
	body        string
	contentType string
}

func html(body string) page {
	return page{body: body, contentType: "text/html; charset=utf-8"}
}

type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]page
	calls map[string]int
	// block, when set, makes every URL other than the listed ones wait for
	// ctx to end.
	unblocked map[string]bool
	block     bool
	started   chan string
}

func newStubFetcher(pages map[string]page) *stubFetcher {
	return &stubFetcher{pages: pages, calls: make(map[string]int)}
}

func (f *stubFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	p, ok := f.pages[req.URL]
	block := f.block && !f.unblocked[req.URL]
	started := f.started
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- req.URL:
		default:
		}
	}
	if block {
		<-ctx.Done()
		return crawler.FetchResponse{}, ctx.Err()
	}
	if !ok {
		return crawler.FetchResponse{}, errUnreachable
	}
	headers := http.Header{}
	if p.contentType != "" {
		headers.Set("Content-Type", p.contentType)
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    headers,
		Body:       []byte(p.body),
	}, nil
}

func (f *stubFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *stubFetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *recordingEmitter) Count(stage progress.Stage) int {
	n := 0
	for _, evt := range r.Events() {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Reset(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) CreateEntry(ctx context.Context) (io.WriteCloser, string, error) {
	args := m.Called(ctx)
	w, _ := args.Get(0).(io.WriteCloser)
	return w, args.String(1), args.Error(2)
}

type failingExtractor struct{}

func (failingExtractor) ExtractLinks(string, []byte) ([]string, error) {
	return nil, errors.New("malformed document")
}

func newTestOrchestrator(
	t *testing.T,
	cfg Config,
	fetcher crawler.Fetcher,
	store crawler.EntryStore,
	opts ...Option,
) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	o, err := New(cfg, fetcher, goqueryextractor.New(), store, opts...)
	require.NoError(t, err)
	return o
}

func requireResolvedEverySeenURL(t *testing.T, out crawler.Outcome) {
	t.Helper()
	require.Equal(t, out.Seen, len(out.Files)+len(out.Errors))
	for url := range out.Files {
		_, dup := out.Errors[url]
		require.False(t, dup, "%s recorded as both file and error", url)
	}
}

func TestRunSeedPageWithLinkAndImage(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]page{
		"https://x.test/":      html(`<a href="/a">x</a><img src="b.png">`),
		"https://x.test/a":     html("fixed"),
		"https://x.test/b.png": {body: "fixed", contentType: "image/png"},
	})
	store := memstore.New("test")
	emitter := &recordingEmitter{}
	o := newTestOrchestrator(t, Config{Workers: 3, MaxDepth: 1}, fetcher, store, WithEmitter(emitter))

	out, err := o.Run(context.Background(), "https://x.test/")
	require.NoError(t, err)

	require.False(t, out.Interrupted)
	require.Len(t, out.Files, 3)
	require.Empty(t, out.Errors)
	require.Equal(t, 3, out.Seen)
	requireResolvedEverySeenURL(t, out)

	body, ok := store.Get(out.Files["https://x.test/b.png"])
	require.True(t, ok)
	require.Equal(t, []byte("fixed"), body)
	require.Equal(t, 1, store.Resets())

	depths := map[string]int{}
	for _, evt := range emitter.Events() {
		if evt.Stage == progress.StageFetchStart {
			depths[evt.URL] = evt.Depth
		}
	}
	require.Equal(t, map[string]int{
		"https://x.test/":      0,
		"https://x.test/a":     1,
		"https://x.test/b.png": 1,
	}, depths)
}

func TestRunSeedFetchFailure(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]page{})
	o := newTestOrchestrator(t, Config{Workers: 2, MaxDepth: 3}, fetcher, memstore.New("test"))

	out, err := o.Run(context.Background(), "https://down.test")
	require.NoError(t, err)
	require.Empty(t, out.Files)
	require.Equal(t, map[string]string{"https://down.test": crawler.CouldNotAccess}, out.Errors)
	require.Equal(t, 1, out.Seen)
	require.Equal(t, 1, fetcher.TotalCalls())
}

func TestRunSharedLinkFetchedOnce(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]page{
		"https://x.test":   html(`<a href="/a">a</a><a href="/b">b</a>`),
		"https://x.test/a": html(`<a href="/c">c</a><a href="/c/">c again</a><a href="/c#top">c top</a>`),
		"https://x.test/b": html(`<a href="https://x.test/c">c</a>`),
		"https://x.test/c": html(`<a href="/">home</a>`),
	})
	o := newTestOrchestrator(t, Config{Workers: 4, MaxDepth: 2}, fetcher, memstore.New("test"))

	out, err := o.Run(context.Background(), "https://x.test")
	require.NoError(t, err)
	require.Len(t, out.Files, 4)
	require.Equal(t, 1, fetcher.Calls("https://x.test/c"))
	require.Equal(t, 4, fetcher.TotalCalls())
	requireResolvedEverySeenURL(t, out)
}

func TestRunMaxDepthZeroFetchesOnlySeed(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]page{
		"https://x.test":   html(`<a href="/a">a</a>`),
		"https://x.test/a": html("a"),
	})
	o := newTestOrchestrator(t, Config{Workers: 2, MaxDepth: 0}, fetcher, memstore.New("test"))

	out, err := o.Run(context.Background(), "https://x.test")
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	require.Contains(t, out.Files, "https://x.test")
	require.Equal(t, 1, fetcher.TotalCalls())
	require.Equal(t, 1, out.Seen)
}

func TestRunNeverExpandsPastMaxDepth(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]page{
		"https://x.test":   html(`<a href="/1">1</a>`),
		"https://x.test/1": html(`<a href="/2">2</a>`),
		"https://x.test/2": html(`<a href="/3">3</a>`),
		"https://x.test/3": html(`<a href="/4">4</a>`),
	})
	emitter := &recordingEmitter{}
	o := newTestOrchestrator(t, Config{Workers: 2, MaxDepth: 2}, fetcher, memstore.New("test"), WithEmitter(emitter))

	out, err := o.Run(context.Background(), "https://x.test")
	require.NoError(t, err)
	require.Len(t, out.Files, 3)
	require.NotContains(t, out.Files, "https://x.test/3")
	require.Zero(t, fetcher.Calls("https://x.test/3"))

	for _, evt := range emitter.Events() {
		if evt.Stage == progress.StageResultReceived {
			require.LessOrEqual(t, evt.Depth, 2)
		}
	}
}

func TestRunExpandsWhenContentTypeMissing(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]page{
		"https://x.test":        {body: `<a href="/child">c</a>`},
		"https://x.test/child":  html("leaf"),
		"https://x.test/binary": {body: `<a href="/never">n</a>`, contentType: "application/octet-stream"},
	})
	o := newTestOrchestrator(t, Config{Workers: 1, MaxDepth: 1}, fetcher, memstore.New("test"))

	out, err := o.Run(context.Background(), "https://x.test")
	require.NoError(t, err)
	require.Contains(t, out.Files, "https://x.test/child")

	out, err = o.Run(context.Background(), "https://x.test/binary")
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	require.Zero(t, fetcher.Calls("https://x.test/never"))
}

func TestRunExtractionFailureMeansNoLinks(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]page{
		"https://x.test": html(`<a href="/a">a</a>`),
	})
	o, err := New(Config{Workers: 1, MaxDepth: 1}, fetcher, failingExtractor{}, memstore.New("test"))
	require.NoError(t, err)

	out, err := o.Run(context.Background(), "https://x.test")
	require.NoError(t, err)
	require.Len(t, out.Files, 1)
	require.Empty(t, out.Errors)
	require.Equal(t, 1, out.Seen)
}

func TestRunMixedFailuresAccountForEverySeenURL(t *testing.T) {
	t.Parallel()

	body := ""
	pages := map[string]page{}
	for i := range 30 {
		body += fmt.Sprintf(`<a href="/p%d">p</a>`, i)
		if i%3 != 0 {
			pages[fmt.Sprintf("https://x.test/p%d", i)] = html("leaf")
		}
	}
	pages["https://x.test"] = html(body)
	fetcher := newStubFetcher(pages)
	o := newTestOrchestrator(t, Config{Workers: 5, MaxDepth: 1}, fetcher, memstore.New("test"))

	out, err := o.Run(context.Background(), "https://x.test")
	require.NoError(t, err)
	require.Equal(t, 31, out.Seen)
	require.Len(t, out.Errors, 10)
	require.Len(t, out.Files, 21)
	requireResolvedEverySeenURL(t, out)
	for url, desc := range out.Errors {
		require.Equal(t, crawler.CouldNotAccess, desc, url)
	}
}

func TestRunCancellationReturnsPartialOutcome(t *testing.T) {
	t.Parallel()

	body := ""
	for i := range 20 {
		body += fmt.Sprintf(`<a href="/slow%d">s</a>`, i)
	}
	fetcher := newStubFetcher(map[string]page{"https://x.test": html(body)})
	fetcher.block = true
	fetcher.unblocked = map[string]bool{"https://x.test": true}
	fetcher.started = make(chan string, 64)

	emitter := &recordingEmitter{}
	const workers = 4
	o := newTestOrchestrator(t, Config{Workers: workers, MaxDepth: 1}, fetcher, memstore.New("test"), WithEmitter(emitter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for url := range fetcher.started {
			if url != "https://x.test" {
				cancel()
				return
			}
		}
	}()

	type runResult struct {
		out crawler.Outcome
		err error
	}
	done := make(chan runResult, 1)
	go func() {
		out, err := o.Run(ctx, "https://x.test")
		done <- runResult{out: out, err: err}
	}()

	var res runResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	require.NoError(t, res.err)
	require.True(t, res.out.Interrupted)
	require.Contains(t, res.out.Files, "https://x.test")
	require.Equal(t, 21, res.out.Seen)
	require.Less(t, len(res.out.Files)+len(res.out.Errors), res.out.Seen)

	assert.Equal(t, workers, emitter.Count(progress.StageWorkerStart))
	assert.Equal(t, workers, emitter.Count(progress.StageWorkerStop), "every worker exits before Run returns")
	assert.Equal(t, 1, emitter.Count(progress.StageCrawlInterrupted))
}

func TestRunAlreadyCancelledContext(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]page{"https://x.test": html("x")})
	emitter := &recordingEmitter{}
	o := newTestOrchestrator(t, Config{Workers: 2, MaxDepth: 1}, fetcher, memstore.New("test"), WithEmitter(emitter))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := o.Run(ctx, "https://x.test")
	require.NoError(t, err)
	require.True(t, out.Interrupted)
	require.Equal(t, 2, emitter.Count(progress.StageWorkerStop))
}

func TestRunStorageFailureIsFatal(t *testing.T) {
	t.Parallel()

	errDisk := errors.New("disk full")
	store := &mockStore{}
	store.On("Reset", mock.Anything).Return(nil)
	store.On("CreateEntry", mock.Anything).Return(nil, "", errDisk)

	fetcher := newStubFetcher(map[string]page{"https://x.test": html(`<a href="/a">a</a>`)})
	emitter := &recordingEmitter{}
	o := newTestOrchestrator(t, Config{Workers: 3, MaxDepth: 1}, fetcher, store, WithEmitter(emitter))

	out, err := o.Run(context.Background(), "https://x.test")
	require.ErrorIs(t, err, errDisk)
	require.ErrorContains(t, err, "store https://x.test")
	require.Empty(t, out.Files)
	require.Equal(t, 1, emitter.Count(progress.StageCrawlError))
	require.Equal(t, 3, emitter.Count(progress.StageWorkerStop))
	store.AssertExpectations(t)
}

func TestRunResetFailureStopsBeforeFetching(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	store.On("Reset", mock.Anything).Return(errors.New("permission denied"))

	fetcher := newStubFetcher(map[string]page{"https://x.test": html("x")})
	o := newTestOrchestrator(t, Config{Workers: 1, MaxDepth: 1}, fetcher, store)

	_, err := o.Run(context.Background(), "https://x.test")
	require.ErrorContains(t, err, "reset storage: permission denied")
	require.Zero(t, fetcher.TotalCalls())
	store.AssertNotCalled(t, "CreateEntry", mock.Anything)
}

func TestRunEventsAreValid(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher(map[string]page{
		"https://x.test":   html(`<a href="/a">a</a><a href="/missing">m</a>`),
		"https://x.test/a": html("a"),
	})
	emitter := &recordingEmitter{}
	const id = "0190b6d3-52a8-7c1e-9b43-5d2f2c9d1e01"
	o := newTestOrchestrator(t, Config{Workers: 2, MaxDepth: 1}, fetcher, memstore.New("test"),
		WithEmitter(emitter), WithIDGenerator(fixedIDs{id: id}))

	out, err := o.Run(context.Background(), "https://x.test")
	require.NoError(t, err)
	require.Equal(t, id, out.CrawlID)
	require.False(t, out.Finished.Before(out.Started))

	events := emitter.Events()
	require.NotEmpty(t, events)
	require.Equal(t, progress.StageCrawlStart, events[0].Stage)
	require.Equal(t, progress.StageCrawlDone, events[len(events)-1].Stage)
	for _, evt := range events {
		require.NoError(t, evt.Validate(), "%+v", evt)
		require.Equal(t, id, evt.CrawlID.String())
	}
	require.Equal(t, 3, emitter.Count(progress.StageResultReceived))
}

func TestRunRejectsBadInput(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, Config{Workers: 1}, newStubFetcher(nil), memstore.New("test"))
	_, err := o.Run(context.Background(), "  ")
	require.EqualError(t, err, "start url is required")

	o = newTestOrchestrator(t, Config{Workers: 1}, newStubFetcher(nil), memstore.New("test"),
		WithIDGenerator(fixedIDs{id: "not-a-uuid"}))
	_, err = o.Run(context.Background(), "https://x.test")
	require.ErrorContains(t, err, "parse crawl id")
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Workers: 0}, newStubFetcher(nil), goqueryextractor.New(), memstore.New("x"))
	require.ErrorIs(t, err, crawler.ErrNoWorkers)

	_, err = New(Config{Workers: 1, MaxDepth: -1}, newStubFetcher(nil), goqueryextractor.New(), memstore.New("x"))
	require.EqualError(t, err, "max depth must be >= 0")

	_, err = New(Config{Workers: 1}, nil, goqueryextractor.New(), memstore.New("x"))
	require.Error(t, err)
}
