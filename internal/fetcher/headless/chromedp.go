// Package headless implements crawler.Fetcher with a headless Chrome driven
// by chromedp, for sites that only produce their links after JavaScript runs.
package headless

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/webmirror/internal/crawler"
)

const (
	defaultNavTimeout = 25 * time.Second
	settleDelay       = 300 * time.Millisecond
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs; zero means unlimited.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

// Fetcher implements crawler.Fetcher using chromedp. HTML documents are
// returned as the rendered DOM; any other document type is returned as the
// raw response body.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. Chrome is launched lazily on the
// first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() error {
	f.allocCancel()
	return nil
}

// Fetch navigates to the URL in a fresh tab. HTTP statuses of 400 and above
// are reported as errors.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	finalURL, err := f.navigate(tabCtx, request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctxErr)
		}
		return crawler.FetchResponse{}, err
	}

	doc := meta.snapshot(request.URL, finalURL)
	if doc.status >= http.StatusBadRequest {
		return crawler.FetchResponse{}, fmt.Errorf("status %d: %s", doc.status, http.StatusText(doc.status))
	}

	body, err := f.readBody(tabCtx, doc)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	return crawler.FetchResponse{
		URL:          doc.url,
		StatusCode:   doc.status,
		Headers:      doc.headers,
		Body:         body,
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) navigate(ctx context.Context, request crawler.FetchRequest) (string, error) {
	var finalURL string
	actions := []chromedp.Action{
		networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.Location(&finalURL),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp navigate: %w", err)
	}
	return finalURL, nil
}

func (f *Fetcher) readBody(ctx context.Context, doc documentInfo) ([]byte, error) {
	if doc.isHTML() {
		var html string
		err := chromedp.Run(ctx,
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(settleDelay),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
		if err != nil {
			return nil, fmt.Errorf("chromedp render: %w", err)
		}
		return []byte(html), nil
	}
	if doc.requestID == "" {
		return []byte{}, nil
	}
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		raw, err := network.GetResponseBody(doc.requestID).Do(ctx)
		if err != nil {
			return fmt.Errorf("get response body: %w", err)
		}
		body = raw
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("chromedp body: %w", err)
	}
	if body == nil {
		body = []byte{}
	}
	return body, nil
}

func networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	<-f.limiter
}

type documentInfo struct {
	status    int
	headers   http.Header
	url       string
	requestID network.RequestID
}

func (d documentInfo) isHTML() bool {
	ct := d.headers.Get("Content-Type")
	if strings.TrimSpace(ct) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return crawler.IsHTML(ct)
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

type responseMeta struct {
	mu  sync.Mutex
	doc documentInfo
}

func newResponseMeta() *responseMeta {
	return &responseMeta{doc: documentInfo{headers: http.Header{}}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// capture records the main document response. Redirect hops fire their own
// events, so the last document wins.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				headers.Add(key, line)
			}
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	if headers.Get("Content-Type") == "" && event.Response.MimeType != "" {
		headers.Set("Content-Type", event.Response.MimeType)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc = documentInfo{
		status:    int(event.Response.Status),
		headers:   headers,
		url:       event.Response.URL,
		requestID: event.RequestID,
	}
}

func (m *responseMeta) snapshot(requestURL, finalURL string) documentInfo {
	m.mu.Lock()
	doc := m.doc
	doc.headers = doc.headers.Clone()
	m.mu.Unlock()

	switch {
	case doc.url != "":
	case finalURL != "":
		doc.url = finalURL
	default:
		doc.url = requestURL
	}
	if doc.status == 0 {
		doc.status = http.StatusOK
	}
	if doc.headers == nil {
		doc.headers = http.Header{}
	}
	return doc
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = strings.Join(values, ", ")
		}
	}
	return headers
}
