// Package report renders a crawl outcome for humans and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/JakeFAU/webmirror/internal/crawler"
)

const (
	filesHeader  = "********** Mapping of URLs to files **********"
	errorsHeader = "********** Errors **********"
)

// Entry is one URL line of a report section.
type Entry struct {
	URL   string `json:"url"`
	Value string `json:"value"`
}

// Summary is the compact form published when a crawl finishes.
type Summary struct {
	CrawlID     string  `json:"crawl_id"`
	Files       int     `json:"files"`
	Errors      int     `json:"errors"`
	Seen        int     `json:"seen"`
	Interrupted bool    `json:"interrupted"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  string  `json:"finished_at"`
	DurationSec float64 `json:"duration_seconds"`
}

// Summarize condenses an outcome into counts.
func Summarize(outcome crawler.Outcome) Summary {
	return Summary{
		CrawlID:     outcome.CrawlID,
		Files:       len(outcome.Files),
		Errors:      len(outcome.Errors),
		Seen:        outcome.Seen,
		Interrupted: outcome.Interrupted,
		StartedAt:   outcome.Started.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		FinishedAt:  outcome.Finished.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		DurationSec: outcome.Finished.Sub(outcome.Started).Seconds(),
	}
}

// Sorted returns the map's entries ordered by URL.
func Sorted(m map[string]string) []Entry {
	entries := make([]Entry, 0, len(m))
	for url, value := range m {
		entries = append(entries, Entry{URL: url, Value: value})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].URL < entries[j].URL })
	return entries
}

// WriteText prints the files section followed by the errors section, each
// sorted by URL.
func WriteText(w io.Writer, outcome crawler.Outcome) error {
	if _, err := fmt.Fprintln(w, filesHeader); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	for _, e := range Sorted(outcome.Files) {
		if _, err := fmt.Fprintf(w, "%s -> %s\n", e.URL, e.Value); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "\n%s\n", errorsHeader); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	for _, e := range Sorted(outcome.Errors) {
		if _, err := fmt.Fprintf(w, "%s -> %s\n", e.URL, e.Value); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if outcome.Interrupted {
		if _, err := fmt.Fprintln(w, "\n(crawl interrupted; results are partial)"); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}

// WriteJSON encodes the full outcome as indented JSON.
func WriteJSON(w io.Writer, outcome crawler.Outcome) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
