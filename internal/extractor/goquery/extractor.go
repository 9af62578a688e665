// Package goqueryextractor implements crawler.LinkExtractor on top of goquery.
package goqueryextractor

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extractor finds anchor and image references in an HTML document.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// ExtractLinks returns every a[href] and img[src] in document order, resolved
// against baseURL and normalized with Normalize. Duplicates are kept; the
// caller owns deduplication. References that cannot be parsed are skipped.
func (Extractor) ExtractLinks(baseURL string, document []byte) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	links := make([]string, 0)
	doc.Find("a, img").Each(func(_ int, sel *goquery.Selection) {
		attr := "href"
		if goquery.NodeName(sel) == "img" {
			attr = "src"
		}
		raw, ok := sel.Attr(attr)
		if !ok {
			return
		}
		link, ok := resolve(base, raw)
		if !ok {
			return
		}
		links = append(links, link)
	})
	return links, nil
}

// Normalize resolves raw against baseURL, drops the fragment, and strips a
// single trailing slash.
func Normalize(baseURL, raw string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	link, ok := resolve(base, raw)
	if !ok {
		return "", fmt.Errorf("parse reference %q", raw)
	}
	return link, nil
}

func resolve(base *url.URL, raw string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	abs.RawFragment = ""
	return strings.TrimSuffix(abs.String(), "/"), true
}
