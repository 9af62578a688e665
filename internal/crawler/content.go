package crawler

import "strings"

const htmlMediaPrefix = "text/html"

// IsHTML classifies a declared Content-Type. A missing header counts as HTML;
// any other value only when it starts with text/html.
func IsHTML(contentType string) bool {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(contentType), htmlMediaPrefix)
}
