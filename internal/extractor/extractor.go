package extractor

import (
	"net/url"
	"regexp"
	"strings"
)

// IndicatorType is the kind of network indicator found in text
type IndicatorType string

const (
	IndicatorURL   IndicatorType = "url"
	IndicatorEmail IndicatorType = "email"
)

// Pre-compiled patterns for each indicator type
var (
	// URL - HTTP/HTTPS/FTP URLs
	urlPattern = regexp.MustCompile(`(?i)\b(?:https?|ftp)://[^\s<>"'\x60{}\[\]|\\^]+`)

	// Email - standard email format
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
)

// benignHosts are XML namespace and standards hosts that appear in every XMP
// packet and carry no threat
var benignHosts = map[string]bool{
	"ns.adobe.com":     true,
	"www.w3.org":       true,
	"purl.org":         true,
	"iptc.org":         true,
	"www.iptc.org":     true,
	"ns.useplus.org":   true,
	"cipa.jp":          true,
	"www.aiim.org":     true,
	"ns.google.com":    true,
	"ns.microsoft.com": true,
}

// Extractor holds the indicator patterns used on metadata text
type Extractor struct {
	patterns map[IndicatorType]*regexp.Regexp
}

// NewExtractor creates an extractor with pre-compiled patterns
func NewExtractor() *Extractor {
	return &Extractor{
		patterns: map[IndicatorType]*regexp.Regexp{
			IndicatorURL:   urlPattern,
			IndicatorEmail: emailPattern,
		},
	}
}

// Scan extracts indicators from content. Keys with no matches are omitted;
// values are deduplicated in order of appearance.
func (e *Extractor) Scan(content []byte) map[IndicatorType][]string {
	results := make(map[IndicatorType][]string)
	contentStr := string(content)

	if urls := e.extractURLs(contentStr); len(urls) > 0 {
		results[IndicatorURL] = urls
	}
	if emails := e.extractEmails(contentStr); len(emails) > 0 {
		results[IndicatorEmail] = emails
	}
	return results
}

// ========== Individual Extractors ==========

func (e *Extractor) extractURLs(content string) []string {
	matches := e.patterns[IndicatorURL].FindAllString(content, -1)
	cleaned := make([]string, 0, len(matches))
	for _, u := range matches {
		// Clean up URLs (remove trailing punctuation)
		u = strings.TrimRight(u, ".,;:!?)")
		if isBenignURL(u) {
			continue
		}
		cleaned = append(cleaned, u)
	}
	return deduplicate(cleaned)
}

func (e *Extractor) extractEmails(content string) []string {
	matches := e.patterns[IndicatorEmail].FindAllString(content, -1)
	return deduplicate(toLower(matches))
}

// ========== Helper Functions ==========

func isBenignURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return benignHosts[strings.ToLower(u.Hostname())]
}

// deduplicate removes duplicate strings from a slice
func deduplicate(items []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(items))

	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			result = append(result, item)
		}
	}

	return result
}

// toLower converts all strings to lowercase
func toLower(items []string) []string {
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = strings.ToLower(item)
	}
	return result
}

// Count counts total indicators from a scan result
func Count(results map[IndicatorType][]string) int {
	count := 0
	for _, values := range results {
		count += len(values)
	}
	return count
}
