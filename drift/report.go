// Package drift checks the latest upstream release of the host against the
// fingerprint registry and reports functions whose source changed.
//
// The monitor is read-only: it never transforms or installs anything.
package drift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/fnpatch/fingerprint"
)

// TitlePrefix marks reports filed by the monitor.
const TitlePrefix = "[AutoCheck]"

// Report says that Function has an unknown fingerprint in ReleaseTag.
type Report struct {
	ID           uuid.UUID          `json:"id"`
	Function     string             `json:"function"`
	ReleaseTag   string             `json:"release_tag"`
	ObservedHash fingerprint.Digest `json:"observed_hash"`
	SourceURL    string             `json:"source_url,omitempty"`
	CheckedAt    time.Time          `json:"checked_at"`
}

// Title is the issue title; it names (function, tag) so open reports can be
// matched against new ones.
func (r Report) Title() string {
	return fmt.Sprintf("%s %s", TitlePrefix, dedupeKey(r.Function, r.ReleaseTag))
}

// Body is the issue body.
func (r Report) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "The function `%s` in the host changed in release **%s**.\n\n", r.Function, r.ReleaseTag)
	fmt.Fprintf(&b, "New hash: `%s`\n\n", r.ObservedHash)
	if r.SourceURL != "" {
		fmt.Fprintf(&b, "Monitored file:\n%s\n\n", r.SourceURL)
	}
	b.WriteString("Review the patch spec and add the new fingerprint to the registry once it is supported.")
	return b.String()
}

func dedupeKey(function, tag string) string {
	return function + " changed in " + tag
}

// MatchesTitle reports whether an existing report title names (function, tag).
// The tag must end at a word boundary so 2025.1.1 does not match 2025.1.10.
func MatchesTitle(title, function, tag string) bool {
	key := dedupeKey(function, tag)
	for rest := title; ; {
		idx := strings.Index(rest, key)
		if idx < 0 {
			return false
		}
		end := idx + len(key)
		if end == len(rest) || !isTagChar(rest[end]) {
			return true
		}
		rest = rest[idx+1:]
	}
}

func isTagChar(c byte) bool {
	return c == '.' || c == '-' || c == '_' ||
		('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// OpenReport is a report already filed and still open.
type OpenReport struct {
	Title string
	URL   string
}

// Tracker stores filed reports.
type Tracker interface {
	ListOpenReports(ctx context.Context) ([]OpenReport, error)
	CreateReport(ctx context.Context, title, body string) (string, error)
}

// Sink receives every newly filed report, e.g. for fan-out on a message bus.
type Sink interface {
	Publish(ctx context.Context, r Report) error
}
