package scanner

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/firefart/dmarcanalyzer/internal/dmarc"
)

// Reason explains why a message was skipped.
type Reason string

const (
	ReasonNoAttachment        Reason = "NoAttachment"
	ReasonNoFilename          Reason = "NoFilename"
	ReasonDecompressionFailed Reason = "DecompressionFailed"
	ReasonMalformedReport     Reason = "MalformedReport"
	ReasonUnreadableMessage   Reason = "UnreadableMessage"
	ReasonUnknown             Reason = "Unknown"
)

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, dmarc.ErrNoAttachment):
		return ReasonNoAttachment
	case errors.Is(err, dmarc.ErrNoFilename):
		return ReasonNoFilename
	case errors.Is(err, dmarc.ErrDecompressionFailed):
		return ReasonDecompressionFailed
	case errors.Is(err, dmarc.ErrMalformedReport):
		return ReasonMalformedReport
	case errors.Is(err, dmarc.ErrUnreadableMessage):
		return ReasonUnreadableMessage
	default:
		return ReasonUnknown
	}
}

// Skip is a message that did not result in a stored report.
type Skip struct {
	// MessageID is the Message-ID header or uid:<uid> if the message has none.
	MessageID string `json:"message_id"`
	UID       uint32 `json:"uid"`
	Reason    Reason `json:"reason"`
	Detail    string `json:"detail"`
}

// Summary is the outcome of one scan.
type Summary struct {
	RunID string `json:"run_id"`
	// PerDomain counts the newly stored reports per policy domain.
	PerDomain  map[string]int `json:"per_domain"`
	Duplicates int            `json:"duplicates"`
	Processed  int            `json:"processed"`
	Skipped    []Skip         `json:"skipped"`
}

func newSummary(runID string) *Summary {
	return &Summary{
		RunID:     runID,
		PerDomain: make(map[string]int),
		Skipped:   []Skip{},
	}
}

// New returns the number of newly stored reports.
func (s *Summary) New() int {
	n := 0
	for _, c := range s.PerDomain {
		n += c
	}
	return n
}

// String renders the summary for humans. Domains are sorted.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Processed: %d\n", s.Processed)

	b.WriteString("Imported:\n")
	if len(s.PerDomain) == 0 {
		b.WriteString("  none\n")
	}
	domains := make([]string, 0, len(s.PerDomain))
	for d := range s.PerDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		fmt.Fprintf(&b, "  %s: %d\n", d, s.PerDomain[d])
	}

	fmt.Fprintf(&b, "Duplicates: %d\n", s.Duplicates)

	fmt.Fprintf(&b, "Skipped: %d\n", len(s.Skipped))
	for _, sk := range s.Skipped {
		fmt.Fprintf(&b, "  %s (uid %d): %s: %s\n", sk.MessageID, sk.UID, sk.Reason, sk.Detail)
	}
	return b.String()
}
