package dmarc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ResultPass is the verdict counted as passing in statistics.
const ResultPass = "pass"

// Report is the normalized form of a DMARC aggregate report.
type Report struct {
	ReportID         string   `json:"report_id"`
	OrgName          string   `json:"org_name"`
	Email            string   `json:"email"`
	ExtraContactInfo *string  `json:"extra_contact_info,omitempty"`
	DateBegin        int64    `json:"date_begin"`
	DateEnd          int64    `json:"date_end"`
	PolicyDomain     string   `json:"policy_domain"`
	PolicyAdkim      *string  `json:"policy_adkim,omitempty"`
	PolicyAspf       *string  `json:"policy_aspf,omitempty"`
	PolicyP          *string  `json:"policy_p,omitempty"`
	PolicySp         *string  `json:"policy_sp,omitempty"`
	PolicyPct        *int64   `json:"policy_pct,omitempty"`
	Records          []Record `json:"records"`
	// Blob is the decompressed XML the report was built from.
	Blob []byte `json:"-"`
}

// Record is a single source IP row of a report. Only the first DKIM
// auth result of the row is kept.
type Record struct {
	SourceIP     string  `json:"source_ip"`
	Count        int64   `json:"count"`
	Disposition  string  `json:"disposition"`
	DKIMEval     string  `json:"dkim_evaluated"`
	SPFEval      string  `json:"spf_evaluated"`
	HeaderFrom   string  `json:"header_from"`
	DKIMDomain   *string `json:"dkim_domain,omitempty"`
	DKIMResult   *string `json:"dkim_result,omitempty"`
	DKIMSelector *string `json:"dkim_selector,omitempty"`
	SPFDomain    *string `json:"spf_domain,omitempty"`
	SPFResult    *string `json:"spf_result,omitempty"`
}

// Parse parses and normalizes a decompressed report.
func Parse(p *Payload) (*Report, error) {
	f, err := ParseFeedback(p.XML)
	if err != nil {
		return nil, err
	}
	return Normalize(f, p.XML)
}

// Normalize converts the raw feedback into a Report. Any missing required
// field or non numeric number fails the whole report with ErrMalformedReport.
func Normalize(f *Feedback, blob []byte) (*Report, error) {
	n := &normalizer{}

	meta := f.ReportMetadata
	if meta == nil {
		meta = &ReportMetadata{}
		n.fail("report_metadata is missing")
	}
	dateRange := meta.DateRange
	if dateRange == nil {
		dateRange = &DateRange{}
	}
	policy := f.PolicyPublished
	if policy == nil {
		policy = &PolicyPublished{}
		n.fail("policy_published is missing")
	}

	r := &Report{
		ReportID:         n.required("report_metadata.report_id", meta.ReportID),
		OrgName:          n.required("report_metadata.org_name", meta.OrgName),
		Email:            n.required("report_metadata.email", meta.Email),
		ExtraContactInfo: optional(meta.ExtraContactInfo),
		DateBegin:        n.integer("report_metadata.date_range.begin", dateRange.Begin),
		DateEnd:          n.integer("report_metadata.date_range.end", dateRange.End),
		PolicyDomain:     n.required("policy_published.domain", policy.Domain),
		PolicyAdkim:      optional(policy.Adkim),
		PolicyAspf:       optional(policy.Aspf),
		PolicyP:          optional(policy.P),
		PolicySp:         optional(policy.Sp),
		PolicyPct:        n.optionalInteger("policy_published.pct", policy.Pct),
		Blob:             blob,
	}

	if len(f.Records) == 0 {
		n.fail("report contains no records")
	}

	for i, rec := range f.Records {
		r.Records = append(r.Records, n.record(i, rec))
	}

	if err := n.err.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	return r, nil
}

type normalizer struct {
	err *multierror.Error
}

func (n *normalizer) fail(format string, args ...any) {
	if n.err == nil {
		n.err = &multierror.Error{ErrorFormat: joinErrors}
	}
	n.err = multierror.Append(n.err, fmt.Errorf(format, args...))
}

func joinErrors(errs []error) string {
	s := make([]string, len(errs))
	for i, err := range errs {
		s[i] = err.Error()
	}
	return strings.Join(s, "; ")
}

func (n *normalizer) required(name string, v *string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		n.fail("%s is missing", name)
		return ""
	}
	return strings.TrimSpace(*v)
}

func (n *normalizer) integer(name string, v *string) int64 {
	s := n.required(name, v)
	if s == "" {
		return 0
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		n.fail("%s is not a number: %q", name, s)
		return 0
	}
	return i
}

func (n *normalizer) optionalInteger(name string, v *string) *int64 {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil
	}
	i := n.integer(name, v)
	return &i
}

func (n *normalizer) record(idx int, rec FeedbackRecord) Record {
	prefix := fmt.Sprintf("record[%d]", idx)

	row := rec.Row
	if row == nil {
		row = &Row{}
		n.fail("%s.row is missing", prefix)
	}
	evaluated := row.PolicyEvaluated
	if evaluated == nil {
		evaluated = &PolicyEvaluated{}
		n.fail("%s.row.policy_evaluated is missing", prefix)
	}
	identifiers := rec.Identifiers
	if identifiers == nil {
		identifiers = &Identifiers{}
		n.fail("%s.identifiers is missing", prefix)
	}
	auth := rec.AuthResults
	if auth == nil {
		auth = &AuthResults{}
	}

	// multiple DKIM signatures are collapsed to the first one
	dkim := DKIMAuthResult{}
	if len(auth.Dkim) > 0 {
		dkim = auth.Dkim[0]
	}
	spf := SPFAuthResult{}
	if len(auth.Spf) > 0 {
		spf = auth.Spf[0]
	}

	count := n.integer(prefix+".row.count", row.Count)
	if count < 0 {
		n.fail("%s.row.count is negative: %d", prefix, count)
	}

	return Record{
		SourceIP:     n.required(prefix+".row.source_ip", row.SourceIP),
		Count:        count,
		Disposition:  n.required(prefix+".row.policy_evaluated.disposition", evaluated.Disposition),
		DKIMEval:     n.required(prefix+".row.policy_evaluated.dkim", evaluated.Dkim),
		SPFEval:      n.required(prefix+".row.policy_evaluated.spf", evaluated.Spf),
		HeaderFrom:   n.required(prefix+".identifiers.header_from", identifiers.HeaderFrom),
		DKIMDomain:   optional(dkim.Domain),
		DKIMResult:   optional(dkim.Result),
		DKIMSelector: optional(dkim.Selector),
		SPFDomain:    optional(spf.Domain),
		SPFResult:    optional(spf.Result),
	}
}

// optional treats an empty element the same as a missing one.
func optional(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
