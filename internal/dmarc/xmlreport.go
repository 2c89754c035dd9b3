package dmarc

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/emersion/go-message/charset"
)

const xsTag = `<xs:schema xmlns:xs="http://www.w3.org/2001/XMLSchema" targetNamespace="http://dmarc.org/dmarc-xml/0.1">`

// Feedback represents the top element of a DMARC report as sent by the
// reporter. Every field is optional here, Normalize decides what is required.
// https://tools.ietf.org/html/rfc7489#appendix-C
type Feedback struct {
	XMLName         xml.Name         `xml:"feedback"`
	Version         *string          `xml:"version"`
	ReportMetadata  *ReportMetadata  `xml:"report_metadata"`
	PolicyPublished *PolicyPublished `xml:"policy_published"`
	Records         []FeedbackRecord `xml:"record"`
}

type ReportMetadata struct {
	OrgName          *string    `xml:"org_name"`
	Email            *string    `xml:"email"`
	ExtraContactInfo *string    `xml:"extra_contact_info"`
	ReportID         *string    `xml:"report_id"`
	DateRange        *DateRange `xml:"date_range"`
	Error            []string   `xml:"error"`
}

type DateRange struct {
	Begin *string `xml:"begin"`
	End   *string `xml:"end"`
}

type PolicyPublished struct {
	Domain *string `xml:"domain"`
	Adkim  *string `xml:"adkim"`
	Aspf   *string `xml:"aspf"`
	P      *string `xml:"p"`
	Sp     *string `xml:"sp"`
	Pct    *string `xml:"pct"`
	Fo     *string `xml:"fo"`
}

// FeedbackRecord represents the record element of a DMARC report
type FeedbackRecord struct {
	Row         *Row         `xml:"row"`
	Identifiers *Identifiers `xml:"identifiers"`
	AuthResults *AuthResults `xml:"auth_results"`
}

type Row struct {
	SourceIP        *string          `xml:"source_ip"`
	Count           *string          `xml:"count"`
	PolicyEvaluated *PolicyEvaluated `xml:"policy_evaluated"`
}

type PolicyEvaluated struct {
	Disposition *string                `xml:"disposition"`
	Dkim        *string                `xml:"dkim"`
	Spf         *string                `xml:"spf"`
	Reason      []PolicyOverrideReason `xml:"reason"`
}

// PolicyOverrideReason represents the reason element of a DMARC report
type PolicyOverrideReason struct {
	Type    string `xml:"type"`
	Comment string `xml:"comment"`
}

type Identifiers struct {
	EnvelopeTo   *string `xml:"envelope_to"`
	EnvelopeFrom *string `xml:"envelope_from"`
	HeaderFrom   *string `xml:"header_from"`
}

type AuthResults struct {
	Dkim []DKIMAuthResult `xml:"dkim"`
	Spf  []SPFAuthResult  `xml:"spf"`
}

type DKIMAuthResult struct {
	Domain      *string `xml:"domain"`
	Selector    *string `xml:"selector"`
	Result      *string `xml:"result"`
	HumanResult *string `xml:"human_result"`
}

type SPFAuthResult struct {
	Domain *string `xml:"domain"`
	Scope  *string `xml:"scope"`
	Result *string `xml:"result"`
}

// ParseFeedback parses the XML document into the raw report schema.
func ParseFeedback(xmlContent []byte) (*Feedback, error) {
	// some xmls contain invalid XML by adding an unclosed xs tag
	xmlContent = bytes.ReplaceAll(xmlContent, []byte(xsTag), []byte(""))

	d := xml.NewDecoder(bytes.NewReader(xmlContent))
	// reports declaring e.g. encoding="windows-1252" need a charset reader
	d.CharsetReader = charset.Reader
	var f Feedback
	if err := d.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: error on xml unmarshal: %v", ErrMalformedReport, err)
	}
	return &f, nil
}
