package dmarc

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

type CustomTime time.Time

func (t CustomTime) MarshalJSON() ([]byte, error) {
	stamp := fmt.Sprintf("\"%s\"", time.Time(t).UTC().Format(time.RFC822Z))
	return []byte(stamp), nil
}

func (t CustomTime) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	stamp := time.Time(t).UTC().Format(time.RFC822Z)
	return e.EncodeElement(stamp, start)
}

// Resolver resolves an IP address to host names.
type Resolver interface {
	CachedDNSLookup(ip string) ([]string, error)
}

// Entry is one record of a report together with the report metadata it
// belongs to.
type Entry struct {
	XMLName         xml.Name   `xml:"entry" json:"-"`
	ReportID        string     `xml:"report_id" json:"report_id"`
	OrgName         string     `xml:"org_name" json:"org_name"`
	Domain          string     `xml:"domain" json:"domain"`
	DateBegin       int64      `xml:"date_begin" json:"date_begin"`
	DateEnd         int64      `xml:"date_end" json:"date_end"`
	DateBeginParsed CustomTime `xml:"date_begin_parsed" json:"date_begin_parsed"`
	DateEndParsed   CustomTime `xml:"date_end_parsed" json:"date_end_parsed"`
	SourceIP        string     `xml:"source_ip" json:"source_ip"`
	SourceDNS       []string   `xml:"source_dns>dns" json:"source_dns"`
	SourceDNSString string     `xml:"source_dns_string" json:"source_dns_string"`
	Count           int64      `xml:"count" json:"count"`
	HeaderFrom      string     `xml:"header_from" json:"header_from"`
	Disposition     string     `xml:"disposition" json:"disposition"`
	DKIMEvaluated   string     `xml:"dkim_evaluated" json:"dkim_evaluated"`
	SPFEvaluated    string     `xml:"spf_evaluated" json:"spf_evaluated"`
	DKIMDomain      string     `xml:"dkim_domain,omitempty" json:"dkim_domain,omitempty"`
	DKIMSelector    string     `xml:"dkim_selector,omitempty" json:"dkim_selector,omitempty"`
	DKIMResult      string     `xml:"dkim_result,omitempty" json:"dkim_result,omitempty"`
	SPFDomain       string     `xml:"spf_domain,omitempty" json:"spf_domain,omitempty"`
	SPFResult       string     `xml:"spf_result,omitempty" json:"spf_result,omitempty"`
}

// Entries flattens the report into one entry per record. If resolver is
// not nil the source IPs are resolved to host names.
func Entries(report *Report, resolver Resolver) []Entry {
	entries := make([]Entry, len(report.Records))
	for i, record := range report.Records {
		var domains []string
		if resolver != nil {
			var err error
			domains, err = resolver.CachedDNSLookup(record.SourceIP)
			if err != nil {
				domains = []string{}
			}
		}

		entries[i] = Entry{
			ReportID:        report.ReportID,
			OrgName:         report.OrgName,
			Domain:          report.PolicyDomain,
			DateBegin:       report.DateBegin,
			DateEnd:         report.DateEnd,
			DateBeginParsed: CustomTime(time.Unix(report.DateBegin, 0)),
			DateEndParsed:   CustomTime(time.Unix(report.DateEnd, 0)),
			SourceIP:        record.SourceIP,
			SourceDNS:       domains,
			SourceDNSString: strings.Join(domains, ", "),
			Count:           record.Count,
			HeaderFrom:      record.HeaderFrom,
			Disposition:     record.Disposition,
			DKIMEvaluated:   record.DKIMEval,
			SPFEvaluated:    record.SPFEval,
			DKIMDomain:      deref(record.DKIMDomain),
			DKIMSelector:    deref(record.DKIMSelector),
			DKIMResult:      deref(record.DKIMResult),
			SPFDomain:       deref(record.SPFDomain),
			SPFResult:       deref(record.SPFResult),
		}
	}
	return entries
}

func EncodeJSON(entries []Entry) ([][]byte, error) {
	var ret [][]byte
	for _, e := range entries {
		jsonString, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("could not marshal JSON: %w", err)
		}
		ret = append(ret, jsonString)
	}
	return ret, nil
}

func EncodeXML(entries []Entry) ([][]byte, error) {
	var ret [][]byte
	for _, e := range entries {
		xmlString, err := xml.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("could not marshal XML: %w", err)
		}
		ret = append(ret, xmlString)
	}
	return ret, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
