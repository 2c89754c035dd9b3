// Package dmarctest builds DMARC report mails for tests.
package dmarctest

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"strings"
)

// ReportXML returns a minimal valid aggregate report with two records. The
// first record passes DKIM and SPF, the second one fails both.
func ReportXML(reportID, domain string, begin int64) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?>
<feedback>
  <report_metadata>
    <org_name>google.com</org_name>
    <email>noreply-dmarc-support@google.com</email>
    <extra_contact_info>https://support.google.com/a/answer/2466580</extra_contact_info>
    <report_id>%[1]s</report_id>
    <date_range>
      <begin>%[3]d</begin>
      <end>%[4]d</end>
    </date_range>
  </report_metadata>
  <policy_published>
    <domain>%[2]s</domain>
    <adkim>r</adkim>
    <aspf>r</aspf>
    <p>none</p>
    <sp>none</sp>
    <pct>100</pct>
  </policy_published>
  <record>
    <row>
      <source_ip>203.0.113.10</source_ip>
      <count>3</count>
      <policy_evaluated>
        <disposition>none</disposition>
        <dkim>pass</dkim>
        <spf>pass</spf>
      </policy_evaluated>
    </row>
    <identifiers>
      <header_from>%[2]s</header_from>
    </identifiers>
    <auth_results>
      <dkim>
        <domain>%[2]s</domain>
        <result>pass</result>
        <selector>google</selector>
      </dkim>
      <spf>
        <domain>%[2]s</domain>
        <result>pass</result>
      </spf>
    </auth_results>
  </record>
  <record>
    <row>
      <source_ip>198.51.100.7</source_ip>
      <count>2</count>
      <policy_evaluated>
        <disposition>quarantine</disposition>
        <dkim>fail</dkim>
        <spf>fail</spf>
      </policy_evaluated>
    </row>
    <identifiers>
      <header_from>%[2]s</header_from>
    </identifiers>
    <auth_results>
      <spf>
        <domain>spammer.example</domain>
        <result>softfail</result>
      </spf>
    </auth_results>
  </record>
</feedback>
`, reportID, domain, begin, begin+86399))
}

// Zip packs content as the single file name of a zip archive.
func Zip(name string, content []byte) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(name)
	if err != nil {
		panic(err)
	}
	if _, err := f.Write(content); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Gzip compresses content.
func Gzip(content []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(content); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Part is a single body part of a test message.
type Part struct {
	ContentType string
	// Filename is put into the Content-Disposition header if set.
	Filename string
	Body     []byte
}

const boundary = "dmarctest-boundary-42"

// Message builds a multipart/mixed message with the given parts. Parts that
// are not text are base64 encoded.
func Message(messageID string, parts ...Part) []byte {
	var b strings.Builder
	writeHeaders(&b, messageID)
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", boundary)
	b.WriteString("This is a multi-part message in MIME format.\r\n")
	for _, p := range parts {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		writePart(&b, p)
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String())
}

// SinglePart builds a message whose only body is the given part, the way
// some reporters send the compressed report directly.
func SinglePart(messageID string, p Part) []byte {
	var b strings.Builder
	writeHeaders(&b, messageID)
	writePart(&b, p)
	return []byte(b.String())
}

// ZipReportMessage is a message with a zipped report attached after a text
// part.
func ZipReportMessage(messageID, reportID, domain string, begin int64) []byte {
	name := fmt.Sprintf("google.com!%s!%d!%d.xml", domain, begin, begin+86399)
	return Message(messageID,
		Part{ContentType: "text/plain", Body: []byte("This is an aggregate report from google.com.")},
		Part{
			ContentType: "application/zip",
			Filename:    name + ".zip",
			Body:        Zip(name, ReportXML(reportID, domain, begin)),
		},
	)
}

// GzipReportMessage is a message whose only part is a gzipped report.
func GzipReportMessage(messageID, reportID, domain string, begin int64) []byte {
	name := fmt.Sprintf("enterprise.protection.outlook.com!%s!%d!%d.xml.gz", domain, begin, begin+86399)
	return SinglePart(messageID, Part{
		ContentType: "application/gzip",
		Filename:    name,
		Body:        Gzip(ReportXML(reportID, domain, begin)),
	})
}

func writeHeaders(b *strings.Builder, messageID string) {
	b.WriteString("From: noreply-dmarc-support@google.com\r\n")
	b.WriteString("To: dmarc@example.com\r\n")
	b.WriteString("Subject: Report domain: example.com\r\n")
	b.WriteString("Date: Mon, 12 Oct 2026 09:14:00 +0000\r\n")
	if messageID != "" {
		fmt.Fprintf(b, "Message-ID: <%s>\r\n", messageID)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
}

func writePart(b *strings.Builder, p Part) {
	fmt.Fprintf(b, "Content-Type: %s\r\n", p.ContentType)
	if p.Filename != "" {
		fmt.Fprintf(b, "Content-Disposition: attachment; filename=\"%s\"\r\n", p.Filename)
	}
	if strings.HasPrefix(p.ContentType, "text/") {
		b.WriteString("\r\n")
		b.Write(p.Body)
		b.WriteString("\r\n")
		return
	}
	b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	enc := base64.StdEncoding.EncodeToString(p.Body)
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	b.WriteString("\r\n")
}
