package dmarc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcanalyzer/internal/dmarc/dmarctest"
)

func TestDecompressZip(t *testing.T) {
	t.Parallel()

	xml := dmarctest.ReportXML("r1", "example.com", 1700000000)
	p, err := Decompress(&Attachment{
		Content:  dmarctest.Zip("google.com!example.com!1700000000!1700086399.xml", xml),
		MimeType: MimeTypeZip,
		Filename: "google.com!example.com!1700000000!1700086399.zip",
	}, testLimit)
	require.NoError(t, err)
	assert.Equal(t, xml, p.XML)
	assert.Equal(t, "google.com!example.com!1700000000!1700086399.xml", p.Name)
}

func TestDecompressGzip(t *testing.T) {
	t.Parallel()

	xml := dmarctest.ReportXML("r1", "example.com", 1700000000)
	for _, mimeType := range []string{MimeTypeGzip, MimeTypeOctetStream} {
		p, err := Decompress(&Attachment{
			Content:  dmarctest.Gzip(xml),
			MimeType: mimeType,
			Filename: "outlook.com!example.com!1700000000!1700086399.xml.gz",
		}, testLimit)
		require.NoError(t, err, mimeType)
		assert.Equal(t, xml, p.XML)
		// only the last extension is stripped
		assert.Equal(t, "outlook.com!example.com!1700000000!1700086399.xml", p.Name)
	}
}

func TestDecompressOctetStreamZip(t *testing.T) {
	t.Parallel()

	xml := dmarctest.ReportXML("r1", "example.com", 1700000000)
	p, err := Decompress(&Attachment{
		Content:  dmarctest.Zip("report.xml", xml),
		MimeType: MimeTypeOctetStream,
		Filename: "report.zip",
	}, testLimit)
	require.NoError(t, err)
	assert.Equal(t, xml, p.XML)
	assert.Equal(t, "report.xml", p.Name)
}

func TestDecompressErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    Attachment
	}{
		{"broken zip", Attachment{Content: []byte("PK\x03\x04garbage"), MimeType: MimeTypeZip, Filename: "x.zip"}},
		{"broken gzip", Attachment{Content: []byte("not gzip at all"), MimeType: MimeTypeGzip, Filename: "x.gz"}},
		{"empty zip", Attachment{Content: emptyZip(t), MimeType: MimeTypeZip, Filename: "x.zip"}},
		{"unsupported", Attachment{Content: []byte("x"), MimeType: "text/plain", Filename: "x.txt"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decompress(&tc.a, testLimit)
			require.ErrorIs(t, err, ErrDecompressionFailed)
		})
	}
}

func TestDecompressBomb(t *testing.T) {
	t.Parallel()

	huge := bytes.Repeat([]byte("A"), 10*1024)
	_, err := Decompress(&Attachment{Content: dmarctest.Gzip(huge), MimeType: MimeTypeGzip, Filename: "x.gz"}, 1024)
	require.ErrorIs(t, err, ErrDecompressionFailed)

	_, err = Decompress(&Attachment{Content: dmarctest.Zip("x.xml", huge), MimeType: MimeTypeZip, Filename: "x.zip"}, 1024)
	require.ErrorIs(t, err, ErrDecompressionFailed)

	// exactly at the limit is fine
	p, err := Decompress(&Attachment{Content: dmarctest.Gzip(huge[:1024]), MimeType: MimeTypeGzip, Filename: "x.gz"}, 1024)
	require.NoError(t, err)
	assert.Len(t, p.XML, 1024)
}

func emptyZip(t *testing.T) []byte {
	t.Helper()
	// a zip archive containing only a directory entry
	return dmarctest.Zip("reports/", nil)
}
