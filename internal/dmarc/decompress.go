package dmarc

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/firefart/dmarcanalyzer/internal/helper"
)

// Payload is the uncompressed report XML.
type Payload struct {
	XML  []byte
	Name string
}

// Decompress extracts the XML report from the attachment. At most limit
// bytes are decompressed.
func Decompress(a *Attachment, limit int64) (*Payload, error) {
	switch a.MimeType {
	case MimeTypeZip:
		return readZIP(a.Content, limit)
	case MimeTypeGzip:
		return readGZ(a.Content, a.Filename, limit)
	case MimeTypeOctetStream:
		// octet-stream is ambiguous, gzip unless it looks like a zip file
		if helper.DetectArchive(a.Content) == helper.ArchiveZip {
			return readZIP(a.Content, limit)
		}
		return readGZ(a.Content, a.Filename, limit)
	default:
		return nil, fmt.Errorf("%w: unsupported mime type %s", ErrDecompressionFailed, a.MimeType)
	}
}

func readGZ(content []byte, filename string, limit int64) (*Payload, error) {
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: could not gzip read: %v", ErrDecompressionFailed, err)
	}
	defer gz.Close()

	xmlContent, err := readLimited(gz, limit)
	if err != nil {
		return nil, err
	}
	return &Payload{
		XML:  xmlContent,
		Name: strings.TrimSuffix(filename, filepath.Ext(filename)),
	}, nil
}

// readZIP uses the first file in the archive. Reports are single file
// archives so no name matching is done.
func readZIP(content []byte, limit int64) (*Payload, error) {
	r, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: could not open zip: %v", ErrDecompressionFailed, err)
	}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		x, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: could not open file %s inside zip: %v", ErrDecompressionFailed, f.Name, err)
		}
		defer x.Close()
		xmlContent, err := readLimited(x, limit)
		if err != nil {
			return nil, fmt.Errorf("file %s inside zip: %w", f.Name, err)
		}
		return &Payload{XML: xmlContent, Name: f.Name}, nil
	}
	return nil, fmt.Errorf("%w: no file found within zip archive", ErrDecompressionFailed)
}
