package helper

import (
	"bytes"
)

type ArchiveType int

const (
	ArchiveUnknown ArchiveType = iota
	ArchiveGzip
	ArchiveZip
)

func (a ArchiveType) String() string {
	switch a {
	case ArchiveGzip:
		return "gzip"
	case ArchiveZip:
		return "zip"
	default:
		return "unknown"
	}
}

// https://en.wikipedia.org/wiki/List_of_file_signatures
var magicTable = []struct {
	magic []byte
	typ   ArchiveType
}{
	{[]byte{31, 139}, ArchiveGzip},     // .gz "\x1f\x8b"
	{[]byte{80, 75, 3, 4}, ArchiveZip}, // .zip "\x50\x4B\x03\x04"
	{[]byte{80, 75, 5, 6}, ArchiveZip}, // .zip "\x50\x4B\x05\x06"
	{[]byte{80, 75, 7, 8}, ArchiveZip}, // .zip "\x50\x4B\x07\x08"
}

// DetectArchive returns the archive type based on the magic bytes at the
// start of content.
func DetectArchive(content []byte) ArchiveType {
	sliceEnd := 10
	if len(content) < sliceEnd {
		sliceEnd = len(content)
	}
	contentStr := content[0:sliceEnd]

	for _, m := range magicTable {
		if bytes.HasPrefix(contentStr, m.magic) {
			return m.typ
		}
	}

	return ArchiveUnknown
}
