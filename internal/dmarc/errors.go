package dmarc

import "errors"

// Per-message failures. None of them should stop a mailbox scan.
var (
	ErrUnreadableMessage   = errors.New("message could not be parsed")
	ErrNoAttachment        = errors.New("no attachment found")
	ErrNoFilename          = errors.New("no file name found")
	ErrDecompressionFailed = errors.New("decompression failed")
	ErrMalformedReport     = errors.New("malformed report")
)
