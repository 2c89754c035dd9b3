package dmarc

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	// needed to handle other charsets too
	_ "github.com/emersion/go-message/charset"
)

const (
	MimeTypeZip         = "application/zip"
	MimeTypeGzip        = "application/gzip"
	MimeTypeOctetStream = "application/octet-stream"
)

// usableMimeTypes are the content types a report attachment can be sent as.
var usableMimeTypes = map[string]struct{}{
	MimeTypeZip:         {},
	MimeTypeGzip:        {},
	MimeTypeOctetStream: {},
}

// Message is a parsed mail message.
type Message struct {
	// ID is the Message-ID header without angle brackets. Empty if the
	// header is missing.
	ID     string
	Entity *message.Entity
}

// Attachment is the raw, still compressed, report attachment of a message.
type Attachment struct {
	Content  []byte
	MimeType string
	Filename string
}

// ReadMessage parses a raw RFC 5322 message.
func ReadMessage(r io.Reader) (*Message, error) {
	e, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableMessage, err)
	}
	if e == nil {
		return nil, ErrUnreadableMessage
	}

	h := mail.Header{Header: e.Header}
	id, err := h.MessageID()
	if err != nil {
		// a broken Message-ID header does not make the report unusable
		id = ""
	}
	return &Message{ID: id, Entity: e}, nil
}

// LocateAttachment returns the report attachment of the message. If the
// message itself has a usable content type its body is used, otherwise the
// first direct child part with a usable content type. Attachments larger
// than limit bytes are rejected.
func LocateAttachment(m *Message, limit int64) (*Attachment, error) {
	e := m.Entity
	mimeType := contentType(e)
	if _, ok := usableMimeTypes[mimeType]; ok {
		return readAttachment(e, mimeType, limit)
	}

	mr := e.MultipartReader()
	if mr == nil {
		return nil, fmt.Errorf("%w: message has content type %q", ErrNoAttachment, mimeType)
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return nil, fmt.Errorf("%w: could not get next part: %v", ErrNoAttachment, err)
		}
		if p == nil {
			continue
		}

		mimeType := contentType(p)
		if _, ok := usableMimeTypes[mimeType]; ok {
			return readAttachment(p, mimeType, limit)
		}
	}

	return nil, ErrNoAttachment
}

func contentType(e *message.Entity) string {
	t, _, err := e.Header.ContentType()
	if err != nil {
		return ""
	}
	return t
}

func readAttachment(e *message.Entity, mimeType string, limit int64) (*Attachment, error) {
	body, err := readLimited(e.Body, limit)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %s part is empty", ErrNoAttachment, mimeType)
	}

	_, params, err := e.Header.ContentDisposition()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFilename, err)
	}
	filename := params["filename"]
	if filename == "" {
		return nil, ErrNoFilename
	}

	return &Attachment{
		Content:  body,
		MimeType: mimeType,
		Filename: filename,
	}, nil
}

// readLimited reads r fully and fails with ErrDecompressionFailed if it
// holds more than limit bytes.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: could not read: %v", ErrDecompressionFailed, err)
	}
	if n > limit {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrDecompressionFailed, limit)
	}
	return buf.Bytes(), nil
}
