package mailbox

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"path/filepath"
	"strings"
)

// Attachment is one invoice candidate extracted from a message.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// Message is a parsed inbound email.
type Message struct {
	From        string
	Subject     string
	Attachments []Attachment
}

var mimeBySuffix = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// ParseMessage reads an RFC 5322 message and collects attachments with
// an invoice-capable suffix (pdf, png, jpg, jpeg). Other parts are
// skipped silently.
func ParseMessage(r io.Reader) (Message, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}

	out := Message{Subject: msg.Header.Get("Subject")}
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		out.From = addr.Address
	} else {
		out.From = strings.TrimSpace(msg.Header.Get("From"))
	}
	if out.From == "" {
		out.From = "unknown"
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		// A single-part message carries no attachments.
		return out, nil
	}
	attachments, err := walkParts(multipart.NewReader(msg.Body, params["boundary"]))
	if err != nil {
		return Message{}, err
	}
	out.Attachments = attachments
	return out, nil
}

func walkParts(mr *multipart.Reader) ([]Attachment, error) {
	var out []Attachment
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}

		mediaType, params, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if strings.HasPrefix(mediaType, "multipart/") {
			nested, err := walkParts(multipart.NewReader(part, params["boundary"]))
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}

		filename := part.FileName()
		if filename == "" {
			continue
		}
		suffix := strings.ToLower(filepath.Ext(filename))
		mimeType, ok := mimeBySuffix[suffix]
		if !ok {
			continue
		}
		data, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return nil, fmt.Errorf("decode attachment %s: %w", filename, err)
		}
		if len(data) == 0 {
			continue
		}
		out = append(out, Attachment{Filename: filepath.Base(filename), MimeType: mimeType, Data: data})
	}
}

func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, newWhitespaceStripper(r))
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	return io.ReadAll(r)
}

// whitespaceStripper removes CR/LF so the base64 decoder sees one
// contiguous stream regardless of line wrapping.
type whitespaceStripper struct {
	r io.Reader
}

func newWhitespaceStripper(r io.Reader) io.Reader {
	return &whitespaceStripper{r: r}
}

func (w *whitespaceStripper) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	kept := 0
	for i := 0; i < n; i++ {
		if p[i] == '\r' || p[i] == '\n' || p[i] == ' ' || p[i] == '\t' {
			continue
		}
		p[kept] = p[i]
		kept++
	}
	if kept == 0 && err == nil && n > 0 {
		// The chunk was all whitespace; pull more data.
		return w.Read(p)
	}
	return kept, err
}
