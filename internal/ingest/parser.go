// Package ingest normalizes inbound mail into pipeline messages. Both
// arrival paths, staged files and mailbox pulls, funnel through the same
// parser and router so a message record is created exactly one way.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	// Registers decoders for non-UTF-8 charsets found in the wild.
	_ "github.com/emersion/go-message/charset"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

// ErrParse marks an unparseable raw message. Terminal for the file: it is
// routed to the failed zone and never retried.
var ErrParse = errors.New("malformed message")

// ParsedMessage is the normalized in-memory form of one inbound email.
type ParsedMessage struct {
	From        string
	To          []string
	Subject     string
	Body        string
	ReceivedAt  time.Time
	Attachments []models.Attachment
}

// Parse decodes a raw RFC822 message. Best-effort local work, no network:
// any structural failure is ErrParse.
func Parse(raw []byte) (*ParsedMessage, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer reader.Close()

	parsed := &ParsedMessage{}

	if from, err := reader.Header.AddressList("From"); err == nil && len(from) > 0 {
		parsed.From = from[0].Address
	}
	if to, err := reader.Header.AddressList("To"); err == nil {
		for _, addr := range to {
			parsed.To = append(parsed.To, addr.Address)
		}
	}
	if len(parsed.To) == 0 {
		return nil, fmt.Errorf("%w: no recipient", ErrParse)
	}
	parsed.Subject, _ = reader.Header.Subject()
	if date, err := reader.Header.Date(); err == nil {
		parsed.ReceivedAt = date
	}

	var plain, html string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: read body: %v", ErrParse, err)
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && plain == "":
				plain = string(body)
			case strings.HasPrefix(contentType, "text/html") && html == "":
				html = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			size, err := io.Copy(io.Discard, part.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: read attachment %s: %v", ErrParse, filename, err)
			}
			parsed.Attachments = append(parsed.Attachments, models.Attachment{
				FileName:    filename,
				ContentType: contentType,
				Size:        size,
			})
		}
	}

	parsed.Body = plain
	if parsed.Body == "" {
		parsed.Body = html
	}
	if parsed.Body == "" && len(parsed.Attachments) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrParse)
	}
	return parsed, nil
}
