package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTranscript = "From: Alice <alice@example.com>\r\n" +
	"To: support@example.com, ops@example.com\r\n" +
	"Subject: Chat with customer #991\r\n" +
	"Date: Tue, 10 Mar 2026 09:30:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=xyz\r\n" +
	"\r\n" +
	"--xyz\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"customer: my invoice is wrong\r\n" +
	"agent: let me check\r\n" +
	"--xyz\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: attachment; filename=\"screenshot.png\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"aGVsbG8=\r\n" +
	"--xyz--\r\n"

func TestParseMultipartTranscript(t *testing.T) {
	parsed, err := Parse([]byte(sampleTranscript))
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", parsed.From)
	assert.Equal(t, []string{"support@example.com", "ops@example.com"}, parsed.To)
	assert.Equal(t, "Chat with customer #991", parsed.Subject)
	assert.Contains(t, parsed.Body, "my invoice is wrong")
	assert.False(t, parsed.ReceivedAt.IsZero())

	require.Len(t, parsed.Attachments, 1)
	assert.Equal(t, "screenshot.png", parsed.Attachments[0].FileName)
	assert.Equal(t, "image/png", parsed.Attachments[0].ContentType)
	assert.Equal(t, int64(5), parsed.Attachments[0].Size)
}

func TestParsePlainMessage(t *testing.T) {
	raw := "From: bob@example.com\r\n" +
		"To: t-7@example.com\r\n" +
		"Subject: hello\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"just text\r\n"

	parsed, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "just text\r\n", parsed.Body)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("this is not an email at all"))
	assert.ErrorIs(t, err, ErrParse)

	// Headers but no recipient.
	_, err = Parse([]byte("From: a@example.com\r\nSubject: x\r\n\r\nbody"))
	assert.ErrorIs(t, err, ErrParse)

	_, err = Parse([]byte(strings.Repeat("\x00", 64)))
	assert.ErrorIs(t, err, ErrParse)
}
