package connector

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/require"
)

type fakePOP3Conn struct {
	msgs    []pop3.MessageID
	bodies  map[int][]byte
	authErr error
	retrErr error

	quitCalls int
}

func (c *fakePOP3Conn) Auth(_, _ string) error { return c.authErr }
func (c *fakePOP3Conn) Quit() error            { c.quitCalls++; return nil }
func (c *fakePOP3Conn) Uidl(_ int) ([]pop3.MessageID, error) {
	return c.msgs, nil
}
func (c *fakePOP3Conn) RetrRaw(msgID int) (*bytes.Buffer, error) {
	if c.retrErr != nil {
		return nil, c.retrErr
	}
	return bytes.NewBuffer(c.bodies[msgID]), nil
}

func pop3Mailbox() Mailbox {
	return Mailbox{TenantID: 7, Kind: "pop3s", Host: "mail.example", Username: "agent", Password: "secret"}
}

func TestPOP3FetcherPullsEverything(t *testing.T) {
	conn := &fakePOP3Conn{
		msgs: []pop3.MessageID{
			{ID: 1, UID: "aa"},
			{ID: 2}, // no UIDL support: falls back to sequence id
		},
		bodies: map[int][]byte{1: []byte("first"), 2: []byte("second")},
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rec := &recordedFetch{}
	f := NewPOP3Fetcher(
		WithPOP3Clock(func() time.Time { return now }),
		withPOP3ConnFactory(func(Mailbox) (pop3Connection, error) { return conn, nil }),
	)

	require.NoError(t, f.Fetch(context.Background(), pop3Mailbox(), rec.handle))
	require.Len(t, rec.messages, 2)
	require.Equal(t, "mail.example/agent//aa", rec.messages[0].RemoteID)
	require.Equal(t, "mail.example/agent//2", rec.messages[1].RemoteID)
	require.Equal(t, now, rec.messages[0].ReceivedAt)
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3FetcherAuthError(t *testing.T) {
	f := NewPOP3Fetcher(withPOP3ConnFactory(func(Mailbox) (pop3Connection, error) {
		return &fakePOP3Conn{authErr: errors.New("bad creds")}, nil
	}))
	err := f.Fetch(context.Background(), pop3Mailbox(), (&recordedFetch{}).handle)
	require.ErrorContains(t, err, "pop3 auth")
}

func TestPOP3FetcherValidation(t *testing.T) {
	f := NewPOP3Fetcher()
	box := pop3Mailbox()
	box.Kind = "imap"
	require.Error(t, f.Fetch(context.Background(), box, (&recordedFetch{}).handle))
}

func TestFactoryResolvesByKind(t *testing.T) {
	factory := DefaultFactory()

	fetcher, err := factory.FetcherFor("IMAPS")
	require.NoError(t, err)
	require.Equal(t, "imap", fetcher.Name())

	fetcher, err = factory.FetcherFor("pop3")
	require.NoError(t, err)
	require.Equal(t, "pop3", fetcher.Name())

	_, err = factory.FetcherFor("graph")
	require.Error(t, err)
}
