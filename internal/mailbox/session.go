package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
)

// DefaultTimeout bounds dialing and every protocol round trip of the IMAP
// and POP3 sessions.
const DefaultTimeout = 30 * time.Second

// ErrNotConnected is returned by session operations issued before Connect
// or after Disconnect.
var ErrNotConnected = errors.New("mailbox session not connected")

// Message is one unseen message as reported by the provider.
type Message struct {
	ID      string    // provider-assigned, unique within one mailbox only
	From    string    // display form, "Name <addr>"
	Subject string    //
	Date    time.Time // send date from the message header
	Raw     []byte    // full RFC 5322 message
}

// Credentials identify the account a session connects to. Secret is the
// password, or the access token when Bearer is set.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Secret   string
	Bearer   bool
}

// Session is an authenticated handle to a single mailbox. Connect must work
// again after Disconnect; the poller reuses one session for its whole life.
type Session interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect(ctx context.Context) error
	ListUnseen(ctx context.Context) ([]Message, error)
	MarkSeen(ctx context.Context, id string) error
}

// ParseMessage fills a Message from raw RFC 5322 bytes.
func ParseMessage(id string, raw []byte) (Message, error) {
	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && r == nil {
		return Message{}, fmt.Errorf("parse message %s: %w", id, err)
	}
	defer r.Close()

	msg := Message{ID: id, Raw: raw}
	if addrs, err := r.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.From = formatAddress(addrs[0].Name, addrs[0].Address)
	} else {
		msg.From = r.Header.Get("From")
	}
	if s, err := r.Header.Subject(); err == nil {
		msg.Subject = s
	}
	if d, err := r.Header.Date(); err == nil {
		msg.Date = d
	}
	return msg, nil
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return name + " <" + addr + ">"
}
