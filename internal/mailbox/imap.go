package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPSession reads unseen messages from one IMAP folder over IMAPS.
type IMAPSession struct {
	folder   string
	insecure bool
	plain    bool
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
	conn   net.Conn
}

// IMAPOptions tune an IMAPSession.
type IMAPOptions struct {
	Folder string
	// Plaintext disables implicit TLS. Only useful against local test servers.
	Plaintext bool
	// InsecureSkipVerify accepts any server certificate.
	InsecureSkipVerify bool
	// Timeout bounds dialing and each command. Zero means DefaultTimeout.
	Timeout time.Duration
}

// NewIMAP creates a disconnected IMAP session.
func NewIMAP(opts IMAPOptions, logger *slog.Logger) *IMAPSession {
	folder := opts.Folder
	if folder == "" {
		folder = "INBOX"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &IMAPSession{
		folder:   folder,
		insecure: opts.InsecureSkipVerify,
		plain:    opts.Plaintext,
		timeout:  timeout,
		logger:   logger,
	}
}

func (s *IMAPSession) Connect(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Close()
		s.client, s.conn = nil, nil
	}

	addr := net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port))

	dialer := &net.Dialer{Timeout: s.timeout}
	var (
		conn net.Conn
		err  error
	)
	if s.plain {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		td := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{ServerName: creds.Host, InsecureSkipVerify: s.insecure},
		}
		conn, err = td.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("imap connect %s: %w", addr, err)
	}

	client := imapclient.New(conn, nil)
	release := s.guard(ctx, conn)
	defer release()

	if creds.Bearer {
		err = client.Authenticate(NewXOAuth2Client(creds.Username, creds.Secret))
	} else {
		err = client.Login(creds.Username, creds.Secret).Wait()
	}
	if err != nil {
		client.Close()
		return fmt.Errorf("imap login %s: %w", creds.Username, err)
	}

	if _, err := client.Select(s.folder, nil).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("imap select %s: %w", s.folder, err)
	}

	s.client, s.conn = client, conn
	s.logger.Debug("imap connected", "addr", addr, "folder", s.folder)
	return nil
}

// guard puts a deadline on conn for the commands that follow and cuts them
// short when ctx ends. The returned func clears the deadline so the idle
// connection survives until the next cycle.
func (s *IMAPSession) guard(ctx context.Context, conn net.Conn) (release func()) {
	conn.SetDeadline(time.Now().Add(s.timeout))
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	return func() {
		stop()
		conn.SetDeadline(time.Time{})
	}
}

func (s *IMAPSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	client := s.client
	defer s.guard(ctx, s.conn)()
	s.client, s.conn = nil, nil

	if err := client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "error", err)
	}
	return client.Close()
}

func (s *IMAPSession) ListUnseen(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, ErrNotConnected
	}
	defer s.guard(ctx, s.conn)()

	// Re-select so the server reports messages that arrived since the last cycle.
	if _, err := s.client.Select(s.folder, nil).Wait(); err != nil {
		return nil, fmt.Errorf("imap select %s: %w", s.folder, err)
	}

	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	buffers, err := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	msgs := make([]Message, 0, len(buffers))
	for _, buf := range buffers {
		id := strconv.FormatUint(uint64(buf.UID), 10)
		raw := buf.FindBodySection(bodySection)
		if len(raw) == 0 {
			s.logger.Warn("empty body, skipping", "msg_id", id)
			continue
		}

		msg := Message{ID: id, Raw: raw}
		if env := buf.Envelope; env != nil {
			msg.Subject = env.Subject
			msg.Date = env.Date
			if len(env.From) > 0 {
				msg.From = formatAddress(env.From[0].Name, env.From[0].Addr())
			}
		}
		if msg.Date.IsZero() {
			if parsed, err := ParseMessage(id, raw); err == nil {
				msg.Date = parsed.Date
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *IMAPSession) MarkSeen(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return ErrNotConnected
	}
	defer s.guard(ctx, s.conn)()
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return fmt.Errorf("imap uid %q: %w", id, err)
	}

	err = s.client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("imap store seen %s: %w", id, err)
	}
	return nil
}
