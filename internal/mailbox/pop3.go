package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	pop3client "github.com/knadh/go-pop3"
)

// POP3Session reads messages over POP3S.
//
// POP3 has no seen flag and only shows messages that were in the maildrop
// when the connection was opened. MarkSeen therefore deletes the message,
// and every ListUnseen ends the current transaction with QUIT, which commits
// pending deletions, before opening a fresh one.
type POP3Session struct {
	tlsEnabled bool
	insecure   bool
	timeout    time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	creds *Credentials
	conn  *pop3client.Conn
	seq   map[string]int
}

// NewPOP3 creates a disconnected POP3 session.
func NewPOP3(tlsEnabled, insecureSkipVerify bool, logger *slog.Logger) *POP3Session {
	return &POP3Session{
		tlsEnabled: tlsEnabled,
		insecure:   insecureSkipVerify,
		timeout:    DefaultTimeout,
		logger:     logger,
	}
}

func (s *POP3Session) Connect(ctx context.Context, creds Credentials) error {
	if creds.Bearer {
		return fmt.Errorf("pop3 %s: token authentication is not supported", creds.Username)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.quitLocked()
	if err := s.dialLocked(creds); err != nil {
		return err
	}
	s.creds = &creds
	return nil
}

func (s *POP3Session) dialLocked(creds Credentials) error {
	client := pop3client.New(pop3client.Opt{
		Host:          creds.Host,
		Port:          creds.Port,
		TLSEnabled:    s.tlsEnabled,
		TLSSkipVerify: s.insecure,
		Dialer:        deadlineDialer{timeout: s.timeout},
	})
	conn, err := client.NewConn()
	if err != nil {
		return fmt.Errorf("pop3 connect %s:%d: %w", creds.Host, creds.Port, err)
	}
	if err := conn.Auth(creds.Username, creds.Secret); err != nil {
		conn.Quit()
		return fmt.Errorf("pop3 auth %s: %w", creds.Username, err)
	}
	s.conn = conn
	s.seq = make(map[string]int)
	return nil
}

func (s *POP3Session) quitLocked() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Quit(); err != nil {
		s.logger.Debug("pop3 quit failed", "error", err)
	}
	s.conn = nil
	s.seq = nil
}

func (s *POP3Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quitLocked()
	s.creds = nil
	return nil
}

func (s *POP3Session) ListUnseen(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil {
		return nil, ErrNotConnected
	}
	s.quitLocked()
	if err := s.dialLocked(*s.creds); err != nil {
		return nil, err
	}

	ids, err := s.conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}

	msgs := make([]Message, 0, len(ids))
	for _, m := range ids {
		id := m.UID
		if id == "" {
			id = fmt.Sprintf("pop3-%d", m.ID)
		}
		buf, err := s.conn.RetrRaw(m.ID)
		if err != nil {
			return nil, fmt.Errorf("pop3 retrieve %d: %w", m.ID, err)
		}
		msg, err := ParseMessage(id, buf.Bytes())
		if err != nil {
			s.logger.Warn("unparseable message, skipping", "msg_id", id, "error", err)
			continue
		}
		s.seq[id] = m.ID
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *POP3Session) MarkSeen(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	n, ok := s.seq[id]
	if !ok {
		return fmt.Errorf("pop3: unknown message %s", id)
	}
	if err := s.conn.Dele(n); err != nil {
		return fmt.Errorf("pop3 dele %s: %w", id, err)
	}
	return nil
}

// deadlineDialer bounds every read and write on the POP3 connection. POP3
// reads only while a command is outstanding, so an idle connection is never
// cut by the deadline.
type deadlineDialer struct {
	timeout time.Duration
}

func (d deadlineDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.DialTimeout(network, addr, d.timeout)
	if err != nil {
		return nil, err
	}
	return &deadlineConn{Conn: conn, timeout: d.timeout}, nil
}

type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}
