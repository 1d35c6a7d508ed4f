package mailbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type pop3Message struct {
	uid string
	raw string
}

// pop3Server is a minimal maildrop: deletions are committed on QUIT only.
type pop3Server struct {
	ln   net.Listener
	mu   sync.Mutex
	msgs []pop3Message
}

func startPOP3Server(t *testing.T, msgs ...pop3Message) (*pop3Server, Credentials) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &pop3Server{ln: ln, msgs: msgs}
	go srv.serve()
	t.Cleanup(func() { ln.Close() })
	return srv, Credentials{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Username: "alarm",
		Secret:   "pw",
	}
}

func (s *pop3Server) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *pop3Server) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *pop3Server) handle(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	fmt.Fprint(c, "+OK ready\r\n")

	s.mu.Lock()
	drop := append([]pop3Message(nil), s.msgs...)
	s.mu.Unlock()
	deleted := map[string]bool{}
	var user string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		switch strings.ToUpper(f[0]) {
		case "USER":
			user = f[1]
			fmt.Fprint(c, "+OK\r\n")
		case "PASS":
			if user != "alarm" || f[1] != "pw" {
				fmt.Fprint(c, "-ERR invalid login\r\n")
				continue
			}
			fmt.Fprint(c, "+OK\r\n")
		case "NOOP":
			fmt.Fprint(c, "+OK\r\n")
		case "UIDL":
			fmt.Fprint(c, "+OK\r\n")
			for i, m := range drop {
				fmt.Fprintf(c, "%d %s\r\n", i+1, m.uid)
			}
			fmt.Fprint(c, ".\r\n")
		case "RETR":
			n, _ := strconv.Atoi(f[1])
			if n < 1 || n > len(drop) {
				fmt.Fprint(c, "-ERR no such message\r\n")
				continue
			}
			fmt.Fprintf(c, "+OK\r\n%s.\r\n", drop[n-1].raw)
		case "DELE":
			n, _ := strconv.Atoi(f[1])
			deleted[drop[n-1].uid] = true
			fmt.Fprint(c, "+OK\r\n")
		case "QUIT":
			s.mu.Lock()
			var kept []pop3Message
			for _, m := range s.msgs {
				if !deleted[m.uid] {
					kept = append(kept, m)
				}
			}
			s.msgs = kept
			s.mu.Unlock()
			fmt.Fprint(c, "+OK bye\r\n")
			return
		default:
			fmt.Fprint(c, "-ERR unknown command\r\n")
		}
	}
}

func TestPOP3Session(t *testing.T) {
	second := strings.Replace(rawAlarm, "Einsatz B3", "Einsatz H1", 1)
	srv, creds := startPOP3Server(t,
		pop3Message{uid: "uid-a", raw: rawAlarm},
		pop3Message{uid: "uid-b", raw: second},
	)
	ctx := context.Background()

	s := NewPOP3(false, false, discardLogger())
	if _, err := s.ListUnseen(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}
	if err := s.Connect(ctx, creds); err != nil {
		t.Fatalf("connect: %v", err)
	}

	msgs, err := s.ListUnseen(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "uid-a" || msgs[0].Subject != "Einsatz B3" {
		t.Errorf("first = %q %q", msgs[0].ID, msgs[0].Subject)
	}
	if msgs[0].From != "Leitstelle Nord <alarm@leitstelle.example>" {
		t.Errorf("from = %q", msgs[0].From)
	}

	if err := s.MarkSeen(ctx, "uid-a"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if err := s.MarkSeen(ctx, "uid-x"); err == nil {
		t.Error("expected error for unknown id")
	}

	// The next listing opens a new transaction, committing the deletion.
	msgs, err = s.ListUnseen(ctx)
	if err != nil {
		t.Fatalf("list after mark: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "uid-b" {
		t.Fatalf("expected only uid-b, got %+v", msgs)
	}
	if n := srv.remaining(); n != 1 {
		t.Errorf("maildrop holds %d messages, want 1", n)
	}

	if err := s.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if _, err := s.ListUnseen(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestPOP3Session_Rejects(t *testing.T) {
	_, creds := startPOP3Server(t)
	ctx := context.Background()
	s := NewPOP3(false, false, discardLogger())

	bad := creds
	bad.Secret = "wrong"
	if err := s.Connect(ctx, bad); err == nil {
		t.Error("expected auth error")
	}

	token := creds
	token.Bearer = true
	if err := s.Connect(ctx, token); err == nil {
		t.Error("expected error for bearer credentials")
	}
}
