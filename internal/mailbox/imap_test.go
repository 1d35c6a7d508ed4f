package mailbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

// startIMAPServer runs an in-memory IMAP server with one user whose INBOX
// holds msgs.
func startIMAPServer(t *testing.T, msgs ...string) Credentials {
	t.Helper()

	user := imapmemserver.NewUser("alarm", "pw")
	if err := user.Create("INBOX", nil); err != nil {
		t.Fatalf("create inbox: %v", err)
	}
	for _, m := range msgs {
		if _, err := user.Append("INBOX", bytes.NewReader([]byte(m)), &imap.AppendOptions{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	mem := imapmemserver.New()
	mem.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}},
		InsecureAuth: true,
		Logger:       log.New(io.Discard, "", 0),
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return Credentials{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Username: "alarm",
		Secret:   "pw",
	}
}

func newTestIMAP() *IMAPSession {
	return NewIMAP(IMAPOptions{Plaintext: true, Timeout: 5 * time.Second}, discardLogger())
}

func TestIMAPSession(t *testing.T) {
	second := strings.Replace(rawAlarm, "Einsatz B3", "Einsatz H1", 1)
	creds := startIMAPServer(t, rawAlarm, second)
	ctx := context.Background()

	s := newTestIMAP()
	if _, err := s.ListUnseen(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}
	if err := s.Connect(ctx, creds); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Disconnect(ctx)

	msgs, err := s.ListUnseen(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	first := msgs[0]
	if first.ID != "1" || msgs[1].ID != "2" {
		t.Errorf("ids = %q, %q", first.ID, msgs[1].ID)
	}
	if first.From != "Leitstelle Nord <alarm@leitstelle.example>" {
		t.Errorf("from = %q", first.From)
	}
	if first.Subject != "Einsatz B3" || msgs[1].Subject != "Einsatz H1" {
		t.Errorf("subjects = %q, %q", first.Subject, msgs[1].Subject)
	}
	if want := time.Date(2024, 3, 14, 8, 15, 0, 0, time.UTC); !first.Date.Equal(want) {
		t.Errorf("date = %s", first.Date)
	}
	if !bytes.Contains(first.Raw, []byte("Stichwort: B3")) {
		t.Errorf("raw message missing body: %q", first.Raw)
	}

	// Listing peeks, so both are still unseen until marked.
	if err := s.MarkSeen(ctx, "1"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	msgs, err = s.ListUnseen(ctx)
	if err != nil {
		t.Fatalf("list after mark: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "2" {
		t.Fatalf("expected only message 2 unseen, got %+v", msgs)
	}

	if err := s.MarkSeen(ctx, "not-a-uid"); err == nil {
		t.Error("expected error for malformed uid")
	}
}

func TestIMAPSession_Reconnect(t *testing.T) {
	creds := startIMAPServer(t, rawAlarm)
	ctx := context.Background()

	s := newTestIMAP()
	if err := s.Connect(ctx, creds); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := s.MarkSeen(ctx, "1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}

	if err := s.Connect(ctx, creds); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer s.Disconnect(ctx)
	msgs, err := s.ListUnseen(ctx)
	if err != nil {
		t.Fatalf("list after reconnect: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(msgs))
	}
}

func TestIMAPSession_BadLogin(t *testing.T) {
	creds := startIMAPServer(t)
	creds.Secret = "wrong"

	s := newTestIMAP()
	if err := s.Connect(context.Background(), creds); err == nil {
		t.Fatal("expected login error")
	}
	if _, err := s.ListUnseen(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("failed connect must leave the session disconnected, got %v", err)
	}
}

// A server that accepts but never greets must not hang Connect.
func TestIMAPSession_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	s := NewIMAP(IMAPOptions{Plaintext: true, Timeout: 200 * time.Millisecond}, discardLogger())
	creds := Credentials{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port, Username: "alarm", Secret: "pw"}

	done := make(chan error, 1)
	go func() { done <- s.Connect(context.Background(), creds) }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected connect error from silent server")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not time out")
	}
}
