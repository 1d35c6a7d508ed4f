package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const rawAlarm = "From: Leitstelle Nord <alarm@leitstelle.example>\r\n" +
	"Subject: Einsatz B3\r\n" +
	"Date: Thu, 14 Mar 2024 08:15:00 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Stichwort: B3\r\n"

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage("7", []byte(rawAlarm))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID != "7" {
		t.Errorf("id = %q", msg.ID)
	}
	if msg.From != "Leitstelle Nord <alarm@leitstelle.example>" {
		t.Errorf("from = %q", msg.From)
	}
	if msg.Subject != "Einsatz B3" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if want := time.Date(2024, 3, 14, 8, 15, 0, 0, time.UTC); !msg.Date.Equal(want) {
		t.Errorf("date = %v, want %v", msg.Date, want)
	}
}

func TestXOAuth2Client(t *testing.T) {
	c := NewXOAuth2Client("alarm@example.org", "tok")
	mech, ir, err := c.Start()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mech != "XOAUTH2" {
		t.Errorf("mech = %q", mech)
	}
	if want := "user=alarm@example.org\x01auth=Bearer tok\x01\x01"; string(ir) != want {
		t.Errorf("initial response = %q, want %q", ir, want)
	}
	if _, err := c.Next([]byte(`{"status":"401"}`)); err == nil {
		t.Error("expected error on server challenge")
	}
}

// TestGraphSession exercises connect, list and mark-read against a fake
// Graph endpoint.
func TestGraphSession(t *testing.T) {
	var markedRead []string
	mux := http.NewServeMux()
	mux.HandleFunc("/users/alarm@example.org/mailFolders/inbox", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"inbox"}`))
	})
	mux.HandleFunc("/users/alarm@example.org/mailFolders/inbox/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("$filter"); got != "isRead eq false" {
			t.Errorf("filter = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"value": []map[string]any{{
				"id":           "m1",
				"subject":      "Einsatz B3",
				"sentDateTime": "2024-03-14T08:15:00Z",
				"from": map[string]any{"emailAddress": map[string]string{
					"name": "Leitstelle Nord", "address": "alarm@leitstelle.example",
				}},
			}},
		})
	})
	mux.HandleFunc("/users/alarm@example.org/messages/m1/$value", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rawAlarm))
	})
	mux.HandleFunc("/users/alarm@example.org/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		markedRead = append(markedRead, "m1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	defer server.Close()

	s := NewGraph(server.URL, server.Client(), discardLogger())
	ctx := context.Background()

	if _, err := s.ListUnseen(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	creds := Credentials{Username: "alarm@example.org", Secret: "tok", Bearer: true}
	if err := s.Connect(ctx, creds); err != nil {
		t.Fatalf("connect: %v", err)
	}

	msgs, err := s.ListUnseen(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Subject != "Einsatz B3" || string(msgs[0].Raw) != rawAlarm {
		t.Errorf("message = %+v", msgs[0])
	}
	if msgs[0].From != "Leitstelle Nord <alarm@leitstelle.example>" {
		t.Errorf("from = %q", msgs[0].From)
	}

	if err := s.MarkSeen(ctx, "m1"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if len(markedRead) != 1 {
		t.Errorf("expected one PATCH, got %d", len(markedRead))
	}

	if err := s.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := s.Connect(ctx, creds); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
}

func TestGraphSession_RejectsBadToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	s := NewGraph(server.URL, server.Client(), discardLogger())
	err := s.Connect(context.Background(), Credentials{Username: "a@b.c", Secret: "bad", Bearer: true})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if err := s.Connect(context.Background(), Credentials{Username: "a@b.c", Secret: "pw"}); err == nil {
		t.Fatal("expected error for password credentials")
	}
}
