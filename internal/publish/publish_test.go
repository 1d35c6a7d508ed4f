package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tracyhatemice/mailagent/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleOperation() models.Operation {
	return models.Operation{
		Start:      time.Date(2024, 3, 14, 8, 15, 0, 0, time.UTC),
		Keyword:    "B3",
		Facts:      "Wohnungsbrand",
		Number:     "2024-0815",
		Source:     models.DefaultSource,
		Address:    models.Address{Street: "Hauptstr.", HouseNumber: "12a", ZipCode: "12345", City: "Musterstadt"},
		Properties: []models.Property{{Key: "Objekt", Value: "Halle"}},
	}
}

func TestConnectClient_Publish(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/interfaces/public/operation" || r.URL.Query().Get("updateStrategy") != "byNumber" {
			t.Errorf("url = %s", r.URL)
		}
		if h := r.Header.Get("Authorization"); h != "Bearer site-key" {
			t.Errorf("authorization = %q", h)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewConnectClient(srv.URL, time.Second, discardLogger())
	if err := c.Publish(context.Background(), sampleOperation(), models.Site{Name: "Wache", APIKey: "site-key"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got["keyword"] != "B3" || got["number"] != "2024-0815" || got["source"] != "MailAgent" {
		t.Errorf("body = %v", got)
	}
	addr, _ := got["address"].(map[string]any)
	if addr["houseNumber"] != "12a" || addr["zipCode"] != "12345" {
		t.Errorf("address = %v", addr)
	}
	if _, ok := got["position"]; ok {
		t.Error("position must be omitted when unset")
	}
}

func TestConnectClient_MissingAPIKey(t *testing.T) {
	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer srv.Close()

	c := NewConnectClient(srv.URL, time.Second, discardLogger())
	if err := c.Publish(context.Background(), sampleOperation(), models.Site{Name: "Wache", APIKey: "  "}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called.Load() {
		t.Error("no request expected without api key")
	}
}

func TestConnectClient_RejectedIsNotAnError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "invalid operation", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewConnectClient(srv.URL, time.Second, discardLogger())
	if err := c.Publish(context.Background(), sampleOperation(), models.Site{APIKey: "k"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected exactly one attempt, got %d", n)
	}
}

func TestConnectClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewConnectClient(url, time.Second, discardLogger())
	if err := c.Publish(context.Background(), sampleOperation(), models.Site{APIKey: "k"}); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestNewConnectClient_Defaults(t *testing.T) {
	c := NewConnectClient("", 0, discardLogger())
	if c.baseURL != DefaultBaseURL || c.client.Timeout != DefaultTimeout {
		t.Errorf("defaults = %s, %s", c.baseURL, c.client.Timeout)
	}
}

type fakePublisher struct {
	calls int
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, op models.Operation, site models.Site) error {
	f.calls++
	return f.err
}

type fakeRecorder struct {
	ops []models.Operation
	err error
}

func (f *fakeRecorder) Record(ctx context.Context, op models.Operation, site models.Site) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.ops = append(f.ops, op)
	return "id", nil
}

func TestJournaled(t *testing.T) {
	t.Run("records after publish", func(t *testing.T) {
		rec := &fakeRecorder{}
		p := WithJournal(&fakePublisher{}, rec, discardLogger())
		if err := p.Publish(context.Background(), sampleOperation(), models.Site{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(rec.ops) != 1 {
			t.Errorf("recorded %d", len(rec.ops))
		}
	})
	t.Run("journal failure is swallowed", func(t *testing.T) {
		p := WithJournal(&fakePublisher{}, &fakeRecorder{err: errors.New("down")}, discardLogger())
		if err := p.Publish(context.Background(), sampleOperation(), models.Site{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	t.Run("publish failure skips journal", func(t *testing.T) {
		rec := &fakeRecorder{}
		p := WithJournal(&fakePublisher{err: errors.New("refused")}, rec, discardLogger())
		if err := p.Publish(context.Background(), sampleOperation(), models.Site{}); err == nil {
			t.Fatal("expected publish error")
		}
		if len(rec.ops) != 0 {
			t.Error("failed publish must not be journaled")
		}
	})
}

func TestJournal_Entry(t *testing.T) {
	j := NewJournal(nil, "")
	j.now = func() time.Time { return time.Date(2024, 3, 14, 9, 0, 0, 0, time.FixedZone("CET", 3600)) }

	e := j.entry(sampleOperation(), models.Site{Name: "Wache", APIKey: "secret"})
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("entry id %q: %v", e.ID, err)
	}
	if e.Site != "Wache" || e.Recorded.Location() != time.UTC || e.Recorded.Hour() != 8 {
		t.Errorf("entry = %+v", e)
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "secret") {
		t.Error("api key must not be journaled")
	}
	if j.key != DefaultJournalKey {
		t.Errorf("key = %q", j.key)
	}
}

func TestJournal_RecordUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	j := NewJournal(rdb, "test:ops")
	if _, err := j.Record(context.Background(), sampleOperation(), models.Site{}); err == nil {
		t.Fatal("expected error from unreachable redis")
	}
}
