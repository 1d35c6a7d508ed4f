package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tracyhatemice/mailagent/internal/mailbox"
	"github.com/tracyhatemice/mailagent/internal/models"
	"github.com/tracyhatemice/mailagent/internal/poller"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource emits its events during Start.
type fakeSource struct {
	name     string
	events   []poller.Event
	startErr error

	mu      sync.Mutex
	stopped bool
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Start(ctx context.Context, out chan<- poller.Event) error {
	for _, ev := range f.events {
		out <- ev
	}
	return f.startErr
}

func (f *fakeSource) Stop(ctx context.Context) {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

type fakeProcessor struct {
	mu   sync.Mutex
	seen []string
	fail map[string]error
}

func (f *fakeProcessor) Process(ctx context.Context, msg mailbox.Message, site models.Site) error {
	if msg.ID == "boom" {
		panic("nil map")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, msg.ID)
	return f.fail[msg.ID]
}

type fakeArchive struct {
	mu     sync.Mutex
	stored map[string]int
}

func (f *fakeArchive) Store(mailbox string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = map[string]int{}
	}
	f.stored[mailbox]++
	return nil
}

func message(box, id string) poller.Event {
	return poller.Event{
		Kind:    poller.EventMessage,
		Mailbox: box,
		Message: mailbox.Message{ID: id, Subject: "Alarm " + id},
		Site:    models.Site{Name: box},
	}
}

func TestAgent_ProcessesAndIsolatesFailures(t *testing.T) {
	src := &fakeSource{name: "wache1", events: []poller.Event{
		message("wache1", "1"),
		message("wache1", "boom"),
		{Kind: poller.EventError, Mailbox: "wache1", Err: errors.New("reconnect failed")},
		message("wache1", "2"),
		message("wache1", "3"),
	}}
	proc := &fakeProcessor{fail: map[string]error{"2": errors.New("publish failed")}}
	arch := &fakeArchive{}

	a := New([]Source{src}, proc, discardLogger(), WithArchive(arch))
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.Stop(context.Background())

	want := []string{"1", "2", "3"}
	if len(proc.seen) != len(want) {
		t.Fatalf("processed %v, want %v", proc.seen, want)
	}
	for i := range want {
		if proc.seen[i] != want[i] {
			t.Errorf("processed %v, want %v", proc.seen, want)
			break
		}
	}

	st := a.Stats()
	if st.Processed != 2 || st.Failed != 2 || st.Errors != 1 {
		t.Errorf("stats = %+v", st)
	}
	if arch.stored["wache1"] != 4 {
		t.Errorf("archived %d messages, want 4", arch.stored["wache1"])
	}
	if !src.stopped {
		t.Error("source not stopped")
	}
}

func TestAgent_StartFailsWhenNothingConnects(t *testing.T) {
	a := &fakeSource{name: "a", startErr: errors.New("auth failed")}
	b := &fakeSource{name: "b", startErr: errors.New("timeout")}

	ag := New([]Source{a, b}, &fakeProcessor{}, discardLogger())
	if err := ag.Start(context.Background()); !errors.Is(err, ErrNoMailbox) {
		t.Fatalf("expected ErrNoMailbox, got %v", err)
	}
	if !a.stopped || !b.stopped {
		t.Error("pollers must be stopped after a failed start")
	}
}

func TestAgent_PartialStartSucceeds(t *testing.T) {
	down := &fakeSource{name: "down", startErr: errors.New("auth failed")}
	up := &fakeSource{name: "up", events: []poller.Event{message("up", "7")}}
	proc := &fakeProcessor{}

	ag := New([]Source{down, up}, proc, discardLogger())
	if err := ag.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ag.Stop(context.Background())

	if len(proc.seen) != 1 || proc.seen[0] != "7" {
		t.Errorf("processed %v", proc.seen)
	}
}

func TestAgent_ProcessingSurvivesCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{name: "w", events: []poller.Event{message("w", "1")}}
	proc := &fakeProcessor{}

	ag := New([]Source{src}, proc, discardLogger())
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()
	ag.Stop(context.Background())

	if len(proc.seen) != 1 {
		t.Errorf("in-flight message dropped after cancel: %v", proc.seen)
	}
}

func TestAgent_StopWithoutStart(t *testing.T) {
	New(nil, &fakeProcessor{}, discardLogger()).Stop(context.Background())
}
