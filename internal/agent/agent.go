// Package agent supervises the mailbox pollers and feeds their merged event
// stream through the processor, one message at a time.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tracyhatemice/mailagent/internal/poller"
	"github.com/tracyhatemice/mailagent/internal/processor"
)

// ErrNoMailbox is returned by Start when not a single mailbox connected.
var ErrNoMailbox = errors.New("no mailbox could be connected")

const eventBuffer = 64

// Source is a running mailbox poller.
type Source interface {
	Name() string
	Start(ctx context.Context, out chan<- poller.Event) error
	Stop(ctx context.Context)
}

// Archiver keeps a raw copy of accepted messages.
type Archiver interface {
	Store(mailbox string, raw []byte) error
}

// Stats counts handled messages since start.
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Errors    uint64 `json:"mailbox_errors"`
}

// Agent merges the events of all sources into one stream and hands every
// accepted message to the processor.
type Agent struct {
	sources []Source
	proc    processor.Processor
	archive Archiver
	logger  *slog.Logger

	events chan poller.Event
	cancel context.CancelFunc
	done   chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
	errs      atomic.Uint64
}

// Option configures an Agent.
type Option func(*Agent)

// WithArchive stores every accepted message before it is processed.
func WithArchive(a Archiver) Option {
	return func(ag *Agent) { ag.archive = a }
}

// New creates an agent over sources. Nothing runs until Start.
func New(sources []Source, proc processor.Processor, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		sources: sources,
		proc:    proc,
		logger:  logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start launches the consumer and connects every mailbox in parallel. It
// fails only if there are mailboxes and none of them connected; mailboxes
// that failed keep retrying on their poll cycle.
func (a *Agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.events = make(chan poller.Event, eventBuffer)
	a.done = make(chan struct{})

	// Processing must finish even when shutdown cancels the pollers.
	procCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(a.done)
		for ev := range a.events {
			a.handle(procCtx, ev)
		}
		a.logger.Info("event stream completed")
	}()

	var (
		wg        sync.WaitGroup
		connected atomic.Int32
	)
	for _, src := range a.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Start(ctx, a.events); err != nil {
				a.logger.Error("mailbox did not connect", "mailbox", src.Name(), "error", err)
				return
			}
			connected.Add(1)
		}()
	}
	wg.Wait()

	n := int(connected.Load())
	if len(a.sources) > 0 && n == 0 {
		a.Stop(context.WithoutCancel(ctx))
		return ErrNoMailbox
	}
	a.logger.Info("agent started", "mailboxes", len(a.sources), "connected", n)
	return nil
}

// Stop halts every poller, then completes the event stream and waits for
// the consumer to drain it.
func (a *Agent) Stop(ctx context.Context) {
	if a.cancel == nil {
		return
	}
	a.cancel()

	var wg sync.WaitGroup
	for _, src := range a.sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.Stop(ctx)
		}()
	}
	wg.Wait()

	close(a.events)
	<-a.done
	a.cancel = nil
	a.logger.Info("agent stopped", "processed", a.processed.Load(), "failed", a.failed.Load())
}

// Stats returns the counters since Start.
func (a *Agent) Stats() Stats {
	return Stats{
		Processed: a.processed.Load(),
		Failed:    a.failed.Load(),
		Errors:    a.errs.Load(),
	}
}

func (a *Agent) handle(ctx context.Context, ev poller.Event) {
	switch ev.Kind {
	case poller.EventError:
		a.errs.Add(1)
		a.logger.Error("mailbox failed", "mailbox", ev.Mailbox, "error", ev.Err)
	case poller.EventMessage:
		a.process(ctx, ev)
	}
}

func (a *Agent) process(ctx context.Context, ev poller.Event) {
	logger := a.logger.With("mailbox", ev.Mailbox, "msg_id", ev.Message.ID)

	if a.archive != nil {
		if err := a.archive.Store(ev.Mailbox, ev.Message.Raw); err != nil {
			logger.Warn("archive failed", "error", err)
		}
	}

	start := time.Now()
	err := a.safeProcess(ctx, ev)
	elapsed := time.Since(start)
	if err != nil {
		a.failed.Add(1)
		logger.Error("processing failed", "elapsed", elapsed, "error", err)
		return
	}
	a.processed.Add(1)
	logger.Info("processed message", "subject", ev.Message.Subject, "elapsed", elapsed)
}

func (a *Agent) safeProcess(ctx context.Context, ev poller.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return a.proc.Process(ctx, ev.Message, ev.Site)
}
