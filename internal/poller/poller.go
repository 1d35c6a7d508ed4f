package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tracyhatemice/mailagent/internal/dedup"
	"github.com/tracyhatemice/mailagent/internal/mailbox"
	"github.com/tracyhatemice/mailagent/internal/models"
)

const (
	// MinPollInterval is the shortest accepted poll interval.
	MinPollInterval = 4 * time.Second
	// DefaultReconnectInterval forces a fresh session even without errors.
	DefaultReconnectInterval = 60 * time.Minute
	// DefaultMaxAge drops messages whose send date is further from now.
	DefaultMaxAge = 15 * time.Minute
)

// ErrPollInterval is returned by New for intervals below MinPollInterval.
var ErrPollInterval = fmt.Errorf("poll interval must be at least %s", MinPollInterval)

// CredentialsFunc returns the credentials for the next connect attempt.
// Token based mailboxes fetch a fresh access token on every call.
type CredentialsFunc func(ctx context.Context) (mailbox.Credentials, error)

// Config describes one monitored mailbox.
type Config struct {
	Name              string
	Site              models.Site
	SenderFilter      string
	SubjectFilter     string
	PollInterval      time.Duration
	ReconnectInterval time.Duration
	MaxAge            time.Duration
}

// Status is a point-in-time snapshot of a poller.
type Status struct {
	Mailbox   string    `json:"mailbox"`
	State     string    `json:"state"`
	LastPoll  time.Time `json:"last_poll,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Accepted  uint64    `json:"accepted"`
	Tracked   int       `json:"tracked_ids"`
}

// Poller monitors one mailbox. The poll cycle and the reconnect cycle run on
// their own tickers and are serialized by mu, which guards the session and
// the seen-cache. statusMu guards only the reported fields and is never held
// across a network call.
type Poller struct {
	cfg     Config
	session mailbox.Session
	creds   CredentialsFunc
	seen    *dedup.SeenCache
	now     func() time.Time
	logger  *slog.Logger

	mu sync.Mutex

	statusMu sync.Mutex
	state    State
	lastPoll time.Time
	lastErr  error
	accepted uint64
	tracked  int

	out    chan<- Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithSeenCache replaces the default seen-cache.
func WithSeenCache(c *dedup.SeenCache) Option {
	return func(p *Poller) { p.seen = c }
}

// New creates a disconnected poller.
func New(cfg Config, session mailbox.Session, creds CredentialsFunc, logger *slog.Logger, opts ...Option) (*Poller, error) {
	if cfg.PollInterval < MinPollInterval {
		return nil, fmt.Errorf("mailbox %s: %w (got %s)", cfg.Name, ErrPollInterval, cfg.PollInterval)
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if session == nil || creds == nil {
		return nil, errors.New("poller requires a session and credentials")
	}

	p := &Poller{
		cfg:     cfg,
		session: session,
		creds:   creds,
		now:     time.Now,
		logger:  logger.With("mailbox", cfg.Name),
		state:   StateDisconnected,
	}
	for _, o := range opts {
		o(p)
	}
	if p.seen == nil {
		p.seen = dedup.NewSeenCache(dedup.DefaultSuppression, dedup.DefaultRetention)
	}
	return p, nil
}

// Name returns the configured mailbox name.
func (p *Poller) Name() string { return p.cfg.Name }

// Start connects the session and schedules both cycles. The cycles are
// scheduled even when the initial connect fails, so a mailbox that is down
// at startup recovers on a later cycle; the connect error is returned so the
// caller can decide whether that is acceptable.
//
// Accepted messages are sent on out. The caller must keep receiving from
// out until Stop has returned.
func (p *Poller) Start(ctx context.Context, out chan<- Event) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.out = out

	p.logger.Info("starting poller",
		"interval", p.cfg.PollInterval,
		"reconnect_interval", p.cfg.ReconnectInterval,
		"site", p.cfg.Site,
	)

	p.mu.Lock()
	err := p.connectLocked(ctx)
	p.mu.Unlock()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.run(ctx, p.cfg.PollInterval, p.Poll)
	}()
	go func() {
		defer p.wg.Done()
		p.run(ctx, p.cfg.ReconnectInterval, p.Reconnect)
	}()

	return err
}

func (p *Poller) run(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop cancels both cycles, waits for a running cycle to finish and
// disconnects the session.
func (p *Poller) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.session.Disconnect(ctx); err != nil {
		p.logger.Warn("disconnect failed", "error", err)
	}
	p.setState(StateDisconnected)
	p.logger.Info("poller stopped")
}

// Poll runs one poll cycle. A mailbox left failed by an earlier cycle is
// reconnected first. Accepted messages are emitted after the session lock
// is released, including those accepted before a failure later in the cycle.
func (p *Poller) Poll(ctx context.Context) {
	p.mu.Lock()
	state := p.currentState()
	wasFailed := state == StateFailed
	var failure error
	if state == StateFailed || state == StateDisconnected {
		failure = p.connectLocked(ctx)
	}

	var accepted []mailbox.Message
	if failure == nil {
		var err error
		accepted, err = p.cycleLocked(ctx)
		if err != nil {
			p.logger.Error("poll cycle failed, reconnecting", "error", err)
			p.setError(err)
			failure = p.reconnectLocked(ctx)
		}
	}
	p.statusMu.Lock()
	p.accepted += uint64(len(accepted))
	p.tracked = p.seen.Len()
	p.statusMu.Unlock()
	p.mu.Unlock()

	for _, msg := range accepted {
		p.logger.Info("accepted message", "msg_id", msg.ID, "subject", msg.Subject)
		p.out <- Event{Kind: EventMessage, Mailbox: p.cfg.Name, Message: msg, Site: p.cfg.Site}
	}
	if failure != nil && !wasFailed {
		p.out <- Event{Kind: EventError, Mailbox: p.cfg.Name, Site: p.cfg.Site, Err: failure}
	}
}

func (p *Poller) cycleLocked(ctx context.Context) ([]mailbox.Message, error) {
	p.setState(StatePolling)
	defer p.transition(StatePolling, StateIdle)

	now := p.now()
	p.statusMu.Lock()
	p.lastPoll = now
	p.statusMu.Unlock()
	if n := p.seen.Evict(now); n > 0 {
		p.logger.Debug("evicted seen ids", "count", n)
	}

	msgs, err := p.session.ListUnseen(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unseen: %w", err)
	}
	if len(msgs) > 0 {
		p.logger.Debug("unseen messages", "count", len(msgs))
	}

	var accepted []mailbox.Message
	for _, msg := range msgs {
		if age := now.Sub(msg.Date); age > p.cfg.MaxAge || age < -p.cfg.MaxAge {
			p.logger.Info("dropping message outside age window", "msg_id", msg.ID, "date", msg.Date)
			if err := p.session.MarkSeen(ctx, msg.ID); err != nil {
				return accepted, fmt.Errorf("mark seen %s: %w", msg.ID, err)
			}
			continue
		}
		if p.seen.Seen(msg.ID, now) {
			p.logger.Debug("ignoring duplicate", "msg_id", msg.ID)
			continue
		}
		if !containsFold(msg.From, p.cfg.SenderFilter) {
			p.logger.Debug("sender filtered", "msg_id", msg.ID, "from", msg.From)
			continue
		}
		if !containsFold(msg.Subject, p.cfg.SubjectFilter) {
			p.logger.Debug("subject filtered", "msg_id", msg.ID, "subject", msg.Subject)
			continue
		}

		if err := p.session.MarkSeen(ctx, msg.ID); err != nil {
			return accepted, fmt.Errorf("mark seen %s: %w", msg.ID, err)
		}
		p.seen.Record(msg.ID, now)
		accepted = append(accepted, msg)
	}
	return accepted, nil
}

// Reconnect forces a fresh session.
func (p *Poller) Reconnect(ctx context.Context) {
	p.mu.Lock()
	wasFailed := p.currentState() == StateFailed
	p.logger.Info("scheduled reconnect")
	err := p.reconnectLocked(ctx)
	p.mu.Unlock()

	if err != nil && !wasFailed {
		p.out <- Event{Kind: EventError, Mailbox: p.cfg.Name, Site: p.cfg.Site, Err: err}
	}
}

func (p *Poller) reconnectLocked(ctx context.Context) error {
	p.setState(StateReconnecting)
	if err := p.session.Disconnect(ctx); err != nil {
		p.logger.Warn("disconnect failed", "error", err)
	}
	return p.connectLocked(ctx)
}

func (p *Poller) connectLocked(ctx context.Context) error {
	if p.currentState() != StateReconnecting {
		p.setState(StateConnecting)
	}
	creds, err := p.creds(ctx)
	if err == nil {
		err = p.session.Connect(ctx, creds)
	}
	if err != nil {
		p.statusMu.Lock()
		p.state = StateFailed
		p.lastErr = err
		p.statusMu.Unlock()
		p.logger.Error("connect failed", "error", err)
		return fmt.Errorf("mailbox %s: connect: %w", p.cfg.Name, err)
	}
	p.setState(StateIdle)
	p.logger.Info("connected")
	return nil
}

// Status returns a snapshot for monitoring. It does not wait for a running
// cycle; Tracked is the seen-cache size after the last completed one.
func (p *Poller) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	st := Status{
		Mailbox:  p.cfg.Name,
		State:    p.state.String(),
		LastPoll: p.lastPoll,
		Accepted: p.accepted,
		Tracked:  p.tracked,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

func (p *Poller) currentState() State {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.state
}

func (p *Poller) setState(s State) {
	p.statusMu.Lock()
	p.state = s
	p.statusMu.Unlock()
}

// transition moves to next only if the poller is still in from.
func (p *Poller) transition(from, next State) {
	p.statusMu.Lock()
	if p.state == from {
		p.state = next
	}
	p.statusMu.Unlock()
}

func (p *Poller) setError(err error) {
	p.statusMu.Lock()
	p.lastErr = err
	p.statusMu.Unlock()
}

// containsFold reports whether s contains substr ignoring case. An empty
// filter matches everything.
func containsFold(s, substr string) bool {
	if substr == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
