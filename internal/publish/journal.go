package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tracyhatemice/mailagent/internal/models"
)

// DefaultJournalKey is the Redis list journal entries are pushed to.
const DefaultJournalKey = "mailagent:operations"

// Journal records every published operation in a Redis list so that other
// tooling can replay or audit alarms.
type Journal struct {
	rdb *redis.Client
	key string
	now func() time.Time
}

// NewJournal creates a journal writing to key.
func NewJournal(rdb *redis.Client, key string) *Journal {
	if key == "" {
		key = DefaultJournalKey
	}
	return &Journal{rdb: rdb, key: key, now: time.Now}
}

// Entry is one journal record.
type Entry struct {
	ID        string           `json:"id"`
	Site      string           `json:"site"`
	Recorded  time.Time        `json:"recorded"`
	Operation models.Operation `json:"operation"`
}

func (j *Journal) entry(op models.Operation, site models.Site) Entry {
	return Entry{
		ID:        uuid.New().String(),
		Site:      site.Name,
		Recorded:  j.now().UTC(),
		Operation: op,
	}
}

// Record pushes op to the journal list.
func (j *Journal) Record(ctx context.Context, op models.Operation, site models.Site) (string, error) {
	e := j.entry(op, site)
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal journal entry: %w", err)
	}
	if err := j.rdb.LPush(ctx, j.key, string(b)).Err(); err != nil {
		return "", fmt.Errorf("redis LPUSH: %w", err)
	}
	return e.ID, nil
}

// Ping checks the Redis connection.
func (j *Journal) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return j.rdb.Ping(ctx).Err()
}

// Recorder is the part of Journal used by Journaled.
type Recorder interface {
	Record(ctx context.Context, op models.Operation, site models.Site) (string, error)
}

// Journaled publishes through next and then records the operation. Journal
// failures are logged and never fail the publish.
type Journaled struct {
	next    Publisher
	journal Recorder
	logger  *slog.Logger
}

// WithJournal wraps next.
func WithJournal(next Publisher, journal Recorder, logger *slog.Logger) *Journaled {
	return &Journaled{next: next, journal: journal, logger: logger}
}

func (p *Journaled) Publish(ctx context.Context, op models.Operation, site models.Site) error {
	if err := p.next.Publish(ctx, op, site); err != nil {
		return err
	}
	id, err := p.journal.Record(ctx, op, site)
	if err != nil {
		p.logger.Warn("journal write failed", "site", site.Name, "error", err)
		return nil
	}
	p.logger.Debug("journaled operation", "entry_id", id, "site", site.Name)
	return nil
}
