package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// DefaultActivityRetention is the number of events kept by BunActivityLog
const DefaultActivityRetention = 1000

// ActivityRecord is the persisted form of an ActivityEvent
type ActivityRecord struct {
	bun.BaseModel `bun:"table:auth_events,alias:evt"`

	ID         int64          `bun:"id,pk,autoincrement" json:"id"`
	EventType  string         `bun:"event_type,notnull" json:"event_type"`
	ActorID    string         `bun:"actor_id" json:"actor_id,omitempty"`
	AccountID  string         `bun:"account_id" json:"account_id,omitempty"`
	Role       string         `bun:"role" json:"role,omitempty"`
	Metadata   map[string]any `bun:"metadata,type:jsonb,nullzero" json:"metadata,omitempty"`
	OccurredAt time.Time      `bun:"occurred_at,notnull" json:"occurred_at"`
}

// BunActivityLog is an ActivitySink that keeps the most recent events in a
// table and trims older ones on every write.
type BunActivityLog struct {
	db        *bun.DB
	retention int
}

var _ ActivitySink = (*BunActivityLog)(nil)

// NewActivityLog returns a log keeping at most retention events
func NewActivityLog(db *bun.DB, retention int) *BunActivityLog {
	if retention <= 0 {
		retention = DefaultActivityRetention
	}
	return &BunActivityLog{db: db, retention: retention}
}

// CreateSchema creates the events table if missing
func (l *BunActivityLog) CreateSchema(ctx context.Context) error {
	_, err := l.db.NewCreateTable().
		Model((*ActivityRecord)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create auth events table")
	}
	return nil
}

// Record implements ActivitySink
func (l *BunActivityLog) Record(ctx context.Context, event ActivityEvent) error {
	record := &ActivityRecord{
		EventType:  string(event.EventType),
		ActorID:    event.ActorID,
		AccountID:  event.AccountID,
		Role:       string(event.Role),
		Metadata:   event.Metadata,
		OccurredAt: event.OccurredAt,
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}

	return l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to record auth event")
		}

		keep := tx.NewSelect().
			Model((*ActivityRecord)(nil)).
			Column("id").
			OrderExpr("id DESC").
			Limit(l.retention)

		if _, err := tx.NewDelete().
			Model((*ActivityRecord)(nil)).
			Where("id NOT IN (?)", keep).
			Exec(ctx); err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to trim auth events")
		}
		return nil
	})
}

// Recent returns up to limit events, newest first
func (l *BunActivityLog) Recent(ctx context.Context, limit int) ([]ActivityEvent, error) {
	if limit <= 0 || limit > l.retention {
		limit = l.retention
	}

	var records []ActivityRecord
	err := l.db.NewSelect().
		Model(&records).
		OrderExpr("id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load auth events")
	}

	out := make([]ActivityEvent, 0, len(records))
	for _, r := range records {
		out = append(out, ActivityEvent{
			EventType:  ActivityEventType(r.EventType),
			ActorID:    r.ActorID,
			AccountID:  r.AccountID,
			Role:       Role(r.Role),
			Metadata:   r.Metadata,
			OccurredAt: r.OccurredAt,
		})
	}
	return out, nil
}
