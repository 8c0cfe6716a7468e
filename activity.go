package auth

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLogin          ActivityEventType = "LOGIN"
	ActivityEventLoginFailed    ActivityEventType = "LOGIN_FAILED"
	ActivityEventSignup         ActivityEventType = "SIGNUP"
	ActivityEventLogout         ActivityEventType = "LOGOUT"
	ActivityEventExternalLogin  ActivityEventType = "EXTERNAL_LOGIN"
	ActivityEventRoleChanged    ActivityEventType = "ROLE_CHANGED"
	ActivityEventStatusChanged  ActivityEventType = "STATUS_CHANGED"
	ActivityEventAccountDeleted ActivityEventType = "ACCOUNT_DELETED"
	ActivityEventPasswordChange ActivityEventType = "PASSWORD_CHANGED"
	ActivityEventAccountCreated ActivityEventType = "ACCOUNT_CREATED"
	ActivityEventProfileUpdate  ActivityEventType = "PROFILE_UPDATED"
)

// ActivityEvent captures audit-friendly information about an action. It
// never carries passwords, tokens or raw login identifiers.
type ActivityEvent struct {
	EventType  ActivityEventType `json:"event_type"`
	ActorID    string            `json:"actor_id,omitempty"`
	AccountID  string            `json:"account_id,omitempty"`
	Role       Role              `json:"role,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// recordActivity stamps the event and logs sink failures instead of
// returning them, auditing must not break the flow that produced the event.
func recordActivity(ctx context.Context, sink ActivitySink, logger Logger, now Clock, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now()
	}
	if err := normalizeActivitySink(sink).Record(ctx, event); err != nil && logger != nil {
		logger.Warn("failed to record activity", "event", string(event.EventType), "error", err)
	}
}
