package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	auth "github.com/goliatone/go-auth-gate"
	"github.com/redis/go-redis/v9"
)

const defaultKey = "authgate:presence"

// Registry is a SessionRegistry shared across processes through Redis. The
// last seen times live in a sorted set scored by unix milliseconds, the
// role and display name in a hash next to it. Redis failures are logged
// and never reach the request path.
type Registry struct {
	client    redis.UniversalClient
	key       string
	metaKey   string
	retention time.Duration
	now       auth.Clock
	logger    auth.Logger
}

var _ auth.SessionRegistry = (*Registry)(nil)

type Option func(*Registry)

// WithKey sets the sorted set key, the hash uses the same key with a
// ":meta" suffix
func WithKey(key string) Option {
	return func(r *Registry) {
		if key != "" {
			r.key = key
			r.metaKey = key + ":meta"
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

func WithClock(c auth.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.now = c
		}
	}
}

func WithLogger(l auth.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a registry using client
func New(client redis.UniversalClient, opts ...Option) *Registry {
	r := &Registry{
		client:    client,
		key:       defaultKey,
		metaKey:   defaultKey + ":meta",
		retention: auth.DefaultPresenceWindow,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    auth.NopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

type meta struct {
	Role        auth.Role `json:"role"`
	DisplayName string    `json:"name"`
}

// Touch implements auth.SessionRegistry
func (r *Registry) Touch(ctx context.Context, accountID string, role auth.Role, displayName string) {
	if accountID == "" {
		return
	}
	data, err := json.Marshal(meta{Role: role, DisplayName: displayName})
	if err != nil {
		return
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, r.key, redis.Z{Score: float64(r.now().UnixMilli()), Member: accountID})
		p.HSet(ctx, r.metaKey, accountID, data)
		return nil
	})
	if err != nil {
		r.logger.Warn("presence touch failed", "account_id", accountID, "error", err)
	}
}

// ListOnline implements auth.SessionRegistry
func (r *Registry) ListOnline(ctx context.Context, maxAge time.Duration) []auth.PresenceEntry {
	if maxAge <= 0 {
		maxAge = r.retention
	}
	cutoff := r.now().Add(-maxAge).UnixMilli()

	scored, err := r.client.ZRangeByScoreWithScores(ctx, r.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		r.logger.Warn("presence list failed", "error", err)
		return []auth.PresenceEntry{}
	}
	if len(scored) == 0 {
		return []auth.PresenceEntry{}
	}

	ids := make([]string, 0, len(scored))
	for _, z := range scored {
		if id, ok := z.Member.(string); ok {
			ids = append(ids, id)
		}
	}

	values, err := r.client.HMGet(ctx, r.metaKey, ids...).Result()
	if err != nil {
		r.logger.Warn("presence metadata read failed", "error", err)
		values = make([]any, len(ids))
	}

	out := make([]auth.PresenceEntry, 0, len(ids))
	for i, z := range scored {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		entry := auth.PresenceEntry{
			AccountID:  id,
			Role:       auth.RoleUser,
			LastSeenAt: time.UnixMilli(int64(z.Score)).UTC(),
		}
		if i < len(values) {
			if raw, ok := values[i].(string); ok {
				var m meta
				if json.Unmarshal([]byte(raw), &m) == nil {
					if m.Role.IsValid() {
						entry.Role = m.Role
					}
					entry.DisplayName = m.DisplayName
				}
			}
		}
		out = append(out, entry)
	}

	auth.SortPresence(out)
	return out
}

// Evict implements auth.SessionRegistry
func (r *Registry) Evict(ctx context.Context, accountID string) {
	if accountID == "" {
		return
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, accountID)
		p.HDel(ctx, r.metaKey, accountID)
		return nil
	})
	if err != nil {
		r.logger.Warn("presence evict failed", "account_id", accountID, "error", err)
	}
}

// Sweep drops entries older than the retention and returns how many were
// removed
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.retention).UnixMilli()

	stale, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	members := make([]any, len(stale))
	for i, id := range stale {
		members[i] = id
	}

	var removed *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.ZRem(ctx, r.key, members...)
		p.HDel(ctx, r.metaKey, stale...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed.Val()), nil
}

// RunSweeper calls Sweep every interval until ctx is done
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("presence sweep failed", "error", err)
			}
		}
	}
}
