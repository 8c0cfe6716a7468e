package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
)

const defaultUpdateRetries = 5

var errStaleVersion = errors.New("stale account version")

var (
	trackSuccessfulLoginSQL = `UPDATE "accounts"
SET
	"loggedin_at" = ?,
	"login_attempt_at" = NULL,
	"login_attempts" = 0
WHERE "id" = ?`

	trackAttemptedLoginSQL = `UPDATE "accounts"
SET
	"login_attempts" = "login_attempts" + 1,
	"login_attempt_at" = ?
WHERE "id" = ?`
)

// patchColumns are the only columns written by Update, login tracking
// columns are owned by TrackLogin.
var patchColumns = []string{
	"email", "email_key", "username", "username_key", "display_name",
	"avatar_url", "credential_hash", "role", "status", "external_id",
	"provider", "version", "updated_at",
}

// BunAccountStore is the AccountStore backed by a SQL database through bun.
// Writes to the same account are serialized in process by a keyed mutex and
// across processes by an optimistic version column checked inside a
// transaction.
type BunAccountStore struct {
	repository.Repository[*Account]
	db      *bun.DB
	locks   *keyedMutex
	now     Clock
	retries int
	logger  Logger
}

var _ AccountStore = (*BunAccountStore)(nil)

// AccountStoreOption configures a BunAccountStore
type AccountStoreOption func(*BunAccountStore)

// WithStoreClock overrides the time source
func WithStoreClock(c Clock) AccountStoreOption {
	return func(s *BunAccountStore) {
		if c != nil {
			s.now = c
		}
	}
}

// WithStoreLogger sets the logger
func WithStoreLogger(l Logger) AccountStoreOption {
	return func(s *BunAccountStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUpdateRetries sets how many times a version conflict is retried
func WithUpdateRetries(n int) AccountStoreOption {
	return func(s *BunAccountStore) {
		if n > 0 {
			s.retries = n
		}
	}
}

// NewAccountStore returns a store using db
func NewAccountStore(db *bun.DB, opts ...AccountStoreOption) *BunAccountStore {
	repo := repository.NewRepository[*Account](db, repository.ModelHandlers[*Account]{
		NewRecord: func() *Account { return &Account{} },
		GetID: func(a *Account) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *Account, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
	})

	s := &BunAccountStore{
		Repository: repo,
		db:         db,
		locks:      newKeyedMutex(),
		now:        defaultClock,
		retries:    defaultUpdateRetries,
		logger:     NopLogger(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// CreateSchema creates the accounts table if missing
func (s *BunAccountStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*Account)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create accounts table")
	}
	return nil
}

// Create stores a new account. Email, username and external id must be
// unused, emails and usernames compare case-insensitively.
func (s *BunAccountStore) Create(ctx context.Context, candidate NewAccount) (*Account, error) {
	record, err := s.prepareNew(candidate)
	if err != nil {
		return nil, err
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.ensureUnique(ctx, tx, record, uuid.Nil); err != nil {
			return err
		}
		return s.insert(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	return record.Clone(), nil
}

// FindByEmailOrUsername tries an exact match first and falls back to a
// case-insensitive match.
func (s *BunAccountStore) FindByEmailOrUsername(ctx context.Context, identifier string) (*Account, error) {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return nil, ErrAccountNotFound
	}

	record, err := s.findOne(ctx, s.db, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.WhereOr("?TableAlias.email = ?", trimmed).
			WhereOr("?TableAlias.username = ?", trimmed).
			OrderExpr("CASE WHEN ?TableAlias.email = ? THEN 0 ELSE 1 END", trimmed)
	})
	if err == nil {
		return record, nil
	}
	if !IsAccountNotFound(err) {
		return nil, err
	}

	key := strings.ToLower(trimmed)
	return s.findOne(ctx, s.db, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.WhereOr("?TableAlias.email_key = ?", key).
			WhereOr("?TableAlias.username_key = ?", key).
			OrderExpr("CASE WHEN ?TableAlias.email_key = ? THEN 0 ELSE 1 END", key)
	})
}

// FindByID returns the account with id
func (s *BunAccountStore) FindByID(ctx context.Context, id string) (*Account, error) {
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return nil, newError(ErrAccountNotFound, nil, map[string]any{"id": id})
	}

	record, err := s.Repository.GetByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if repository.IsRecordNotFound(err) || errors.Is(err, sql.ErrNoRows) {
			return nil, newError(ErrAccountNotFound, nil, map[string]any{"id": id})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load account")
	}
	return record, nil
}

// FindByExternalID returns the account linked to externalID
func (s *BunAccountStore) FindByExternalID(ctx context.Context, externalID string) (*Account, error) {
	if externalID == "" {
		return nil, ErrAccountNotFound
	}
	return s.findOne(ctx, s.db, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.external_id = ?", externalID)
	})
}

// List returns accounts ordered by creation time
func (s *BunAccountStore) List(ctx context.Context, limit, offset int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []*Account
	err := s.db.NewSelect().
		Model(&records).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list accounts")
	}
	return records, nil
}

// Update merges patch into the account after checking that actor may apply
// it. updatedAt is always refreshed and email/username uniqueness is
// re-validated when they change.
func (s *BunAccountStore) Update(ctx context.Context, actor Actor, id string, patch AccountPatch) (*Account, error) {
	uid, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, newError(ErrAccountNotFound, nil, map[string]any{"id": id})
	}

	unlock := s.locks.Lock(uid.String())
	defer unlock()

	var updated *Account
	err = s.withRetry(func() error {
		return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			current, err := s.findOne(ctx, tx, byID(uid))
			if err != nil {
				return err
			}

			if patch.Role != nil {
				if err := CanChangeRole(actor, current, *patch.Role); err != nil {
					return err
				}
			}
			if err := CanUpdate(actor, current, patch); err != nil {
				return err
			}

			next, err := applyPatch(current, patch)
			if err != nil {
				return err
			}

			if err := s.ensureUnique(ctx, tx, next, current.ID); err != nil {
				return err
			}

			if err := s.save(ctx, tx, current, next); err != nil {
				return err
			}
			updated = next
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return updated.Clone(), nil
}

// Delete removes the account when actor is allowed to. A refused delete
// reports false without an error.
func (s *BunAccountStore) Delete(ctx context.Context, actor Actor, id string) (bool, error) {
	uid, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return false, newError(ErrAccountNotFound, nil, map[string]any{"id": id})
	}

	unlock := s.locks.Lock(uid.String())
	defer unlock()

	deleted := false
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := s.findOne(ctx, tx, byID(uid))
		if err != nil {
			return err
		}

		if !CanDelete(actor, current) {
			s.logger.Info("account delete refused",
				"actor_id", actor.ID,
				"actor_role", actor.Role.String(),
				"target_id", current.ID.String(),
				"target_role", current.Role.String(),
			)
			return nil
		}

		res, err := tx.NewDelete().
			Model((*Account)(nil)).
			Where("id = ?", current.ID).
			Exec(ctx)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to delete account")
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// UpsertExternal links or creates the account for an external identity in a
// single transaction. nextRole receives the stored role and decides the one
// to persist. created is true when a new account was inserted.
func (s *BunAccountStore) UpsertExternal(ctx context.Context, profile ExternalProfile, nextRole RoleResolver) (*Account, bool, error) {
	if profile.ExternalID == "" {
		return nil, false, goerrors.New("external id is required", goerrors.CategoryValidation).
			WithCode(goerrors.CodeBadRequest)
	}
	if nextRole == nil {
		nextRole = func(current Role, exists bool) Role {
			if exists {
				return current
			}
			return RoleUser
		}
	}

	unlock := s.locks.Lock("ext:" + profile.ExternalID)
	defer unlock()

	var (
		result  *Account
		created bool
	)

	err := s.withRetry(func() error {
		created = false
		return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			current, err := s.findOne(ctx, tx, func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.external_id = ?", profile.ExternalID)
			})
			if err != nil && !IsAccountNotFound(err) {
				return err
			}

			if current == nil && profile.Email != "" {
				current, err = s.findOne(ctx, tx, func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.Where("?TableAlias.email_key = ?", NormalizeEmail(profile.Email))
				})
				if err != nil && !IsAccountNotFound(err) {
					return err
				}
			}

			if current != nil {
				if current.ExternalID != "" && current.ExternalID != profile.ExternalID {
					return newError(ErrDuplicateIdentity, nil, map[string]any{"field": "email"})
				}
				next := current.Clone()
				next.ExternalID = profile.ExternalID
				next.Provider = profile.Provider
				if profile.DisplayName != "" {
					next.DisplayName = profile.DisplayName
				}
				if profile.AvatarURL != "" {
					next.AvatarURL = profile.AvatarURL
				}
				role := nextRole(current.Role, true)
				if role.IsValid() {
					next.Role = role
				}
				if err := s.save(ctx, tx, current, next); err != nil {
					return err
				}
				result = next
				return nil
			}

			record := &Account{
				ID:          uuid.New(),
				Email:       strings.TrimSpace(profile.Email),
				DisplayName: profile.DisplayName,
				AvatarURL:   profile.AvatarURL,
				Role:        nextRole("", false),
				Status:      StatusActive,
				ExternalID:  profile.ExternalID,
				Provider:    profile.Provider,
			}
			if !record.Role.IsValid() {
				record.Role = RoleUser
			}

			if profile.Username != "" && validateUsername(profile.Username) == nil {
				taken, err := s.exists(ctx, tx, "username_key", normalizeUsername(profile.Username), uuid.Nil)
				if err != nil {
					return err
				}
				if !taken {
					record.Username = strings.TrimSpace(profile.Username)
				}
			}

			if err := s.fillDefaults(record); err != nil {
				return err
			}
			if err := s.ensureUnique(ctx, tx, record, uuid.Nil); err != nil {
				return err
			}
			if err := s.insert(ctx, tx, record); err != nil {
				return err
			}
			result = record
			created = true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}

	return result.Clone(), created, nil
}

// TrackLogin records a successful login or a failed attempt with a single
// statement so it never races with Update.
func (s *BunAccountStore) TrackLogin(ctx context.Context, id string, success bool) error {
	uid, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return newError(ErrAccountNotFound, nil, map[string]any{"id": id})
	}

	query := trackAttemptedLoginSQL
	if success {
		query = trackSuccessfulLoginSQL
	}

	if _, err := s.db.NewRaw(query, s.now(), uid).Exec(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to track login")
	}
	return nil
}

func (s *BunAccountStore) withRetry(fn func() error) error {
	for attempt := 0; attempt < s.retries; attempt++ {
		err := fn()
		if errors.Is(err, errStaleVersion) {
			s.logger.Debug("account version conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}
	return ErrConcurrentUpdate
}

func (s *BunAccountStore) prepareNew(candidate NewAccount) (*Account, error) {
	record := &Account{
		ID:             uuid.New(),
		Email:          strings.TrimSpace(candidate.Email),
		Username:       strings.TrimSpace(candidate.Username),
		DisplayName:    strings.TrimSpace(candidate.DisplayName),
		AvatarURL:      candidate.AvatarURL,
		CredentialHash: candidate.CredentialHash,
		Role:           candidate.Role,
		Status:         candidate.Status,
		ExternalID:     candidate.ExternalID,
		Provider:       candidate.Provider,
	}

	if err := validateUsername(record.Username); err != nil {
		return nil, err
	}
	if record.Role == "" {
		record.Role = RoleUser
	}
	if !record.Role.Assignable() {
		return nil, newError(ErrRoleNotAssignable, nil, map[string]any{"role": string(record.Role)})
	}
	if record.Status == "" {
		record.Status = StatusActive
	}
	if !record.Status.IsValid() {
		return nil, goerrors.New("invalid account status", goerrors.CategoryValidation).
			WithCode(goerrors.CodeBadRequest).
			WithMetadata(map[string]any{"status": string(record.Status)})
	}

	if err := s.fillDefaults(record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *BunAccountStore) fillDefaults(record *Account) error {
	if record.Email == "" {
		return goerrors.New("email is required", goerrors.CategoryValidation).
			WithCode(goerrors.CodeBadRequest)
	}
	record.EmailKey = NormalizeEmail(record.Email)
	record.UsernameKey = normalizeUsername(record.Username)
	now := s.now()
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Version = 1
	return nil
}

func (s *BunAccountStore) insert(ctx context.Context, tx bun.IDB, record *Account) error {
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return newError(ErrDuplicateIdentity, err, nil)
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to insert account")
	}
	return nil
}

// save writes next if the stored version still matches current
func (s *BunAccountStore) save(ctx context.Context, tx bun.IDB, current, next *Account) error {
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	if !next.UpdatedAt.After(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt.Add(time.Microsecond)
	}

	res, err := tx.NewUpdate().
		Model(next).
		Column(patchColumns...).
		Where("id = ?", current.ID).
		Where("version = ?", current.Version).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return newError(ErrDuplicateIdentity, err, nil)
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update account")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update account")
	}
	if n == 0 {
		return errStaleVersion
	}
	return nil
}

func (s *BunAccountStore) ensureUnique(ctx context.Context, tx bun.IDB, record *Account, self uuid.UUID) error {
	checks := []struct {
		column string
		value  string
	}{
		{"email_key", record.EmailKey},
		{"username_key", record.UsernameKey},
		{"external_id", record.ExternalID},
	}

	for _, c := range checks {
		if c.value == "" {
			continue
		}
		taken, err := s.exists(ctx, tx, c.column, c.value, self)
		if err != nil {
			return err
		}
		if taken {
			return newError(ErrDuplicateIdentity, nil, map[string]any{"field": strings.TrimSuffix(c.column, "_key")})
		}
	}
	return nil
}

func (s *BunAccountStore) exists(ctx context.Context, tx bun.IDB, column, value string, self uuid.UUID) (bool, error) {
	q := tx.NewSelect().
		Model((*Account)(nil)).
		Where("?TableAlias.? = ?", bun.Ident(column), value)
	if self != uuid.Nil {
		q = q.Where("?TableAlias.id != ?", self)
	}
	found, err := q.Exists(ctx)
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check account uniqueness")
	}
	return found, nil
}

func (s *BunAccountStore) findOne(ctx context.Context, tx bun.IDB, apply func(*bun.SelectQuery) *bun.SelectQuery) (*Account, error) {
	record := &Account{}
	q := tx.NewSelect().Model(record)
	q = apply(q)
	if err := q.Limit(1).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
			return nil, ErrAccountNotFound
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load account")
	}
	return record, nil
}

func byID(id uuid.UUID) func(*bun.SelectQuery) *bun.SelectQuery {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.id = ?", id)
	}
}

func applyPatch(current *Account, patch AccountPatch) (*Account, error) {
	next := current.Clone()

	if patch.Email != nil {
		email := strings.TrimSpace(*patch.Email)
		if email == "" {
			return nil, goerrors.New("email is required", goerrors.CategoryValidation).
				WithCode(goerrors.CodeBadRequest)
		}
		next.Email = email
		next.EmailKey = NormalizeEmail(email)
	}
	if patch.Username != nil {
		if err := validateUsername(*patch.Username); err != nil {
			return nil, err
		}
		next.Username = strings.TrimSpace(*patch.Username)
		next.UsernameKey = normalizeUsername(next.Username)
	}
	if patch.DisplayName != nil {
		next.DisplayName = strings.TrimSpace(*patch.DisplayName)
	}
	if patch.AvatarURL != nil {
		next.AvatarURL = strings.TrimSpace(*patch.AvatarURL)
	}
	if patch.CredentialHash != nil {
		next.CredentialHash = *patch.CredentialHash
	}
	if patch.Role != nil {
		next.Role = *patch.Role
	}
	if patch.Status != nil {
		if !patch.Status.IsValid() {
			return nil, goerrors.New("invalid account status", goerrors.CategoryValidation).
				WithCode(goerrors.CodeBadRequest).
				WithMetadata(map[string]any{"status": string(*patch.Status)})
		}
		next.Status = *patch.Status
	}
	return next, nil
}

// validateUsername keeps usernames disjoint from emails, both are login
// identifiers
func validateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" || UsernamePattern.MatchString(username) {
		return nil
	}
	return newError(ErrInvalidUsername, nil, map[string]any{"field": "username"})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
