// Package store is the Account Store (spec.md §4.A), generalized from the
// teacher's relay/internal/tenant package: the same database/sql +
// github.com/pkg/errors query shape, widened from tenant CRUD to gateway
// Account CRUD, with an optional Redis read-through cache for the hot
// list_enabled() path (the teacher's relay/internal/cache package covered
// only in-memory orderbook caching; Redis gives the Account Store a real
// shared cache a restarted mdhub process can still see).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"mdhub/internal/apperr"
	"mdhub/pkg/types"
)

const enabledCacheKey = "mdhub:accounts:enabled"
const enabledCacheTTL = 30 * time.Second

// EventPublisher is the bus dependency the store needs to announce mutations.
type EventPublisher interface {
	Publish(types.Event)
}

// SessionStopper tears down a running Supervisor session synchronously.
// Delete calls this before its DELETE commits, so an account's session is
// never left dangling after its row is gone.
type SessionStopper interface {
	Stop(accountID string) error
}

// Store is the Account Store: MySQL-backed, Redis-cached persistence for accounts.
type Store struct {
	db       *sql.DB
	cache    *redis.Client
	bus      EventPublisher
	sessions SessionStopper
}

// New creates an Account Store. cache may be nil, in which case reads always hit MySQL.
func New(db *sql.DB, cache *redis.Client, bus EventPublisher) *Store {
	return &Store{db: db, cache: cache, bus: bus}
}

// SetSessionStopper wires the Supervisor dependency used to tear down a
// running session before its account row is deleted. Optional: if never
// set, Delete skips teardown (e.g. in tests that don't run a Supervisor).
func (s *Store) SetSessionStopper(stopper SessionStopper) {
	s.sessions = stopper
}

// Create inserts a new account and publishes AccountMutated on success.
func (s *Store) Create(ctx context.Context, acc types.Account) (*types.Account, error) {
	if acc.ID == "" {
		return nil, apperr.New(apperr.Validation, "account id is required")
	}
	if acc.GatewayType != types.GatewayCTP && acc.GatewayType != types.GatewaySOPT {
		return nil, apperr.New(apperr.Validation, "gateway_type must be CTP or SOPT")
	}

	settingsJSON, err := json.Marshal(acc.Settings)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "failed to marshal settings")
	}

	query := `INSERT INTO accounts (id, gateway_type, settings_json, priority, enabled, description, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, NOW(), NOW())`
	_, err = s.db.ExecContext(ctx, query, acc.ID, acc.GatewayType, settingsJSON, acc.Priority, acc.Enabled, acc.Description)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil, apperr.New(apperr.Duplicate, "account already exists").WithDetails(map[string]string{"id": acc.ID})
		}
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "failed to insert account")
	}

	created, err := s.Get(ctx, acc.ID)
	if err != nil {
		return nil, err
	}

	s.invalidateEnabledCache(ctx)
	s.publishMutation(acc.ID, types.AccountCreated)
	return created, nil
}

// Get retrieves an account by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Account, error) {
	query := `SELECT id, gateway_type, settings_json, priority, enabled, description, created_at, updated_at
	          FROM accounts WHERE id = ?`

	var acc types.Account
	var settingsJSON sql.NullString
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&acc.ID, &acc.GatewayType, &settingsJSON, &acc.Priority, &acc.Enabled, &description,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "account not found").WithDetails(map[string]string{"id": id})
		}
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "failed to get account")
	}

	if description.Valid {
		acc.Description = description.String
	}
	acc.Settings = map[string]string{}
	if settingsJSON.Valid && settingsJSON.String != "" {
		if err := json.Unmarshal([]byte(settingsJSON.String), &acc.Settings); err != nil {
			return nil, apperr.Wrap(apperr.InvariantViolation, err, "stored settings_json is not valid JSON")
		}
	}

	return &acc, nil
}

// List retrieves all accounts ordered by priority.
func (s *Store) List(ctx context.Context) ([]*types.Account, error) {
	return s.query(ctx, `SELECT id, gateway_type, settings_json, priority, enabled, description, created_at, updated_at
	                      FROM accounts ORDER BY priority ASC, id ASC`)
}

// ListEnabled retrieves enabled accounts ordered by gateway_type, then
// priority, then id, read-through cached in Redis.
func (s *Store) ListEnabled(ctx context.Context) ([]*types.Account, error) {
	if s.cache != nil {
		if cached, ok := s.readEnabledCache(ctx); ok {
			return cached, nil
		}
	}

	accounts, err := s.query(ctx, `SELECT id, gateway_type, settings_json, priority, enabled, description, created_at, updated_at
	                                FROM accounts WHERE enabled = TRUE ORDER BY gateway_type ASC, priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.writeEnabledCache(ctx, accounts)
	}
	return accounts, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*types.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "failed to query accounts")
	}
	defer rows.Close()

	var accounts []*types.Account
	for rows.Next() {
		var acc types.Account
		var settingsJSON, description sql.NullString
		if err := rows.Scan(&acc.ID, &acc.GatewayType, &settingsJSON, &acc.Priority, &acc.Enabled, &description,
			&acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "failed to scan account")
		}
		if description.Valid {
			acc.Description = description.String
		}
		acc.Settings = map[string]string{}
		if settingsJSON.Valid && settingsJSON.String != "" {
			_ = json.Unmarshal([]byte(settingsJSON.String), &acc.Settings)
		}
		accounts = append(accounts, &acc)
	}
	return accounts, nil
}

// Update applies a partial patch to an account transactionally and
// publishes AccountMutated only after the transaction commits.
func (s *Store) Update(ctx context.Context, id string, patch types.AccountPatch) (*types.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "failed to begin transaction")
	}
	defer tx.Rollback()

	current, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if patch.GatewayType != nil {
		current.GatewayType = *patch.GatewayType
	}
	if patch.Settings != nil {
		current.Settings = patch.Settings
	}
	if patch.Priority != nil {
		current.Priority = *patch.Priority
	}
	if patch.Enabled != nil {
		current.Enabled = *patch.Enabled
	}
	if patch.Description != nil {
		current.Description = *patch.Description
	}

	settingsJSON, err := json.Marshal(current.Settings)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "failed to marshal settings")
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE accounts SET gateway_type = ?, settings_json = ?, priority = ?, enabled = ?, description = ?, updated_at = NOW() WHERE id = ?`,
		current.GatewayType, settingsJSON, current.Priority, current.Enabled, current.Description, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "failed to update account")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, apperr.New(apperr.NotFound, "account not found").WithDetails(map[string]string{"id": id})
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "failed to commit transaction")
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.invalidateEnabledCache(ctx)
	s.publishMutation(id, types.AccountUpdated)
	return updated, nil
}

// Delete tears down id's running session, if any, then removes the account
// and publishes AccountMutated on success. Teardown runs before the DELETE
// commits so a session is never left running against a deleted account.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.sessions != nil {
		if err := s.sessions.Stop(id); err != nil && !apperr.Is(err, apperr.NotFound) {
			return apperr.Wrap(apperr.Transient, err, "failed to stop running session before delete")
		}
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "failed to delete account")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "failed to get rows affected")
	}
	if rows == 0 {
		return apperr.New(apperr.NotFound, "account not found").WithDetails(map[string]string{"id": id})
	}

	s.invalidateEnabledCache(ctx)
	s.publishMutation(id, types.AccountDeleted)
	return nil
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id string) (*types.Account, error) {
	query := `SELECT id, gateway_type, settings_json, priority, enabled, description, created_at, updated_at
	          FROM accounts WHERE id = ? FOR UPDATE`

	var acc types.Account
	var settingsJSON, description sql.NullString
	err := tx.QueryRowContext(ctx, query, id).Scan(
		&acc.ID, &acc.GatewayType, &settingsJSON, &acc.Priority, &acc.Enabled, &description,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "account not found").WithDetails(map[string]string{"id": id})
		}
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "failed to get account for update")
	}
	if description.Valid {
		acc.Description = description.String
	}
	acc.Settings = map[string]string{}
	if settingsJSON.Valid && settingsJSON.String != "" {
		_ = json.Unmarshal([]byte(settingsJSON.String), &acc.Settings)
	}
	return &acc, nil
}

func (s *Store) publishMutation(id string, kind types.AccountMutationKind) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(types.Event{
		Type:  types.EventAccountMutated,
		Topic: "account." + id,
		Payload: types.AccountMutatedPayload{
			AccountID: id,
			Kind:      kind,
		},
	})
}

func (s *Store) readEnabledCache(ctx context.Context) ([]*types.Account, bool) {
	raw, err := s.cache.Get(ctx, enabledCacheKey).Result()
	if err != nil {
		return nil, false
	}
	var accounts []*types.Account
	if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
		return nil, false
	}
	return accounts, true
}

func (s *Store) writeEnabledCache(ctx context.Context, accounts []*types.Account) {
	raw, err := json.Marshal(accounts)
	if err != nil {
		return
	}
	s.cache.Set(ctx, enabledCacheKey, raw, enabledCacheTTL)
}

// invalidateEnabledCache drops the cached enabled-accounts snapshot so the
// next ListEnabled call repopulates it from MySQL rather than serving stale data.
func (s *Store) invalidateEnabledCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	s.cache.Del(ctx, enabledCacheKey)
}
