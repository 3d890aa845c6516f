package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"spotwatt/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	getKVSQL = `SELECT value FROM kv_entries
    WHERE key = $1
      AND (expires_at IS NULL OR expires_at > now());`

	putKVSQL = `INSERT INTO kv_entries (key, value, expires_at, updated_at)
    VALUES ($1, $2, $3, now())
    ON CONFLICT (key) DO UPDATE
    SET value      = EXCLUDED.value,
        expires_at = EXCLUDED.expires_at,
        updated_at = now();`

	deleteKVSQL = `DELETE FROM kv_entries WHERE key = $1;`

	incrementKVSQL = `INSERT INTO kv_entries (key, value, expires_at, updated_at)
    VALUES ($1, '1', $2, now())
    ON CONFLICT (key) DO UPDATE
    SET value = CASE
            WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now() THEN '1'
            ELSE (kv_entries.value::bigint + 1)::text
        END,
        expires_at = CASE
            WHEN kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now() THEN EXCLUDED.expires_at
            ELSE kv_entries.expires_at
        END,
        updated_at = now()
    RETURNING value;`

	purgeExpiredKVSQL = `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now();`

	upsertTokenSQL = `INSERT INTO device_tokens (token, platform, region, active, created_at, last_seen, invalidated_at)
    VALUES ($1, $2, $3, TRUE, $4, $4, NULL)
    ON CONFLICT (token) DO UPDATE
    SET platform       = EXCLUDED.platform,
        region         = EXCLUDED.region,
        active         = TRUE,
        last_seen      = EXCLUDED.last_seen,
        invalidated_at = NULL;`

	deactivateTokensSQL = `UPDATE device_tokens
    SET active = FALSE, invalidated_at = $2
    WHERE token = ANY($1) AND active;`

	listActiveTokensSQL = `SELECT token, platform, region, active, created_at, last_seen, invalidated_at
    FROM device_tokens
    WHERE active
    ORDER BY created_at;`

	touchTokensSQL = `UPDATE device_tokens SET last_seen = $2 WHERE token = ANY($1);`

	deleteInactiveTokensSQL = `DELETE FROM device_tokens
    WHERE NOT active
      AND invalidated_at < $1;`

	getPreferencesSQL = `SELECT document FROM user_preferences WHERE token = $1;`

	upsertPreferencesSQL = `INSERT INTO user_preferences (token, market, has_any_enabled, document, last_updated)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (token) DO UPDATE
    SET market          = EXCLUDED.market,
        has_any_enabled = EXCLUDED.has_any_enabled,
        document        = EXCLUDED.document,
        last_updated    = EXCLUDED.last_updated;`

	listEnabledPreferencesSQL = `SELECT document FROM user_preferences
    WHERE has_any_enabled
    ORDER BY token;`

	getTaskIndexSQL = `SELECT task_index FROM user_preferences WHERE token = $1;`

	putTaskIndexSQL = `UPDATE user_preferences SET task_index = $2 WHERE token = $1;`

	putSnapshotSQL = `INSERT INTO price_snapshots (market, last_update, document)
    VALUES ($1, $2, $3)
    ON CONFLICT (market) DO UPDATE
    SET last_update = EXCLUDED.last_update,
        document    = EXCLUDED.document;`

	getSnapshotSQL = `SELECT document FROM price_snapshots WHERE market = $1;`

	insertLedgerSQL = `INSERT INTO scheduled_notifications (token, type, handle, fire_at, title, body, created_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// KVStore is a string-keyed store with per-entry expiry.
type KVStore interface {
	GetKV(ctx context.Context, key string) ([]byte, bool, error)
	PutKV(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteKV(ctx context.Context, key string) error
	// IncrementKV bumps an integer counter, creating it with ttl when absent or expired.
	IncrementKV(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// TokenStore manages registered push targets.
type TokenStore interface {
	UpsertToken(ctx context.Context, token domain.DeviceToken) error
	DeactivateTokens(ctx context.Context, tokens []string, at time.Time) error
	ListActiveTokens(ctx context.Context) ([]domain.DeviceToken, error)
	TouchTokens(ctx context.Context, tokens []string, at time.Time) error
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PreferenceStore is the per-user document store.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, token string) (domain.Preferences, error)
	UpsertPreferences(ctx context.Context, prefs domain.Preferences) error
	ListEnabledPreferences(ctx context.Context) ([]domain.Preferences, error)
}

// TaskIndexStore keeps the outstanding delivery handles of each user.
type TaskIndexStore interface {
	GetTaskIndex(ctx context.Context, token string) (TaskIndex, error)
	PutTaskIndex(ctx context.Context, token string, index TaskIndex) error
}

// SnapshotStore keeps the last ingested price set per market.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, set domain.MarketPriceSet) error
	GetSnapshot(ctx context.Context, market domain.Market) (domain.MarketPriceSet, error)
}

// LedgerStore appends created-task records.
type LedgerStore interface {
	AppendLedger(ctx context.Context, entries []LedgerEntry) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the services need from persistence.
type Repository interface {
	KVStore
	TokenStore
	PreferenceStore
	TaskIndexStore
	SnapshotStore
	LedgerStore
}

// Store is the Postgres implementation of Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for collaborators sharing the database.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl)
}

// GetKV returns the live value stored under key.
func (s *Store) GetKV(ctx context.Context, key string) ([]byte, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}
	var value string
	if err := pool.QueryRow(ctx, getKVSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get kv %s: %w", key, err)
	}
	return []byte(value), true, nil
}

// PutKV stores value under key. A non-positive ttl never expires.
func (s *Store) PutKV(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, putKVSQL, key, string(value), expiry(ttl)); err != nil {
		return fmt.Errorf("put kv %s: %w", key, err)
	}
	return nil
}

// DeleteKV removes key.
func (s *Store) DeleteKV(ctx context.Context, key string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteKVSQL, key); err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}

// IncrementKV atomically increments the counter under key.
func (s *Store) IncrementKV(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var raw string
	if err := pool.QueryRow(ctx, incrementKVSQL, key, expiry(ttl)).Scan(&raw); err != nil {
		return 0, fmt.Errorf("increment kv %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", key, err)
	}
	return n, nil
}

// PurgeExpiredKV deletes expired entries.
func (s *Store) PurgeExpiredKV(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, purgeExpiredKVSQL)
	if err != nil {
		return 0, fmt.Errorf("purge expired kv: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertToken registers or reactivates a device token.
func (s *Store) UpsertToken(ctx context.Context, token domain.DeviceToken) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	created := token.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := pool.Exec(ctx, upsertTokenSQL, token.Token, string(token.Platform), string(token.Region), created); err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

// DeactivateTokens marks tokens inactive as of at.
func (s *Store) DeactivateTokens(ctx context.Context, tokens []string, at time.Time) error {
	if len(tokens) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deactivateTokensSQL, tokens, at); err != nil {
		return fmt.Errorf("deactivate tokens: %w", err)
	}
	return nil
}

// ListActiveTokens lists every active token.
func (s *Store) ListActiveTokens(ctx context.Context) ([]domain.DeviceToken, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveTokensSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active tokens: %w", queryErr)
	}
	defer rows.Close()

	tokens := make([]domain.DeviceToken, 0)
	for rows.Next() {
		var (
			tok      domain.DeviceToken
			platform string
			region   string
		)
		if err := rows.Scan(&tok.Token, &platform, &region, &tok.Active, &tok.CreatedAt, &tok.LastSeen, &tok.InvalidatedAt); err != nil {
			return nil, err
		}
		tok.Platform = domain.Platform(platform)
		tok.Region = domain.Market(region)
		tokens = append(tokens, tok)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return tokens, nil
}

// TouchTokens stamps last_seen on tokens.
func (s *Store) TouchTokens(ctx context.Context, tokens []string, at time.Time) error {
	if len(tokens) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, touchTokensSQL, tokens, at); err != nil {
		return fmt.Errorf("touch tokens: %w", err)
	}
	return nil
}

// DeleteInactiveBefore removes tokens invalidated before cutoff.
func (s *Store) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteInactiveTokensSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete inactive tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetPreferences loads the document of token.
func (s *Store) GetPreferences(ctx context.Context, token string) (domain.Preferences, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.Preferences{}, err
	}
	var doc []byte
	if err := pool.QueryRow(ctx, getPreferencesSQL, token).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Preferences{}, ErrNotFound
		}
		return domain.Preferences{}, fmt.Errorf("get preferences: %w", err)
	}
	return decodePreferences(doc)
}

// UpsertPreferences stores prefs. Derived fields are recomputed first.
func (s *Store) UpsertPreferences(ctx context.Context, prefs domain.Preferences) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	prefs.SyncDerived()
	doc, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if _, err := pool.Exec(ctx, upsertPreferencesSQL,
		prefs.Token,
		string(prefs.Market),
		prefs.HasAnyNotificationEnabled,
		doc,
		prefs.LastUpdated,
	); err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}

// ListEnabledPreferences lists users with at least one notification type on.
func (s *Store) ListEnabledPreferences(ctx context.Context) ([]domain.Preferences, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEnabledPreferencesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list enabled preferences: %w", queryErr)
	}
	defer rows.Close()

	out := make([]domain.Preferences, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		prefs, err := decodePreferences(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, prefs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// GetTaskIndex returns the recorded handles of token, empty when none.
func (s *Store) GetTaskIndex(ctx context.Context, token string) (TaskIndex, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := pool.QueryRow(ctx, getTaskIndexSQL, token).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TaskIndex{}, nil
		}
		return nil, fmt.Errorf("get task index: %w", err)
	}
	index := TaskIndex{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &index); err != nil {
			return nil, fmt.Errorf("decode task index: %w", err)
		}
	}
	return index, nil
}

// PutTaskIndex replaces the recorded handles of token.
func (s *Store) PutTaskIndex(ctx context.Context, token string, index TaskIndex) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if index == nil {
		index = TaskIndex{}
	}
	raw, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encode task index: %w", err)
	}
	if _, err := pool.Exec(ctx, putTaskIndexSQL, token, raw); err != nil {
		return fmt.Errorf("put task index: %w", err)
	}
	return nil
}

// PutSnapshot records the latest price set of a market.
func (s *Store) PutSnapshot(ctx context.Context, set domain.MarketPriceSet) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	doc, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := pool.Exec(ctx, putSnapshotSQL, string(set.Market), set.LastUpdate, doc); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads the latest price set of a market.
func (s *Store) GetSnapshot(ctx context.Context, market domain.Market) (domain.MarketPriceSet, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.MarketPriceSet{}, err
	}
	var doc []byte
	if err := pool.QueryRow(ctx, getSnapshotSQL, string(market)).Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketPriceSet{}, ErrNotFound
		}
		return domain.MarketPriceSet{}, fmt.Errorf("get snapshot: %w", err)
	}
	var set domain.MarketPriceSet
	if err := json.Unmarshal(doc, &set); err != nil {
		return domain.MarketPriceSet{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return set, nil
}

// AppendLedger inserts ledger rows in one batch.
func (s *Store) AppendLedger(ctx context.Context, entries []LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		batch.Queue(insertLedgerSQL, e.Token, string(e.Type), e.Handle, e.FireAt, e.Title, e.Body, created)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func decodePreferences(doc []byte) (domain.Preferences, error) {
	var prefs domain.Preferences
	if err := json.Unmarshal(doc, &prefs); err != nil {
		return domain.Preferences{}, fmt.Errorf("decode preferences: %w", err)
	}
	return prefs, nil
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
