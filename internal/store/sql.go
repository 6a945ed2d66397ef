package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avakeys/internal/config"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/retry"
)

const storeTracerName = "avakeys/store"

// Supported database drivers. The driver packages are registered by the binary.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// SQLStore reads keys from a relational database through sqlx. Queries are
// written with ? placeholders and rebound for the configured driver.
type SQLStore struct {
	db           *sqlx.DB
	logger       observability.Logger
	queryTimeout time.Duration
}

var _ Store = (*SQLStore)(nil)

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) SQLOption {
	return func(s *SQLStore) {
		s.logger = logger
	}
}

// WithQueryTimeout bounds every query.
func WithQueryTimeout(d time.Duration) SQLOption {
	return func(s *SQLStore) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// OpenSQLStore opens the database described by cfg and waits for it to
// answer a ping.
func OpenSQLStore(ctx context.Context, cfg *config.StoreConfig, opts ...SQLOption) (*SQLStore, error) {
	if cfg.Driver != DriverPostgres && cfg.Driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration())
	}

	opts = append([]SQLOption{WithQueryTimeout(cfg.QueryTimeout.OrDefault(config.DefaultStoreQueryTimeout))}, opts...)
	s := NewSQLStore(db, opts...)

	err = retry.Do(ctx, &retry.Config{
		MaxRetries:     5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterFactor:   retry.DefaultJitterFactor,
	}, s.Ping, &retry.Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.logger.Warn("database not ready, retrying",
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err))
		},
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s.logger.Info("sql store connected", observability.String("driver", cfg.Driver))
	return s, nil
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sqlx.DB, opts ...SQLOption) *SQLStore {
	s := &SQLStore{
		db:           db,
		logger:       observability.NopLogger(),
		queryTimeout: config.DefaultStoreQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sqlx.DB {
	return s.db
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// instrument runs fn with the query timeout inside a span and records metrics.
func (s *SQLStore) instrument(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", s.db.DriverName())),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	GetMetrics().observe(op, err, time.Since(start))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	return err
}

type keyRow struct {
	ID                      string         `db:"id"`
	WorkspaceID             string         `db:"workspace_id"`
	ForWorkspaceID          sql.NullString `db:"for_workspace_id"`
	ApiID                   string         `db:"api_id"`
	IdentityID              sql.NullString `db:"identity_id"`
	Hash                    string         `db:"hash"`
	Start                   sql.NullString `db:"start"`
	Name                    sql.NullString `db:"name"`
	OwnerID                 sql.NullString `db:"owner_id"`
	Meta                    sql.NullString `db:"meta"`
	Enabled                 bool           `db:"enabled"`
	Expires                 sql.NullTime   `db:"expires"`
	Remaining               sql.NullInt64  `db:"remaining"`
	RatelimitType           sql.NullString `db:"ratelimit_type"`
	RatelimitLimit          sql.NullInt64  `db:"ratelimit_limit"`
	RatelimitRefillRate     sql.NullInt64  `db:"ratelimit_refill_rate"`
	RatelimitRefillInterval sql.NullInt64  `db:"ratelimit_refill_interval"`
	ApiWorkspaceID          string         `db:"api_workspace_id"`
	ApiName                 string         `db:"api_name"`
	ApiIPWhitelist          sql.NullString `db:"api_ip_whitelist"`
	WorkspaceEnabled        bool           `db:"workspace_enabled"`
}

type ratelimitRow struct {
	Name       string `db:"name"`
	Limit      int64  `db:"limit_count"`
	DurationMs int64  `db:"duration_ms"`
	AutoApply  bool   `db:"auto_apply"`
}

const selectKeyByHash = `
	SELECT k.id, k.workspace_id, k.for_workspace_id, k.api_id, k.identity_id, k.hash,
	       k.start, k.name, k.owner_id, k.meta, k.enabled, k.expires, k.remaining,
	       k.ratelimit_type, k.ratelimit_limit, k.ratelimit_refill_rate, k.ratelimit_refill_interval,
	       a.workspace_id AS api_workspace_id, a.name AS api_name, a.ip_whitelist AS api_ip_whitelist,
	       w.enabled AS workspace_enabled
	FROM keys k
	JOIN apis a ON a.id = k.api_id AND a.deleted_at IS NULL
	JOIN workspaces w ON w.id = k.workspace_id
	WHERE k.hash = ? AND k.deleted_at IS NULL`

const selectKeyPermissions = `
	SELECT p.name FROM keys_permissions kp
	JOIN permissions p ON p.id = kp.permission_id
	WHERE kp.key_id = ?
	UNION
	SELECT p.name FROM keys_roles kr
	JOIN roles_permissions rp ON rp.role_id = kr.role_id
	JOIN permissions p ON p.id = rp.permission_id
	WHERE kr.key_id = ?
	ORDER BY name`

const selectKeyRoles = `
	SELECT r.name FROM keys_roles kr
	JOIN roles r ON r.id = kr.role_id
	WHERE kr.key_id = ?
	ORDER BY r.name`

// FindKeyByHash implements KeyStore. All reads run in one read-only
// transaction so the assembled record is consistent.
func (s *SQLStore) FindKeyByHash(ctx context.Context, hash string) (*VerificationKey, error) {
	var vk *VerificationKey
	err := s.instrument(ctx, "find_key_by_hash", func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var row keyRow
		if err := tx.GetContext(ctx, &row, tx.Rebind(selectKeyByHash), hash); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select key: %w", err)
		}

		loaded, err := row.toVerificationKey()
		if err != nil {
			return err
		}

		if loaded.Key.ForWorkspaceID != nil {
			var fw Workspace
			err := tx.GetContext(ctx, &fw,
				tx.Rebind(`SELECT id, enabled FROM workspaces WHERE id = ?`), *loaded.Key.ForWorkspaceID)
			switch {
			case err == nil:
				loaded.ForWorkspace = &fw
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("select for-workspace: %w", err)
			}
		}

		if loaded.Key.IdentityID != nil {
			identity, err := findIdentity(ctx, tx, *loaded.Key.IdentityID)
			if err != nil {
				return err
			}
			loaded.Identity = identity
		}

		if loaded.Key.Ratelimits, err = selectRatelimits(ctx, tx, "key_id", row.ID); err != nil {
			return err
		}

		if err := tx.SelectContext(ctx, &loaded.Permissions, tx.Rebind(selectKeyPermissions), row.ID, row.ID); err != nil {
			return fmt.Errorf("select permissions: %w", err)
		}
		if err := tx.SelectContext(ctx, &loaded.Roles, tx.Rebind(selectKeyRoles), row.ID); err != nil {
			return fmt.Errorf("select roles: %w", err)
		}

		vk = loaded
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return vk, nil
}

func findIdentity(ctx context.Context, tx *sqlx.Tx, id string) (*Identity, error) {
	var identity Identity
	err := tx.QueryRowxContext(ctx,
		tx.Rebind(`SELECT id, external_id FROM identities WHERE id = ? AND deleted_at IS NULL`), id,
	).Scan(&identity.ID, &identity.ExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select identity: %w", err)
	}

	identity.Ratelimits, err = selectRatelimits(ctx, tx, "identity_id", id)
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func selectRatelimits(ctx context.Context, tx *sqlx.Tx, owner, id string) ([]Ratelimit, error) {
	query := `SELECT name, limit_count, duration_ms, auto_apply FROM ratelimits WHERE ` + owner + ` = ? ORDER BY name`

	var rows []ratelimitRow
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), id); err != nil {
		return nil, fmt.Errorf("select ratelimits by %s: %w", owner, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]Ratelimit, len(rows))
	for i, r := range rows {
		out[i] = Ratelimit(r)
	}
	return out, nil
}

func (r *keyRow) toVerificationKey() (*VerificationKey, error) {
	k := Key{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		ApiID:       r.ApiID,
		Hash:        r.Hash,
		Start:       r.Start.String,
		Name:        r.Name.String,
		Enabled:     r.Enabled,
	}
	if r.ForWorkspaceID.Valid {
		k.ForWorkspaceID = &r.ForWorkspaceID.String
	}
	if r.IdentityID.Valid {
		k.IdentityID = &r.IdentityID.String
	}
	if r.OwnerID.Valid {
		k.OwnerID = &r.OwnerID.String
	}
	if r.Expires.Valid {
		expires := r.Expires.Time
		k.Expires = &expires
	}
	if r.Remaining.Valid {
		remaining := r.Remaining.Int64
		k.Remaining = &remaining
	}
	if r.Meta.Valid && r.Meta.String != "" {
		if err := json.Unmarshal([]byte(r.Meta.String), &k.Meta); err != nil {
			return nil, fmt.Errorf("decode meta of key %s: %w", r.ID, err)
		}
	}
	if r.RatelimitType.Valid {
		k.Ratelimit = &KeyRatelimit{
			Type:           r.RatelimitType.String,
			Limit:          r.RatelimitLimit.Int64,
			RefillRate:     r.RatelimitRefillRate.Int64,
			RefillInterval: r.RatelimitRefillInterval.Int64,
		}
	}

	return &VerificationKey{
		Key: k,
		Api: Api{
			ID:          r.ApiID,
			WorkspaceID: r.ApiWorkspaceID,
			Name:        r.ApiName,
			IPWhitelist: splitList(r.ApiIPWhitelist),
		},
		Workspace: Workspace{ID: r.WorkspaceID, Enabled: r.WorkspaceEnabled},
	}, nil
}

// GetRemaining implements UsageStore.
func (s *SQLStore) GetRemaining(ctx context.Context, keyID string) (*int64, bool, error) {
	var (
		remaining sql.NullInt64
		found     bool
	)
	err := s.instrument(ctx, "get_remaining", func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &remaining,
			s.db.Rebind(`SELECT remaining FROM keys WHERE id = ? AND deleted_at IS NULL`), keyID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select remaining: %w", err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	if !remaining.Valid {
		return nil, true, nil
	}
	v := remaining.Int64
	return &v, true, nil
}

// DecrementRemaining implements UsageStore. Limited keys never drop below
// zero and unlimited keys are left untouched.
func (s *SQLStore) DecrementRemaining(ctx context.Context, keyID string, cost int64) error {
	return s.instrument(ctx, "decrement_remaining", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE keys
			SET remaining = CASE WHEN remaining >= ? THEN remaining - ? ELSE 0 END
			WHERE id = ? AND remaining IS NOT NULL AND remaining > 0`),
			cost, cost, keyID)
		if err != nil {
			return fmt.Errorf("decrement remaining: %w", err)
		}
		return nil
	})
}

// FindApi implements ApiStore.
func (s *SQLStore) FindApi(ctx context.Context, id string) (*Api, error) {
	var api *Api
	err := s.instrument(ctx, "find_api", func(ctx context.Context) error {
		var row struct {
			ID          string         `db:"id"`
			WorkspaceID string         `db:"workspace_id"`
			Name        string         `db:"name"`
			IPWhitelist sql.NullString `db:"ip_whitelist"`
		}
		err := s.db.GetContext(ctx, &row, s.db.Rebind(
			`SELECT id, workspace_id, name, ip_whitelist FROM apis WHERE id = ? AND deleted_at IS NULL`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select api: %w", err)
		}
		api = &Api{
			ID:          row.ID,
			WorkspaceID: row.WorkspaceID,
			Name:        row.Name,
			IPWhitelist: splitList(row.IPWhitelist),
		}
		return nil
	})
	return api, err
}

// FindRatelimitOverride implements IdentityStore.
func (s *SQLStore) FindRatelimitOverride(ctx context.Context, namespace, identifier string) (*RatelimitOverride, error) {
	var override *RatelimitOverride
	err := s.instrument(ctx, "find_ratelimit_override", func(ctx context.Context) error {
		var row struct {
			Namespace  string `db:"namespace"`
			Identifier string `db:"identifier"`
			Limit      int64  `db:"limit_count"`
			DurationMs int64  `db:"duration_ms"`
			Async      bool   `db:"async"`
		}
		err := s.db.GetContext(ctx, &row, s.db.Rebind(`
			SELECT namespace, identifier, limit_count, duration_ms, async
			FROM ratelimit_overrides
			WHERE namespace = ? AND identifier = ? AND deleted_at IS NULL`), namespace, identifier)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select ratelimit override: %w", err)
		}
		o := RatelimitOverride(row)
		override = &o
		return nil
	})
	return override, err
}

// splitList decodes a comma separated column.
func splitList(s sql.NullString) []string {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil
	}
	parts := strings.Split(s.String, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
