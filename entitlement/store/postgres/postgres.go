// Package postgres implements entitlement.Store on PostgreSQL.
//
// Update locks the license row with SELECT ... FOR UPDATE, so operations on
// one license are serialized across every server instance sharing the
// database. Serialization failures and deadlocks are reported as
// entitlement.ErrConflict.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

const defaultTablePrefix = "cnw_"

// validIdentifier matches safe PostgreSQL identifiers (letters, digits, underscores).
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Option configures a Store.
type Option func(*Store)

// WithTablePrefix sets the prefix of the three tables. Default: "cnw_".
func WithTablePrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// Store is a PostgreSQL-backed entitlement.Store.
type Store struct {
	pool   *pgxpool.Pool
	prefix string

	licenses      string
	activations   string
	subscriptions string
}

var _ entitlement.Store = (*Store)(nil)

// New creates the store and its tables. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	s := &Store{pool: pool, prefix: defaultTablePrefix}
	for _, opt := range opts {
		opt(s)
	}
	if !validIdentifier.MatchString(s.prefix + "licenses") {
		return nil, fmt.Errorf("invalid table prefix %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.prefix)
	}
	s.licenses = s.prefix + "licenses"
	s.activations = s.prefix + "activations"
	s.subscriptions = s.prefix + "subscriptions"

	if err := s.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id                     TEXT PRIMARY KEY,
			license_key            TEXT NOT NULL UNIQUE,
			product_id             TEXT NOT NULL,
			order_id               TEXT NOT NULL DEFAULT '',
			user_id                TEXT NOT NULL DEFAULT '',
			customer_email         TEXT NOT NULL DEFAULT '',
			customer_name          TEXT NOT NULL DEFAULT '',
			status                 TEXT NOT NULL CHECK (status IN ('active', 'suspended', 'revoked')),
			license_type           TEXT NOT NULL,
			max_activations        INTEGER NOT NULL DEFAULT 0,
			activation_count       INTEGER NOT NULL DEFAULT 0 CHECK (activation_count >= 0),
			expires_at             TIMESTAMPTZ,
			trial_ends_at          TIMESTAMPTZ,
			grace_period_ends_at   TIMESTAMPTZ,
			custom_max_activations INTEGER,
			custom_expires_at      TIMESTAMPTZ,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			version                BIGINT NOT NULL DEFAULT 1
		);
		ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS order_unit TEXT;
		CREATE INDEX IF NOT EXISTS idx_%[1]s_order_id ON %[1]s (order_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_order_unit ON %[1]s (order_unit);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_status_updated ON %[1]s (status, updated_at);

		CREATE TABLE IF NOT EXISTS %[2]s (
			id             TEXT PRIMARY KEY,
			license_id     TEXT NOT NULL REFERENCES %[1]s (id) ON DELETE CASCADE,
			fingerprint    TEXT NOT NULL,
			machine_id     TEXT NOT NULL DEFAULT '',
			active         BOOLEAN NOT NULL DEFAULT TRUE,
			ip_address     TEXT NOT NULL DEFAULT '',
			user_agent     TEXT NOT NULL DEFAULT '',
			system_info    JSONB,
			activated_at   TIMESTAMPTZ NOT NULL,
			last_seen_at   TIMESTAMPTZ NOT NULL,
			deactivated_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_license ON %[2]s (license_id, activated_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_%[2]s_active_fingerprint
			ON %[2]s (license_id, fingerprint) WHERE active;

		CREATE TABLE IF NOT EXISTS %[3]s (
			id                   TEXT PRIMARY KEY,
			license_id           TEXT NOT NULL UNIQUE REFERENCES %[1]s (id) ON DELETE CASCADE,
			status               TEXT NOT NULL,
			current_period_start TIMESTAMPTZ NOT NULL,
			current_period_end   TIMESTAMPTZ NOT NULL,
			auto_renew           BOOLEAN NOT NULL DEFAULT TRUE,
			canceled_at          TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL
		);
	`, s.licenses, s.activations, s.subscriptions)
	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *Store) Close(_ context.Context) error {
	return nil // the caller manages the pgxpool.Pool lifecycle
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Create(ctx context.Context, lic entitlement.License, sub *entitlement.Subscription) error {
	if !lic.Status.Storable() {
		return fmt.Errorf("create license: status %s cannot be stored", lic.Status)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
			INSERT INTO %s (
				id, license_key, product_id, order_id, order_unit, user_id, customer_email, customer_name,
				status, license_type, max_activations, activation_count,
				expires_at, trial_ends_at, grace_period_ends_at,
				custom_max_activations, custom_expires_at,
				created_at, updated_at, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		`, s.licenses)
		_, err := tx.Exec(ctx, query,
			lic.ID, lic.Key, lic.ProductID, lic.OrderID, nullableString(lic.OrderUnit), lic.UserID, lic.CustomerEmail, lic.CustomerName,
			lic.Status.String(), lic.Type.String(), lic.MaxActivations, lic.ActivationCount,
			lic.ExpiresAt, lic.TrialEndsAt, lic.GracePeriodEndsAt,
			lic.CustomMaxActivations, lic.CustomExpiresAt,
			lic.CreatedAt, lic.UpdatedAt, lic.Version,
		)
		if err != nil {
			return fmt.Errorf("create license: %w", mapError(err))
		}
		if sub != nil {
			return s.saveSubscription(ctx, tx, *sub)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, key string) (entitlement.License, error) {
	return s.getLicense(ctx, s.pool, key, false)
}

func (s *Store) Activations(ctx context.Context, licenseID string) ([]entitlement.Activation, error) {
	return s.listActivations(ctx, s.pool, licenseID)
}

func (s *Store) Subscription(ctx context.Context, licenseID string) (*entitlement.Subscription, error) {
	return s.getSubscription(ctx, s.pool, licenseID)
}

func (s *Store) ListByOrder(ctx context.Context, orderID string) ([]entitlement.License, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE order_id = $1 ORDER BY created_at`, licenseColumns, s.licenses)
	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("list licenses by order: %w", err)
	}
	defer rows.Close()

	var out []entitlement.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}

func (s *Store) Update(ctx context.Context, key string, fn func(tx entitlement.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		lic, err := s.getLicense(ctx, tx, key, true)
		if err != nil {
			return err
		}
		stx := &storeTx{ctx: ctx, s: s, tx: tx, license: lic}
		if err := fn(stx); err != nil {
			return err
		}
		if stx.dirty {
			return s.updateLicense(ctx, tx, stx.license)
		}
		return nil
	})
	return mapError(err)
}

func (s *Store) PurgeRevoked(ctx context.Context, cutoff time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = 'revoked' AND updated_at < $1`, s.licenses)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge revoked licenses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type storeTx struct {
	ctx     context.Context
	s       *Store
	tx      pgx.Tx
	license entitlement.License
	dirty   bool
}

func (t *storeTx) License() entitlement.License { return t.license }

func (t *storeTx) SaveLicense(lic entitlement.License) error {
	if !lic.Status.Storable() {
		return fmt.Errorf("save license: status %s cannot be stored", lic.Status)
	}
	t.license = lic
	t.dirty = true
	return nil
}

func (t *storeTx) Activations() ([]entitlement.Activation, error) {
	return t.s.listActivations(t.ctx, t.tx, t.license.ID)
}

func (t *storeTx) SaveActivation(act entitlement.Activation) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, license_id, fingerprint, machine_id, active, ip_address, user_agent,
			system_info, activated_at, last_seen_at, deactivated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			active = EXCLUDED.active,
			machine_id = EXCLUDED.machine_id,
			ip_address = EXCLUDED.ip_address,
			user_agent = EXCLUDED.user_agent,
			system_info = EXCLUDED.system_info,
			last_seen_at = EXCLUDED.last_seen_at,
			deactivated_at = EXCLUDED.deactivated_at
	`, t.s.activations)
	var info any
	if len(act.SystemInfo) > 0 {
		info = act.SystemInfo
	}
	_, err := t.tx.Exec(t.ctx, query,
		act.ID, act.LicenseID, act.Fingerprint, act.MachineID, act.Active, act.IPAddress, act.UserAgent,
		info, act.ActivatedAt, act.LastSeenAt, act.DeactivatedAt,
	)
	if err != nil {
		err = mapError(err)
		if errors.Is(err, entitlement.ErrDuplicateKey) {
			// A second active row for the fingerprint; the engine checks
			// this under the lock, so it can only be a lost race.
			return fmt.Errorf("save activation: %w", entitlement.ErrConflict)
		}
		return fmt.Errorf("save activation: %w", err)
	}
	return nil
}

func (t *storeTx) Subscription() (*entitlement.Subscription, error) {
	return t.s.getSubscription(t.ctx, t.tx, t.license.ID)
}

func (t *storeTx) SaveSubscription(sub entitlement.Subscription) error {
	return t.s.saveSubscription(t.ctx, t.tx, sub)
}

const licenseColumns = `id, license_key, product_id, order_id, order_unit, user_id, customer_email, customer_name,
	status, license_type, max_activations, activation_count,
	expires_at, trial_ends_at, grace_period_ends_at,
	custom_max_activations, custom_expires_at,
	created_at, updated_at, version`

func (s *Store) getLicense(ctx context.Context, q querier, key string, lock bool) (entitlement.License, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE license_key = $1`, licenseColumns, s.licenses)
	if lock {
		query += ` FOR UPDATE`
	}
	lic, err := scanLicense(q.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return entitlement.License{}, entitlement.ErrNotFound
	}
	return lic, err
}

func scanLicense(row pgx.Row) (entitlement.License, error) {
	var (
		lic         entitlement.License
		status, typ string
		customMax   *int32
		orderUnit   *string
	)
	err := row.Scan(
		&lic.ID, &lic.Key, &lic.ProductID, &lic.OrderID, &orderUnit, &lic.UserID, &lic.CustomerEmail, &lic.CustomerName,
		&status, &typ, &lic.MaxActivations, &lic.ActivationCount,
		&lic.ExpiresAt, &lic.TrialEndsAt, &lic.GracePeriodEndsAt,
		&customMax, &lic.CustomExpiresAt,
		&lic.CreatedAt, &lic.UpdatedAt, &lic.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entitlement.License{}, err
		}
		return entitlement.License{}, fmt.Errorf("scan license: %w", err)
	}
	if lic.Status, err = entitlement.ParseStatus(status); err != nil {
		return entitlement.License{}, err
	}
	if lic.Type, err = entitlement.ParseLicenseType(typ); err != nil {
		return entitlement.License{}, err
	}
	if orderUnit != nil {
		lic.OrderUnit = *orderUnit
	}
	if customMax != nil {
		n := int(*customMax)
		lic.CustomMaxActivations = &n
	}
	lic.ExpiresAt = utcPtr(lic.ExpiresAt)
	lic.TrialEndsAt = utcPtr(lic.TrialEndsAt)
	lic.GracePeriodEndsAt = utcPtr(lic.GracePeriodEndsAt)
	lic.CustomExpiresAt = utcPtr(lic.CustomExpiresAt)
	lic.CreatedAt = lic.CreatedAt.UTC()
	lic.UpdatedAt = lic.UpdatedAt.UTC()
	return lic, nil
}

func (s *Store) updateLicense(ctx context.Context, tx pgx.Tx, lic entitlement.License) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			user_id = $1, customer_email = $2, customer_name = $3,
			status = $4, license_type = $5, max_activations = $6, activation_count = $7,
			expires_at = $8, trial_ends_at = $9, grace_period_ends_at = $10,
			custom_max_activations = $11, custom_expires_at = $12,
			updated_at = $13, version = version + 1
		WHERE id = $14
	`, s.licenses)
	_, err := tx.Exec(ctx, query,
		lic.UserID, lic.CustomerEmail, lic.CustomerName,
		lic.Status.String(), lic.Type.String(), lic.MaxActivations, lic.ActivationCount,
		lic.ExpiresAt, lic.TrialEndsAt, lic.GracePeriodEndsAt,
		lic.CustomMaxActivations, lic.CustomExpiresAt,
		lic.UpdatedAt, lic.ID,
	)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	return nil
}

func (s *Store) listActivations(ctx context.Context, q querier, licenseID string) ([]entitlement.Activation, error) {
	query := fmt.Sprintf(`
		SELECT id, license_id, fingerprint, machine_id, active, ip_address, user_agent,
			system_info, activated_at, last_seen_at, deactivated_at
		FROM %s WHERE license_id = $1 ORDER BY activated_at, id
	`, s.activations)
	rows, err := q.Query(ctx, query, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var out []entitlement.Activation
	for rows.Next() {
		var a entitlement.Activation
		if err := rows.Scan(&a.ID, &a.LicenseID, &a.Fingerprint, &a.MachineID, &a.Active,
			&a.IPAddress, &a.UserAgent, &a.SystemInfo, &a.ActivatedAt, &a.LastSeenAt, &a.DeactivatedAt); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		a.ActivatedAt = a.ActivatedAt.UTC()
		a.LastSeenAt = a.LastSeenAt.UTC()
		a.DeactivatedAt = utcPtr(a.DeactivatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) getSubscription(ctx context.Context, q querier, licenseID string) (*entitlement.Subscription, error) {
	query := fmt.Sprintf(`
		SELECT id, license_id, status, current_period_start, current_period_end,
			auto_renew, canceled_at, created_at, updated_at
		FROM %s WHERE license_id = $1
	`, s.subscriptions)
	var (
		sub    entitlement.Subscription
		status string
	)
	err := q.QueryRow(ctx, query, licenseID).Scan(
		&sub.ID, &sub.LicenseID, &status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.AutoRenew, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub.Status, err = entitlement.ParseSubscriptionStatus(status); err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.CanceledAt = utcPtr(sub.CanceledAt)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}

func (s *Store) saveSubscription(ctx context.Context, q querier, sub entitlement.Subscription) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, license_id, status, current_period_start, current_period_end,
			auto_renew, canceled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			auto_renew = EXCLUDED.auto_renew,
			canceled_at = EXCLUDED.canceled_at,
			updated_at = EXCLUDED.updated_at
	`, s.subscriptions)
	_, err := q.Exec(ctx, query,
		sub.ID, sub.LicenseID, sub.Status.String(), sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.AutoRenew, sub.CanceledAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", mapError(err))
	}
	return nil
}

// PostgreSQL error codes translated into store sentinels.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// mapError translates driver errors into entitlement store sentinels,
// keeping the original error in the chain.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		if strings.Contains(pgErr.ConstraintName, "order_unit") {
			return fmt.Errorf("%w: %w", entitlement.ErrUnitIssued, err)
		}
		return fmt.Errorf("%w: %w", entitlement.ErrDuplicateKey, err)
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %w", entitlement.ErrConflict, err)
	}
	return err
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
