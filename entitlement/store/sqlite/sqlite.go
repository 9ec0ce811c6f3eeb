// Package sqlite implements entitlement.Store on an embedded SQLite database.
//
// The database is opened with a single connection, so every Update runs
// alone. This is the default backend for single-instance deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CloudNativeWorks/cnw-license-server/entitlement"
)

// Store is a SQLite-backed entitlement.Store.
type Store struct {
	db *sql.DB
}

var _ entitlement.Store = (*Store)(nil)

// Open opens (or creates) the database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open license db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		id                     TEXT PRIMARY KEY,
		license_key            TEXT NOT NULL UNIQUE,
		product_id             TEXT NOT NULL,
		order_id               TEXT NOT NULL DEFAULT '',
		order_unit             TEXT,
		user_id                TEXT NOT NULL DEFAULT '',
		customer_email         TEXT NOT NULL DEFAULT '',
		customer_name          TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL,
		license_type           TEXT NOT NULL,
		max_activations        INTEGER NOT NULL DEFAULT 0,
		activation_count       INTEGER NOT NULL DEFAULT 0,
		expires_at             INTEGER,
		trial_ends_at          INTEGER,
		grace_period_ends_at   INTEGER,
		custom_max_activations INTEGER,
		custom_expires_at      INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL,
		version                INTEGER NOT NULL DEFAULT 1,
		CHECK (activation_count >= 0),
		CHECK (status IN ('active', 'suspended', 'revoked'))
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_order_id ON licenses(order_id);
	CREATE INDEX IF NOT EXISTS idx_licenses_status_updated ON licenses(status, updated_at);

	CREATE TABLE IF NOT EXISTS activations (
		id             TEXT PRIMARY KEY,
		license_id     TEXT NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
		fingerprint    TEXT NOT NULL,
		machine_id     TEXT NOT NULL DEFAULT '',
		active         INTEGER NOT NULL DEFAULT 1,
		ip_address     TEXT NOT NULL DEFAULT '',
		user_agent     TEXT NOT NULL DEFAULT '',
		system_info    TEXT,
		activated_at   INTEGER NOT NULL,
		last_seen_at   INTEGER NOT NULL,
		deactivated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_activations_license ON activations(license_id, activated_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_activations_active_fingerprint
		ON activations(license_id, fingerprint) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                   TEXT PRIMARY KEY,
		license_id           TEXT NOT NULL UNIQUE REFERENCES licenses(id) ON DELETE CASCADE,
		status               TEXT NOT NULL,
		current_period_start INTEGER NOT NULL,
		current_period_end   INTEGER NOT NULL,
		auto_renew           INTEGER NOT NULL DEFAULT 1,
		canceled_at          INTEGER,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init license schema: %w", err)
	}
	return s.migrateOrderUnit(ctx)
}

// migrateOrderUnit adds the order_unit column to databases created before it
// existed, then indexes it. NULLs do not collide in a UNIQUE index.
func (s *Store) migrateOrderUnit(ctx context.Context) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('licenses') WHERE name = 'order_unit'`).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect license schema: %w", err)
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE licenses ADD COLUMN order_unit TEXT`); err != nil {
			return fmt.Errorf("add order_unit column: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_licenses_order_unit ON licenses(order_unit)`)
	if err != nil {
		return fmt.Errorf("index order_unit: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close(_ context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, lic entitlement.License, sub *entitlement.Subscription) error {
	if !lic.Status.Storable() {
		return fmt.Errorf("create license: status %s cannot be stored", lic.Status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO licenses (
			id, license_key, product_id, order_id, order_unit, user_id, customer_email, customer_name,
			status, license_type, max_activations, activation_count,
			expires_at, trial_ends_at, grace_period_ends_at,
			custom_max_activations, custom_expires_at,
			created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lic.ID, lic.Key, lic.ProductID, lic.OrderID, nullableString(lic.OrderUnit), lic.UserID, lic.CustomerEmail, lic.CustomerName,
		lic.Status.String(), lic.Type.String(), lic.MaxActivations, lic.ActivationCount,
		nullableTime(lic.ExpiresAt), nullableTime(lic.TrialEndsAt), nullableTime(lic.GracePeriodEndsAt),
		nullableInt(lic.CustomMaxActivations), nullableTime(lic.CustomExpiresAt),
		lic.CreatedAt.UnixNano(), lic.UpdatedAt.UnixNano(), lic.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "order_unit") {
				return fmt.Errorf("create license: %w", entitlement.ErrUnitIssued)
			}
			return fmt.Errorf("create license: %w", entitlement.ErrDuplicateKey)
		}
		return fmt.Errorf("create license: %w", err)
	}
	if sub != nil {
		if err := saveSubscription(ctx, tx, *sub); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (entitlement.License, error) {
	return getLicense(ctx, s.db, key)
}

func (s *Store) Activations(ctx context.Context, licenseID string) ([]entitlement.Activation, error) {
	return listActivations(ctx, s.db, licenseID)
}

func (s *Store) Subscription(ctx context.Context, licenseID string) (*entitlement.Subscription, error) {
	return getSubscription(ctx, s.db, licenseID)
}

func (s *Store) ListByOrder(ctx context.Context, orderID string) ([]entitlement.License, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+`
		FROM licenses WHERE order_id = ? ORDER BY created_at`, orderID)
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lic, err := getLicense(ctx, tx, key)
	if err != nil {
		return err
	}
	stx := &storeTx{ctx: ctx, tx: tx, license: lic}
	if err := fn(stx); err != nil {
		return err
	}
	if stx.dirty {
		if err := updateLicense(ctx, tx, stx.license); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func (s *Store) PurgeRevoked(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM licenses WHERE status = 'revoked' AND updated_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge revoked licenses: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type storeTx struct {
	ctx     context.Context
	tx      *sql.Tx
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
	return listActivations(t.ctx, t.tx, t.license.ID)
}

func (t *storeTx) SaveActivation(act entitlement.Activation) error {
	info, err := encodeSystemInfo(act.SystemInfo)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO activations (
			id, license_id, fingerprint, machine_id, active, ip_address, user_agent,
			system_info, activated_at, last_seen_at, deactivated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			machine_id = excluded.machine_id,
			ip_address = excluded.ip_address,
			user_agent = excluded.user_agent,
			system_info = excluded.system_info,
			last_seen_at = excluded.last_seen_at,
			deactivated_at = excluded.deactivated_at`,
		act.ID, act.LicenseID, act.Fingerprint, act.MachineID, boolToInt(act.Active),
		act.IPAddress, act.UserAgent, info,
		act.ActivatedAt.UnixNano(), act.LastSeenAt.UnixNano(), nullableTime(act.DeactivatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("save activation: %w", entitlement.ErrConflict)
		}
		return fmt.Errorf("save activation: %w", err)
	}
	return nil
}

func (t *storeTx) Subscription() (*entitlement.Subscription, error) {
	return getSubscription(t.ctx, t.tx, t.license.ID)
}

func (t *storeTx) SaveSubscription(sub entitlement.Subscription) error {
	return saveSubscription(t.ctx, t.tx, sub)
}

const licenseColumns = `id, license_key, product_id, order_id, order_unit, user_id, customer_email, customer_name,
	status, license_type, max_activations, activation_count,
	expires_at, trial_ends_at, grace_period_ends_at,
	custom_max_activations, custom_expires_at,
	created_at, updated_at, version`

type scanner interface {
	Scan(dest ...any) error
}

func getLicense(ctx context.Context, q queryer, key string) (entitlement.License, error) {
	row := q.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	lic, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.License{}, entitlement.ErrNotFound
	}
	return lic, err
}

func scanLicense(s scanner) (entitlement.License, error) {
	var (
		lic                       entitlement.License
		status, typ               string
		expires, trialEnds, grace sql.NullInt64
		customMax, customExpires  sql.NullInt64
		orderUnit                 sql.NullString
		createdAt, updatedAt      int64
	)
	err := s.Scan(
		&lic.ID, &lic.Key, &lic.ProductID, &lic.OrderID, &orderUnit, &lic.UserID, &lic.CustomerEmail, &lic.CustomerName,
		&status, &typ, &lic.MaxActivations, &lic.ActivationCount,
		&expires, &trialEnds, &grace,
		&customMax, &customExpires,
		&createdAt, &updatedAt, &lic.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	lic.OrderUnit = orderUnit.String
	lic.ExpiresAt = timeFromNull(expires)
	lic.TrialEndsAt = timeFromNull(trialEnds)
	lic.GracePeriodEndsAt = timeFromNull(grace)
	lic.CustomExpiresAt = timeFromNull(customExpires)
	if customMax.Valid {
		n := int(customMax.Int64)
		lic.CustomMaxActivations = &n
	}
	lic.CreatedAt = fromUnixNano(createdAt)
	lic.UpdatedAt = fromUnixNano(updatedAt)
	return lic, nil
}

func updateLicense(ctx context.Context, tx *sql.Tx, lic entitlement.License) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE licenses SET
			user_id = ?, customer_email = ?, customer_name = ?,
			status = ?, license_type = ?, max_activations = ?, activation_count = ?,
			expires_at = ?, trial_ends_at = ?, grace_period_ends_at = ?,
			custom_max_activations = ?, custom_expires_at = ?,
			updated_at = ?, version = version + 1
		WHERE id = ?`,
		lic.UserID, lic.CustomerEmail, lic.CustomerName,
		lic.Status.String(), lic.Type.String(), lic.MaxActivations, lic.ActivationCount,
		nullableTime(lic.ExpiresAt), nullableTime(lic.TrialEndsAt), nullableTime(lic.GracePeriodEndsAt),
		nullableInt(lic.CustomMaxActivations), nullableTime(lic.CustomExpiresAt),
		lic.UpdatedAt.UnixNano(), lic.ID,
	)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	return nil
}

func listActivations(ctx context.Context, q queryer, licenseID string) ([]entitlement.Activation, error) {
	rows, err := q.QueryContext(ctx, `SELECT
		id, license_id, fingerprint, machine_id, active, ip_address, user_agent,
		system_info, activated_at, last_seen_at, deactivated_at
		FROM activations WHERE license_id = ? ORDER BY activated_at, id`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var out []entitlement.Activation
	for rows.Next() {
		var (
			a                       entitlement.Activation
			active                  int
			info                    sql.NullString
			activatedAt, lastSeenAt int64
			deactivatedAt           sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.LicenseID, &a.Fingerprint, &a.MachineID, &active,
			&a.IPAddress, &a.UserAgent, &info, &activatedAt, &lastSeenAt, &deactivatedAt); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		a.Active = active != 0
		if info.Valid && info.String != "" {
			if err := json.Unmarshal([]byte(info.String), &a.SystemInfo); err != nil {
				return nil, fmt.Errorf("decode system info: %w", err)
			}
		}
		a.ActivatedAt = fromUnixNano(activatedAt)
		a.LastSeenAt = fromUnixNano(lastSeenAt)
		a.DeactivatedAt = timeFromNull(deactivatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func getSubscription(ctx context.Context, q queryer, licenseID string) (*entitlement.Subscription, error) {
	var (
		sub                  entitlement.Subscription
		status               string
		start, end           int64
		autoRenew            int
		canceledAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx, `SELECT
		id, license_id, status, current_period_start, current_period_end,
		auto_renew, canceled_at, created_at, updated_at
		FROM subscriptions WHERE license_id = ?`, licenseID).Scan(
		&sub.ID, &sub.LicenseID, &status, &start, &end,
		&autoRenew, &canceledAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub.Status, err = entitlement.ParseSubscriptionStatus(status); err != nil {
		return nil, err
	}
	sub.CurrentPeriodStart = fromUnixNano(start)
	sub.CurrentPeriodEnd = fromUnixNano(end)
	sub.AutoRenew = autoRenew != 0
	sub.CanceledAt = timeFromNull(canceledAt)
	sub.CreatedAt = fromUnixNano(createdAt)
	sub.UpdatedAt = fromUnixNano(updatedAt)
	return &sub, nil
}

func saveSubscription(ctx context.Context, q queryer, sub entitlement.Subscription) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO subscriptions (
			id, license_id, status, current_period_start, current_period_end,
			auto_renew, canceled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			auto_renew = excluded.auto_renew,
			canceled_at = excluded.canceled_at,
			updated_at = excluded.updated_at`,
		sub.ID, sub.LicenseID, sub.Status.String(),
		sub.CurrentPeriodStart.UnixNano(), sub.CurrentPeriodEnd.UnixNano(),
		boolToInt(sub.AutoRenew), nullableTime(sub.CanceledAt),
		sub.CreatedAt.UnixNano(), sub.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func encodeSystemInfo(info map[string]string) (any, error) {
	if len(info) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode system info: %w", err)
	}
	return string(b), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnixNano(v.Int64)
	return &t
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
