package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/neomorfeo/marketiq/internal/domain"

	_ "modernc.org/sqlite" // Register SQLite driver.
)

//go:embed migrations/*.sql
var migrations embed.FS

// Compile-time checks: the stores implement the persistence ports.
var (
	_ domain.SubscriptionRepository = (*Store)(nil)
	_ domain.PlanCatalog            = (*Store)(nil)
	_ domain.AuditLog               = (*Store)(nil)
	_ domain.ProvisioningRepository = (*ProvisioningStore)(nil)
)

// Store is the durable subscription store: subscriptions, their
// provisioning records, the cached plan catalog, and the append-only
// audit log, all in one SQLite database.
type Store struct {
	db *sql.DB
}

// New opens a SQLite database, runs migrations, and returns a ready store.
func New(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and avoids
	// SQLITE_BUSY when the job queue shares the file.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Enable foreign keys (off by default in SQLite).
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return NewFromDB(db)
}

// NewFromDB wraps an existing database connection, runs migrations, and
// returns a ready store. Use this when the *sql.DB has been pre-configured
// (e.g., with otelsql instrumentation).
func NewFromDB(db *sql.DB) (*Store, error) {
	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other adapters
// (e.g., river).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Provisioning returns the provisioning-record store backed by the same
// database.
func (s *Store) Provisioning() *ProvisioningStore {
	return &ProvisioningStore{db: s.db}
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}

const timeFormat = "2006-01-02T15:04:05Z"

// --- SubscriptionRepository ---

// Upsert inserts a subscription mirrored from the billing platform. When
// the row already exists the identity fields are refreshed but the locally
// tracked status is left alone: the status only moves through
// TransitionStatus.
func (s *Store) Upsert(ctx context.Context, sub domain.Subscription) (bool, error) {
	now := time.Now().UTC().Format(timeFormat)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, offer_id, plan_id, customer_email, customer_name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		sub.ID, sub.OfferID, sub.PlanID, sub.CustomerEmail, sub.CustomerName,
		string(sub.Status), sub.CreatedAt.Format(timeFormat), now,
	)
	if err != nil {
		return false, fmt.Errorf("inserting subscription: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE subscriptions SET offer_id = ?, plan_id = ?, customer_email = ?, customer_name = ?, updated_at = ?
		 WHERE id = ?`,
		sub.OfferID, sub.PlanID, sub.CustomerEmail, sub.CustomerName, now, sub.ID,
	)
	if err != nil {
		return false, fmt.Errorf("refreshing subscription: %w", err)
	}
	return false, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (domain.Subscription, error) {
	return s.scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT id, offer_id, plan_id, customer_email, customer_name, status, created_at, updated_at
		 FROM subscriptions WHERE id = ?`, id,
	))
}

func (s *Store) GetForCustomer(ctx context.Context, id, customerEmail string) (domain.Subscription, error) {
	return s.scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT id, offer_id, plan_id, customer_email, customer_name, status, created_at, updated_at
		 FROM subscriptions WHERE id = ? AND customer_email = ?`, id, customerEmail,
	))
}

func (s *Store) ListForCustomer(ctx context.Context, customerEmail string) ([]domain.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, offer_id, plan_id, customer_email, customer_name, status, created_at, updated_at
		 FROM subscriptions WHERE customer_email = ? ORDER BY created_at DESC`, customerEmail,
	)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := s.scanSubscriptionFromRows(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, rows.Err()
}

// TransitionStatus advances the status and appends the audit entry in one
// transaction, so a crash cannot produce one without the other.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to domain.Status, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeFormat)

	res, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), now, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		// Either the subscription is gone or its status moved underneath us.
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM subscriptions WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSubscriptionNotFound
		}
		if err != nil {
			return fmt.Errorf("reading current status: %w", err)
		}
		return fmt.Errorf("status changed concurrently: have %q, expected %q", current, from)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (subscription_id, attribute, old_value, new_value, actor_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, domain.AuditAttributeStatus, string(from), string(to), actorID, now,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}

	return tx.Commit()
}

func (s *Store) SaveParameters(ctx context.Context, id string, params []domain.Parameter) error {
	for _, p := range params {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO subscription_parameters (subscription_id, name, type, value)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (subscription_id, name) DO UPDATE SET type = excluded.type, value = excluded.value`,
			id, p.Name, p.Type, p.Value,
		)
		if err != nil {
			return fmt.Errorf("saving parameter %q: %w", p.Name, err)
		}
	}
	return nil
}

// --- ProvisioningRepository ---

// ProvisioningStore persists provisioning records. It shares the Store's
// database; obtain one with Store.Provisioning.
type ProvisioningStore struct {
	db *sql.DB
}

func (s *ProvisioningStore) Get(ctx context.Context, subscriptionID string) (domain.ProvisioningRecord, error) {
	var rec domain.ProvisioningRecord
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT subscription_id, environment_name, purchase_type, tenant_id, environment_id, created_at, updated_at
		 FROM provisioning_records WHERE subscription_id = ?`, subscriptionID,
	).Scan(&rec.SubscriptionID, &rec.EnvironmentName, &rec.PurchaseType, &rec.TenantID, &rec.EnvironmentID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProvisioningRecord{}, domain.ErrProvisioningRecordNotFound
		}
		return domain.ProvisioningRecord{}, fmt.Errorf("scanning provisioning record: %w", err)
	}

	rec.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	return rec, nil
}

// Upsert inserts the record or, when one already exists for the
// subscription, updates the environment name in place. The purchase type
// is never rewritten on conflict: the classification made at first
// activation sticks. The single statement plus the primary key on
// subscription_id make retried activations race-free.
func (s *ProvisioningStore) Upsert(ctx context.Context, rec domain.ProvisioningRecord) error {
	now := time.Now().UTC().Format(timeFormat)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provisioning_records (subscription_id, environment_name, purchase_type, tenant_id, environment_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id) DO UPDATE SET
		   environment_name = excluded.environment_name,
		   updated_at = excluded.updated_at`,
		rec.SubscriptionID, rec.EnvironmentName, rec.PurchaseType, rec.TenantID, rec.EnvironmentID, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting provisioning record: %w", err)
	}
	return nil
}

func (s *ProvisioningStore) SetTenantID(ctx context.Context, subscriptionID string, tenantID int64) error {
	return s.setField(ctx, subscriptionID, "tenant_id", tenantID)
}

func (s *ProvisioningStore) SetEnvironmentID(ctx context.Context, subscriptionID string, environmentID int64) error {
	return s.setField(ctx, subscriptionID, "environment_id", environmentID)
}

func (s *ProvisioningStore) setField(ctx context.Context, subscriptionID, column string, value int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE provisioning_records SET `+column+` = ?, updated_at = ? WHERE subscription_id = ?`,
		value, time.Now().UTC().Format(timeFormat), subscriptionID,
	)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrProvisioningRecordNotFound
	}
	return nil
}

// --- PlanCatalog ---

func (s *Store) SavePlans(ctx context.Context, plans []domain.Plan) error {
	for _, p := range plans {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO plans (id, offer_id, display_name) VALUES (?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET offer_id = excluded.offer_id, display_name = excluded.display_name`,
			p.ID, p.OfferID, p.DisplayName,
		)
		if err != nil {
			return fmt.Errorf("saving plan %q: %w", p.ID, err)
		}
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (domain.Plan, error) {
	var p domain.Plan
	err := s.db.QueryRowContext(ctx,
		`SELECT id, offer_id, display_name FROM plans WHERE id = ?`, planID,
	).Scan(&p.ID, &p.OfferID, &p.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Plan{}, domain.ErrPlanNotFound
		}
		return domain.Plan{}, fmt.Errorf("scanning plan: %w", err)
	}
	return p, nil
}

// --- AuditLog ---

func (s *Store) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (subscription_id, attribute, old_value, new_value, actor_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SubscriptionID, entry.Attribute, entry.OldValue, entry.NewValue, entry.ActorID,
		createdAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListBySubscription(ctx context.Context, subscriptionID string) ([]domain.AuditLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, attribute, old_value, new_value, actor_id, created_at
		 FROM audit_log WHERE subscription_id = ? ORDER BY id`, subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.Attribute, &e.OldValue, &e.NewValue, &e.ActorID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// scanSubscription scans a single row from QueryRow into a domain.Subscription.
func (s *Store) scanSubscription(row *sql.Row) (domain.Subscription, error) {
	var sub domain.Subscription
	var status, createdAt, updatedAt string

	err := row.Scan(&sub.ID, &sub.OfferID, &sub.PlanID, &sub.CustomerEmail, &sub.CustomerName, &status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subscription{}, domain.ErrSubscriptionNotFound
		}
		return domain.Subscription{}, fmt.Errorf("scanning subscription: %w", err)
	}

	sub.Status = domain.Status(status)
	sub.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	sub.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	return sub, nil
}

// scanSubscriptionFromRows scans a single row from Rows (used in ListForCustomer).
func (s *Store) scanSubscriptionFromRows(rows *sql.Rows) (domain.Subscription, error) {
	var sub domain.Subscription
	var status, createdAt, updatedAt string

	err := rows.Scan(&sub.ID, &sub.OfferID, &sub.PlanID, &sub.CustomerEmail, &sub.CustomerName, &status, &createdAt, &updatedAt)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("scanning subscription row: %w", err)
	}

	sub.Status = domain.Status(status)
	sub.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	sub.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	return sub, nil
}
