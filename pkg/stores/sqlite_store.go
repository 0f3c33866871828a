// Package stores persists stack state: resources, plans, runs and the
// event timeline. The SQLite backing file is the local state database;
// `tundra backend create` provisions the S3 bucket it is replicated to.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/opentundra/opentundra/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// LockTTL bounds how long a stack lock is honored. A crashed process
// leaves its lock behind; a later run may take it over after expiry.
const LockTTL = 30 * time.Minute

// SQLiteStore implements engine.StateManager on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a store for the given database path. Call Init
// before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database in WAL mode and verifies the connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// GetResource retrieves a resource by ID.
func (s *SQLiteStore) GetResource(ctx context.Context, resourceID string) (*engine.Resource, error) {
	query := `
		SELECT id, type, name, config, state, outputs, status, labels, depends_on,
		       created_at, updated_at, version
		FROM resources
		WHERE id = ?
	`

	var (
		res                              engine.Resource
		config, state                    sql.NullString
		outputs, labels, dependsOn       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, resourceID).Scan(
		&res.ID, &res.Type, &res.Name,
		&config, &state, &outputs, &res.Status, &labels, &dependsOn,
		&res.CreatedAt, &res.UpdatedAt, &res.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource not found: %s", resourceID), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	if config.Valid {
		res.Config = json.RawMessage(config.String)
	}
	if state.Valid {
		res.State = json.RawMessage(state.String)
	}
	if err := decodeJSONColumn(outputs, &res.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs for %s: %w", resourceID, err)
	}
	if err := decodeJSONColumn(labels, &res.Labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels for %s: %w", resourceID, err)
	}
	if err := decodeJSONColumn(dependsOn, &res.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on for %s: %w", resourceID, err)
	}
	return &res, nil
}

func decodeJSONColumn(col sql.NullString, dst interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func encodeJSONColumn(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// SaveResource inserts or replaces a resource.
func (s *SQLiteStore) SaveResource(ctx context.Context, resource *engine.Resource) error {
	if resource == nil || resource.ID == "" {
		return engine.NewPermanentError("resource is nil or has empty ID", nil).
			WithCode(engine.ErrCodeValidation)
	}

	outputs, err := encodeJSONColumn(resource.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}
	labels, err := encodeJSONColumn(resource.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	dependsOn, err := encodeJSONColumn(resource.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode depends_on: %w", err)
	}

	now := time.Now()
	if resource.CreatedAt.IsZero() {
		resource.CreatedAt = now
	}
	resource.UpdatedAt = now

	query := `
		INSERT INTO resources (id, type, name, config, state, outputs, status, labels, depends_on,
		                       created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			config = excluded.config,
			state = excluded.state,
			outputs = excluded.outputs,
			status = excluded.status,
			labels = excluded.labels,
			depends_on = excluded.depends_on,
			updated_at = excluded.updated_at,
			version = excluded.version
	`
	_, err = s.db.ExecContext(ctx, query,
		resource.ID, resource.Type, resource.Name,
		nullableRaw(resource.Config), nullableRaw(resource.State),
		outputs, string(resource.Status), labels, dependsOn,
		resource.CreatedAt, resource.UpdatedAt, resource.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save resource: %w", err)
	}
	return nil
}

func nullableRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// DeleteResource removes a resource from state.
func (s *SQLiteStore) DeleteResource(ctx context.Context, resourceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, resourceID)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("resource not found: %s", resourceID), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(resourceID)
	}
	return nil
}

// ListResources returns every resource in state.
func (s *SQLiteStore) ListResources(ctx context.Context) ([]engine.Resource, error) {
	query := `
		SELECT id, type, name, config, state, outputs, status, labels, depends_on,
		       created_at, updated_at, version
		FROM resources
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []engine.Resource{}
	for rows.Next() {
		var (
			res                        engine.Resource
			config, state              sql.NullString
			outputs, labels, dependsOn sql.NullString
		)
		err := rows.Scan(
			&res.ID, &res.Type, &res.Name,
			&config, &state, &outputs, &res.Status, &labels, &dependsOn,
			&res.CreatedAt, &res.UpdatedAt, &res.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		if config.Valid {
			res.Config = json.RawMessage(config.String)
		}
		if state.Valid {
			res.State = json.RawMessage(state.String)
		}
		if err := decodeJSONColumn(outputs, &res.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode outputs for %s: %w", res.ID, err)
		}
		if err := decodeJSONColumn(labels, &res.Labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels for %s: %w", res.ID, err)
		}
		if err := decodeJSONColumn(dependsOn, &res.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode depends_on for %s: %w", res.ID, err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// GetResourceState returns just the state document of a resource.
func (s *SQLiteStore) GetResourceState(ctx context.Context, resourceID string) (json.RawMessage, error) {
	var state sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM resources WHERE id = ?`, resourceID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource not found: %s", resourceID), nil).
			WithCode(engine.ErrCodeNotFound).WithResource(resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}
	if !state.Valid {
		return nil, nil
	}
	return json.RawMessage(state.String), nil
}

// Lock acquires the stack-wide advisory lock. Re-acquisition by the same
// holder refreshes the TTL; an expired lock from another holder is taken
// over.
func (s *SQLiteStore) Lock(ctx context.Context, stack, holder string) error {
	if stack == "" || holder == "" {
		return engine.NewPermanentError("stack and holder are required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	now := time.Now()
	expires := now.Add(LockTTL)

	query := `
		INSERT INTO locks (stack, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stack) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE locks.holder = excluded.holder OR locks.expires_at < ?
	`
	result, err := s.db.ExecContext(ctx, query, stack, holder, now, expires, now)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var current string
		_ = s.db.QueryRowContext(ctx,
			`SELECT holder FROM locks WHERE stack = ?`, stack).Scan(&current)
		return engine.NewConflictError(
			fmt.Sprintf("stack %s is locked by %s", stack, current), nil).
			WithCode(engine.ErrCodeStateLocked)
	}
	return nil
}

// Unlock releases the stack lock. Only the current holder may release it.
func (s *SQLiteStore) Unlock(ctx context.Context, stack, holder string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE stack = ? AND holder = ?`, stack, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewConflictError(
			fmt.Sprintf("stack %s is not locked by %s", stack, holder), nil).
			WithCode(engine.ErrCodeStateLocked)
	}
	return nil
}

// SavePlan persists a plan as a JSON document.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *engine.Plan) error {
	if plan == nil || plan.ID == "" {
		return engine.NewPermanentError("plan is nil or has empty ID", nil).
			WithCode(engine.ErrCodeValidation)
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	query := `
		INSERT INTO plans (id, stack, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET stack = excluded.stack, data = excluded.data
	`
	if _, err := s.db.ExecContext(ctx, query, plan.ID, plan.Stack, string(data), plan.CreatedAt); err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, planID string) (*engine.Plan, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM plans WHERE id = ?`, planID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("plan not found: %s", planID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	var plan engine.Plan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return &plan, nil
}

// SaveRun persists a run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	if run == nil || run.ID == "" {
		return engine.NewPermanentError("run is nil or has empty ID", nil).
			WithCode(engine.ErrCodeValidation)
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}

	query := `
		INSERT INTO runs (id, plan_id, stack, status, data, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			completed_at = excluded.completed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.PlanID, run.Stack, string(run.Status), string(data),
		run.StartedAt, run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("run not found: %s", runID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run engine.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}

// ListRuns returns runs ordered most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]engine.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []engine.Run{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var run engine.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// AppendEvent appends an event to the run timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return engine.NewPermanentError("event is nil", nil).
			WithCode(engine.ErrCodeValidation)
	}
	details, err := encodeJSONColumn(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	query := `
		INSERT INTO events (id, run_id, plan_unit_id, resource_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.RunID, event.PlanUnitID, event.ResourceID,
		string(event.Type), event.Level, event.Message, details, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents returns the timeline for a run in append order.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	query := `
		SELECT id, run_id, plan_unit_id, resource_id, type, level, message, details, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []engine.Event{}
	for rows.Next() {
		var (
			ev                      engine.Event
			planUnitID, resourceID  sql.NullString
			details                 sql.NullString
			eventType               string
		)
		err := rows.Scan(&ev.ID, &ev.RunID, &planUnitID, &resourceID,
			&eventType, &ev.Level, &ev.Message, &details, &ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = engine.EventType(eventType)
		ev.PlanUnitID = planUnitID.String
		ev.ResourceID = resourceID.String
		if err := decodeJSONColumn(details, &ev.Details); err != nil {
			return nil, fmt.Errorf("failed to decode event details: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
