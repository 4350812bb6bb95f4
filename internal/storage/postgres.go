package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

// AlertRecord is the persisted form of a pipeline alert.
type AlertRecord struct {
	ID         string    `db:"id" json:"id"`
	Source     string    `db:"source" json:"source"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
	Type       string    `db:"alert_type" json:"type"`
	Severity   string    `db:"severity" json:"severity"`
	Magnitude  float64   `db:"magnitude" json:"magnitude"`
	Threshold  float64   `db:"threshold" json:"threshold"`
	Message    string    `db:"message" json:"message"`
}

// SessionRecord is the persisted form of a completed monitoring session.
type SessionRecord struct {
	ID              string
	Kind            string // vibration, frying
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds float64
	SampleCount     int64
	PeakMagnitude   float64
	AlertCount      int64
	CSVPath         string
	SummaryPath     string
	Metadata        map[string]interface{}
}

// TransitionRecord is one service lifecycle hop.
type TransitionRecord struct {
	ServiceID    string    `json:"service_id"`
	ServiceName  string    `json:"service_name"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	ErrorMessage string    `json:"error_message,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// EventStore persists alerts, sessions, and service transitions to
// PostgreSQL so the rig's history survives restarts.
type EventStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewEventStore connects, verifies the connection, and creates the schema.
func NewEventStore(cfg config.PostgresConfig) (*EventStore, error) {
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}
	if err := backoff.Retry(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &EventStore{
		db:     db,
		logger: zap.L().Named("event-store"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *EventStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id UUID PRIMARY KEY,
		source VARCHAR(50) NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		alert_type VARCHAR(30) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		magnitude FLOAT NOT NULL,
		threshold FLOAT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id VARCHAR(255) PRIMARY KEY,
		kind VARCHAR(20) NOT NULL CHECK (kind IN ('vibration', 'frying')),
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		duration_seconds FLOAT,
		sample_count BIGINT DEFAULT 0,
		peak_magnitude FLOAT DEFAULT 0,
		alert_count BIGINT DEFAULT 0,
		csv_path VARCHAR(500),
		summary_path VARCHAR(500),
		metadata JSONB DEFAULT '{}',
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS service_transitions (
		id BIGSERIAL PRIMARY KEY,
		service_id VARCHAR(50) NOT NULL,
		service_name VARCHAR(100) NOT NULL,
		from_state VARCHAR(20) NOT NULL,
		to_state VARCHAR(20) NOT NULL,
		error_message TEXT,
		occurred_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_alerts_occurred_at ON alerts(occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);
	CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transitions_service ON service_transitions(service_id, occurred_at DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveAlert appends an alert. Re-delivery of the same alert id is a no-op.
func (s *EventStore) SaveAlert(ctx context.Context, a *AlertRecord) error {
	query := `
		INSERT INTO alerts (id, source, occurred_at, alert_type, severity, magnitude, threshold, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Source, a.OccurredAt, a.Type, a.Severity, a.Magnitude, a.Threshold, a.Message,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// RecentAlerts returns the newest alerts, most recent first.
func (s *EventStore) RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, source, occurred_at, alert_type, severity, magnitude, threshold, message
		FROM alerts
		ORDER BY occurred_at DESC
		LIMIT $1
	`

	alerts := make([]AlertRecord, 0, limit)
	if err := s.db.SelectContext(ctx, &alerts, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	return alerts, nil
}

// SaveSession upserts a session row; completion updates the end fields.
func (s *EventStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO sessions (
			id, kind, started_at, ended_at, duration_seconds,
			sample_count, peak_magnitude, alert_count, csv_path, summary_path, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			duration_seconds = EXCLUDED.duration_seconds,
			sample_count = EXCLUDED.sample_count,
			peak_magnitude = EXCLUDED.peak_magnitude,
			alert_count = EXCLUDED.alert_count,
			csv_path = EXCLUDED.csv_path,
			summary_path = EXCLUDED.summary_path,
			metadata = EXCLUDED.metadata
	`

	var endedAt interface{}
	if !rec.EndedAt.IsZero() {
		endedAt = rec.EndedAt
	}

	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.Kind, rec.StartedAt, endedAt, rec.DurationSeconds,
		rec.SampleCount, rec.PeakMagnitude, rec.AlertCount,
		rec.CSVPath, rec.SummaryPath, metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	s.logger.Info("Session recorded",
		zap.String("id", rec.ID),
		zap.String("kind", rec.Kind))
	return nil
}

// SaveTransition appends one lifecycle hop.
func (s *EventStore) SaveTransition(ctx context.Context, t *TransitionRecord) error {
	query := `
		INSERT INTO service_transitions (service_id, service_name, from_state, to_state, error_message, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	var errMsg sql.NullString
	if t.ErrorMessage != "" {
		errMsg = sql.NullString{String: t.ErrorMessage, Valid: true}
	}

	occurred := t.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		t.ServiceID, t.ServiceName, t.FromState, t.ToState, errMsg, occurred,
	)
	if err != nil {
		return fmt.Errorf("failed to save transition: %w", err)
	}
	return nil
}

// RecentTransitions returns the newest lifecycle hops for one service, or
// all services when serviceID is empty.
func (s *EventStore) RecentTransitions(ctx context.Context, serviceID string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT service_id, service_name, from_state, to_state, error_message, occurred_at
		FROM service_transitions
	`
	args := []interface{}{}
	if serviceID != "" {
		query += " WHERE service_id = $1"
		args = append(args, serviceID)
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	transitions := make([]TransitionRecord, 0)
	for rows.Next() {
		var t TransitionRecord
		var errMsg sql.NullString
		if err := rows.Scan(&t.ServiceID, &t.ServiceName, &t.FromState, &t.ToState, &errMsg, &t.OccurredAt); err != nil {
			return nil, err
		}
		t.ErrorMessage = errMsg.String
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// HealthCheck verifies database connectivity.
func (s *EventStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *EventStore) Close() error {
	return s.db.Close()
}
