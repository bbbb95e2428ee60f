package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresRepository implements Repository on PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// DefaultPostgresConfig returns sensible defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:         "localhost",
		Port:         5432,
		Database:     "llmgateway",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnLifetime: 5 * time.Minute,
	}
}

// NewPostgresRepository opens the database, verifies connectivity, and
// ensures the schema exists.
func NewPostgresRepository(cfg *PostgresConfig) (*PostgresRepository, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &PostgresRepository{db: db}
	if err := repo.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS cost_records (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	project_id    TEXT NOT NULL DEFAULT '',
	request_id    TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	provider      TEXT NOT NULL,
	model_id      TEXT NOT NULL,
	operation     TEXT NOT NULL,
	input_tokens  BIGINT NOT NULL,
	output_tokens BIGINT NOT NULL,
	total_tokens  BIGINT NOT NULL,
	cost_units    BIGINT NOT NULL,
	tags          TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS cost_records_user_ts ON cost_records (user_id, ts);

CREATE TABLE IF NOT EXISTS budgets (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL DEFAULT '',
	project_id          TEXT NOT NULL DEFAULT '',
	amount_units        BIGINT NOT NULL,
	reset_period        TEXT NOT NULL DEFAULT '',
	end_date            TIMESTAMPTZ,
	alert_threshold_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	enforce             BOOLEAN NOT NULL DEFAULT TRUE
);`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) CreateCostRecord(ctx context.Context, rec *CostRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cost_records
			(id, user_id, project_id, request_id, ts, provider, model_id, operation,
			 input_tokens, output_tokens, total_tokens, cost_units, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.UserID, rec.ProjectID, rec.RequestID, rec.Timestamp,
		rec.Provider, rec.ModelID, rec.Operation,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		int64(rec.Cost), pq.Array(rec.Tags))
	return err
}

func (r *PostgresRepository) GetCostRecords(ctx context.Context, f RecordFilter) ([]CostRecord, error) {
	query := `
		SELECT id, user_id, project_id, request_id, ts, provider, model_id, operation,
		       input_tokens, output_tokens, total_tokens, cost_units, tags
		FROM cost_records WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if f.UserID != "" {
		add("user_id", f.UserID)
	}
	if f.ProjectID != "" {
		add("project_id", f.ProjectID)
	}
	if f.Provider != "" {
		add("provider", f.Provider)
	}
	if f.ModelID != "" {
		add("model_id", f.ModelID)
	}
	if f.Operation != "" {
		add("operation", f.Operation)
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		query += fmt.Sprintf(" AND ts < $%d", len(args))
	}
	query += " ORDER BY ts"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostRecord
	for rows.Next() {
		var rec CostRecord
		var units int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ProjectID, &rec.RequestID,
			&rec.Timestamp, &rec.Provider, &rec.ModelID, &rec.Operation,
			&rec.InputTokens, &rec.OutputTokens, &rec.TotalTokens,
			&units, pq.Array(&rec.Tags)); err != nil {
			return nil, err
		}
		rec.Cost = USD(units)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetCostSummary(ctx context.Context, userID string, since, until time.Time, groupBy string) ([]SummaryRow, error) {
	var keyExpr string
	switch groupBy {
	case GroupByProvider:
		keyExpr = "provider"
	case GroupByModel:
		keyExpr = "model_id"
	case GroupByOperation:
		keyExpr = "operation"
	case GroupByProject:
		keyExpr = "project_id"
	case GroupByDay:
		keyExpr = "to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
	case GroupByMonth:
		keyExpr = "to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM')"
	default:
		return nil, fmt.Errorf("unknown group key %q", groupBy)
	}

	query := fmt.Sprintf(`
		SELECT %s AS k, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_units)
		FROM cost_records
		WHERE user_id = $1 AND ts >= $2 AND ts < $3
		GROUP BY k ORDER BY k`, keyExpr)

	rows, err := r.db.QueryContext(ctx, query, userID, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var row SummaryRow
		var units int64
		if err := rows.Scan(&row.Key, &row.Requests, &row.InputTokens, &row.OutputTokens, &units); err != nil {
			return nil, err
		}
		row.Cost = USD(units)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SpendSince(ctx context.Context, userID, projectID string, since time.Time) (USD, error) {
	query := `SELECT COALESCE(SUM(cost_units), 0) FROM cost_records WHERE ts >= $1`
	args := []any{since}
	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if projectID != "" {
		args = append(args, projectID)
		query += fmt.Sprintf(" AND project_id = $%d", len(args))
	}

	var units int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&units); err != nil {
		return 0, err
	}
	return USD(units), nil
}

func (r *PostgresRepository) CreateBudget(ctx context.Context, b *Budget) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO budgets (id, user_id, project_id, amount_units, reset_period, end_date, alert_threshold_pct, enforce)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.UserID, b.ProjectID, int64(b.Amount), b.ResetPeriod, b.EndDate, b.AlertThresholdPct, b.EnforceBudget)
	return err
}

func (r *PostgresRepository) UpdateBudget(ctx context.Context, b *Budget) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE budgets SET user_id=$2, project_id=$3, amount_units=$4, reset_period=$5,
			end_date=$6, alert_threshold_pct=$7, enforce=$8
		WHERE id=$1`,
		b.ID, b.UserID, b.ProjectID, int64(b.Amount), b.ResetPeriod, b.EndDate, b.AlertThresholdPct, b.EnforceBudget)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("budget %q not found", b.ID)
	}
	return err
}

func (r *PostgresRepository) DeleteBudget(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM budgets WHERE id=$1`, id)
	return err
}

func (r *PostgresRepository) GetBudgetsForUserAndProject(ctx context.Context, userID, projectID string) ([]Budget, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, project_id, amount_units, reset_period, end_date, alert_threshold_pct, enforce
		FROM budgets
		WHERE (user_id = '' OR user_id = $1) AND (project_id = '' OR project_id = $2)
		ORDER BY id`, userID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Budget
	for rows.Next() {
		var b Budget
		var units int64
		if err := rows.Scan(&b.ID, &b.UserID, &b.ProjectID, &units, &b.ResetPeriod,
			&b.EndDate, &b.AlertThresholdPct, &b.EnforceBudget); err != nil {
			return nil, err
		}
		b.Amount = USD(units)
		out = append(out, b)
	}
	return out, rows.Err()
}
