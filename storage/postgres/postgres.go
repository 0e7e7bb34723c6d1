// Package postgres provides a PostgreSQL implementation of the storage interface.
// This is the backend for server deployments.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/shipitai/recall/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL provides storage operations using PostgreSQL.
type PostgreSQL struct {
	db *sql.DB
}

// New creates a new PostgreSQL storage instance.
func New(db *sql.DB) *PostgreSQL {
	return &PostgreSQL{db: db}
}

// NewFromDSN creates a new PostgreSQL storage instance from a connection string.
func NewFromDSN(dsn string) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgreSQL{db: db}, nil
}

// Close closes the database connection.
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}

// Migrate applies the embedded migrations. Already-applied migrations are skipped.
func (p *PostgreSQL) Migrate(ctx context.Context) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratepostgres.WithInstance(p.db, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// StoreReview stores a review record.
func (p *PostgreSQL) StoreReview(ctx context.Context, review *storage.ReviewContext) error {
	query := `
		INSERT INTO reviews (installation_id, owner, repo, pr_number, review_id, review_body, comments, usage, tool_calls, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (installation_id, owner, repo, pr_number, review_id) DO UPDATE SET
			review_body = EXCLUDED.review_body,
			comments = EXCLUDED.comments,
			usage = EXCLUDED.usage,
			tool_calls = EXCLUDED.tool_calls
	`

	_, err := p.db.ExecContext(ctx, query,
		review.InstallationID,
		review.Owner,
		review.Repo,
		review.PRNumber,
		review.ReviewID,
		review.ReviewBody,
		storage.EncodeComments(review.Comments),
		storage.EncodeUsage(review.Usage),
		review.ToolCalls,
	)
	if err != nil {
		return fmt.Errorf("failed to store review: %w", err)
	}

	return nil
}

// ListReviewsForPR retrieves all reviews for a pull request, oldest first.
func (p *PostgreSQL) ListReviewsForPR(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]*storage.ReviewContext, error) {
	query := `
		SELECT installation_id, owner, repo, pr_number, review_id, review_body, comments, usage, tool_calls, created_at
		FROM reviews
		WHERE installation_id = $1 AND owner = $2 AND repo = $3 AND pr_number = $4
		ORDER BY created_at ASC
	`

	rows, err := p.db.QueryContext(ctx, query, installationID, owner, repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*storage.ReviewContext
	for rows.Next() {
		var review storage.ReviewContext
		var body, commentsJSON, usageJSON sql.NullString
		var createdAt time.Time

		if err := rows.Scan(
			&review.InstallationID,
			&review.Owner,
			&review.Repo,
			&review.PRNumber,
			&review.ReviewID,
			&body,
			&commentsJSON,
			&usageJSON,
			&review.ToolCalls,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}

		review.ReviewBody = body.String
		review.Comments = storage.DecodeComments(commentsJSON.String)
		review.Usage = storage.DecodeUsage(usageJSON.String)
		review.CreatedAt = createdAt.Format(time.RFC3339)
		reviews = append(reviews, &review)
	}

	return reviews, rows.Err()
}

// SaveInstallation stores a new installation.
func (p *PostgreSQL) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	query := `
		INSERT INTO installations (installation_id, account_id, org_login, installed_by, installed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (installation_id) DO UPDATE SET
			org_login = EXCLUDED.org_login,
			updated_at = NOW()
	`

	installedAt := time.Now()
	if install.InstalledAt != "" {
		if t, err := time.Parse(time.RFC3339, install.InstalledAt); err == nil {
			installedAt = t
		}
	}

	_, err := p.db.ExecContext(ctx, query,
		install.InstallationID,
		install.AccountID,
		install.OrgLogin,
		install.InstalledBy,
		installedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}

	return nil
}

// GetInstallation retrieves an installation.
func (p *PostgreSQL) GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error) {
	query := `
		SELECT installation_id, account_id, org_login, installed_at, installed_by
		FROM installations
		WHERE installation_id = $1
	`

	var install storage.Installation
	var installedAt time.Time
	var accountID sql.NullInt64
	var installedBy sql.NullString

	err := p.db.QueryRowContext(ctx, query, installationID).Scan(
		&install.InstallationID,
		&accountID,
		&install.OrgLogin,
		&installedAt,
		&installedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}

	install.AccountID = accountID.Int64
	install.InstalledBy = installedBy.String
	install.InstalledAt = installedAt.Format(time.RFC3339)

	return &install, nil
}

const pendingColumns = `id, installation_id, owner, repo, pr_number, head_sha, result, status, created_at, resolved_at`

// CreatePendingReview inserts a review with status pending.
func (p *PostgreSQL) CreatePendingReview(ctx context.Context, review *storage.PendingReview) error {
	query := `
		INSERT INTO pending_reviews (id, installation_id, owner, repo, pr_number, head_sha, result, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8)
	`

	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, query,
		review.ID,
		review.InstallationID,
		review.Owner,
		review.Repo,
		review.PRNumber,
		review.HeadSHA,
		string(review.Result),
		review.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pending review: %w", err)
	}
	review.Status = storage.StatusPending
	return nil
}

// GetPendingReview retrieves a pending review by id.
func (p *PostgreSQL) GetPendingReview(ctx context.Context, id string) (*storage.PendingReview, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_reviews WHERE id = $1`

	review, err := scanPending(p.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending review: %w", err)
	}
	return review, nil
}

// ListPendingReviews lists reviews, optionally filtered by status, oldest first.
func (p *PostgreSQL) ListPendingReviews(ctx context.Context, status *storage.PendingStatus) ([]*storage.PendingReview, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_reviews`
	var args []any
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*storage.PendingReview
	for rows.Next() {
		review, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending review: %w", err)
		}
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}

// ResolvePendingReview moves a pending review to status. The update is
// conditional on the row still being pending.
func (p *PostgreSQL) ResolvePendingReview(ctx context.Context, id string, status storage.PendingStatus) (*storage.PendingReview, error) {
	query := `
		UPDATE pending_reviews SET status = $2, resolved_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + pendingColumns

	review, err := scanPending(p.db.QueryRowContext(ctx, query, id, string(status)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pending review: %w", err)
	}
	return review, nil
}

// ReopenPendingReview moves a review in status from back to pending.
func (p *PostgreSQL) ReopenPendingReview(ctx context.Context, id string, from storage.PendingStatus) error {
	query := `
		UPDATE pending_reviews SET status = 'pending', resolved_at = NULL
		WHERE id = $1 AND status = $2`

	res, err := p.db.ExecContext(ctx, query, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to reopen pending review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reopen pending review: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(row scanner) (*storage.PendingReview, error) {
	var review storage.PendingReview
	var result, status string
	var resolvedAt sql.NullTime

	if err := row.Scan(
		&review.ID,
		&review.InstallationID,
		&review.Owner,
		&review.Repo,
		&review.PRNumber,
		&review.HeadSHA,
		&result,
		&status,
		&review.CreatedAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	review.Result = []byte(result)
	review.Status = storage.PendingStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		review.ResolvedAt = &t
	}
	return &review, nil
}

// GetFeatureFlag retrieves a flag.
func (p *PostgreSQL) GetFeatureFlag(ctx context.Context, key string) (*storage.FeatureFlag, error) {
	flag := storage.FeatureFlag{Key: key}
	err := p.db.QueryRowContext(ctx,
		`SELECT enabled, updated_at FROM feature_flags WHERE key = $1`, key,
	).Scan(&flag.Enabled, &flag.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature flag: %w", err)
	}
	return &flag, nil
}

// SetFeatureFlag upserts a flag.
func (p *PostgreSQL) SetFeatureFlag(ctx context.Context, key string, enabled bool) error {
	query := `
		INSERT INTO feature_flags (key, enabled, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, key, enabled); err != nil {
		return fmt.Errorf("failed to set feature flag: %w", err)
	}
	return nil
}

// RecordFeedback appends a feedback metric unless one exists for the interaction.
func (p *PostgreSQL) RecordFeedback(ctx context.Context, metric *storage.FeedbackMetric) (bool, error) {
	query := `
		INSERT INTO feedback_metrics (interaction_id, owner, repo, pr_number, feedback_type, positive, actor, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (interaction_id) DO NOTHING
	`

	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx, query,
		metric.InteractionID,
		metric.Owner,
		metric.Repo,
		metric.PRNumber,
		metric.FeedbackType,
		metric.Positive,
		metric.Actor,
		metric.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record feedback: %w", err)
	}
	return n > 0, nil
}

// Verify PostgreSQL implements Storage at compile time.
var _ storage.Storage = (*PostgreSQL)(nil)
