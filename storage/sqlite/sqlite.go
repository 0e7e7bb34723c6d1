// Package sqlite provides a SQLite implementation of the storage interface
// for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/shipitai/recall/storage"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite provides storage operations on a single SQLite connection.
type SQLite struct {
	db *sql.DB
}

// Open opens the database at path with WAL mode and a busy timeout.
func Open(path string) (*SQLite, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
	)
	return OpenDSN(dsn)
}

// OpenDSN opens a database from a full modernc DSN.
func OpenDSN(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps shared in-memory
	// databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded migrations.
func (s *SQLite) Migrate(ctx context.Context) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

// StoreReview stores a review record.
func (s *SQLite) StoreReview(ctx context.Context, review *storage.ReviewContext) error {
	query := `
		INSERT INTO reviews (installation_id, owner, repo, pr_number, review_id, review_body, comments, usage, tool_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (installation_id, owner, repo, pr_number, review_id) DO UPDATE SET
			review_body = excluded.review_body,
			comments = excluded.comments,
			usage = excluded.usage,
			tool_calls = excluded.tool_calls
	`
	_, err := s.db.ExecContext(ctx, query,
		review.InstallationID,
		review.Owner,
		review.Repo,
		review.PRNumber,
		review.ReviewID,
		review.ReviewBody,
		storage.EncodeComments(review.Comments),
		storage.EncodeUsage(review.Usage),
		review.ToolCalls,
		now(),
	)
	if err != nil {
		return fmt.Errorf("store review: %w", err)
	}
	return nil
}

// ListReviewsForPR retrieves all reviews for a pull request, oldest first.
func (s *SQLite) ListReviewsForPR(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]*storage.ReviewContext, error) {
	query := `
		SELECT installation_id, owner, repo, pr_number, review_id, review_body, comments, usage, tool_calls, created_at
		FROM reviews
		WHERE installation_id = ? AND owner = ? AND repo = ? AND pr_number = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, installationID, owner, repo, prNumber)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*storage.ReviewContext
	for rows.Next() {
		var review storage.ReviewContext
		var body, commentsJSON, usageJSON sql.NullString
		var createdAt string
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
			return nil, fmt.Errorf("scan review: %w", err)
		}
		review.ReviewBody = body.String
		review.Comments = storage.DecodeComments(commentsJSON.String)
		review.Usage = storage.DecodeUsage(usageJSON.String)
		review.CreatedAt = parseTime(createdAt).Format(time.RFC3339)
		reviews = append(reviews, &review)
	}
	return reviews, rows.Err()
}

// SaveInstallation stores a new installation.
func (s *SQLite) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	query := `
		INSERT INTO installations (installation_id, account_id, org_login, installed_by, installed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (installation_id) DO UPDATE SET
			org_login = excluded.org_login,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
	`
	installedAt := time.Now()
	if install.InstalledAt != "" {
		if t, err := time.Parse(time.RFC3339, install.InstalledAt); err == nil {
			installedAt = t
		}
	}
	_, err := s.db.ExecContext(ctx, query,
		install.InstallationID,
		install.AccountID,
		install.OrgLogin,
		install.InstalledBy,
		formatTime(installedAt),
	)
	if err != nil {
		return fmt.Errorf("save installation: %w", err)
	}
	return nil
}

// GetInstallation retrieves an installation.
func (s *SQLite) GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error) {
	var install storage.Installation
	var accountID sql.NullInt64
	var installedBy sql.NullString
	var installedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT installation_id, account_id, org_login, installed_at, installed_by FROM installations WHERE installation_id = ?`,
		installationID,
	).Scan(&install.InstallationID, &accountID, &install.OrgLogin, &installedAt, &installedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get installation: %w", err)
	}
	install.AccountID = accountID.Int64
	install.InstalledBy = installedBy.String
	install.InstalledAt = parseTime(installedAt).Format(time.RFC3339)
	return &install, nil
}

const pendingColumns = `id, installation_id, owner, repo, pr_number, head_sha, result, status, created_at, resolved_at`

// CreatePendingReview inserts a review with status pending.
func (s *SQLite) CreatePendingReview(ctx context.Context, review *storage.PendingReview) error {
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_reviews (id, installation_id, owner, repo, pr_number, head_sha, result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		review.ID,
		review.InstallationID,
		review.Owner,
		review.Repo,
		review.PRNumber,
		review.HeadSHA,
		string(review.Result),
		formatTime(review.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create pending review: %w", err)
	}
	review.Status = storage.StatusPending
	return nil
}

// GetPendingReview retrieves a pending review by id.
func (s *SQLite) GetPendingReview(ctx context.Context, id string) (*storage.PendingReview, error) {
	review, err := scanPending(s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_reviews WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending review: %w", err)
	}
	return review, nil
}

// ListPendingReviews lists reviews, optionally filtered by status, oldest first.
func (s *SQLite) ListPendingReviews(ctx context.Context, status *storage.PendingStatus) ([]*storage.PendingReview, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_reviews`
	var args []any
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*storage.PendingReview
	for rows.Next() {
		review, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending review: %w", err)
		}
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}

// ResolvePendingReview moves a pending review to status. The update is
// conditional on the row still being pending.
func (s *SQLite) ResolvePendingReview(ctx context.Context, id string, status storage.PendingStatus) (*storage.PendingReview, error) {
	review, err := scanPending(s.db.QueryRowContext(ctx, `
		UPDATE pending_reviews SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING `+pendingColumns,
		string(status), now(), id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve pending review: %w", err)
	}
	return review, nil
}

// ReopenPendingReview moves a review in status from back to pending.
func (s *SQLite) ReopenPendingReview(ctx context.Context, id string, from storage.PendingStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_reviews SET status = 'pending', resolved_at = NULL
		WHERE id = ? AND status = ?`,
		id, string(from),
	)
	if err != nil {
		return fmt.Errorf("reopen pending review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reopen pending review: %w", err)
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
	var result, status, createdAt string
	var resolvedAt sql.NullString

	if err := row.Scan(
		&review.ID,
		&review.InstallationID,
		&review.Owner,
		&review.Repo,
		&review.PRNumber,
		&review.HeadSHA,
		&result,
		&status,
		&createdAt,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	review.Result = []byte(result)
	review.Status = storage.PendingStatus(status)
	review.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		review.ResolvedAt = &t
	}
	return &review, nil
}

// GetFeatureFlag retrieves a flag.
func (s *SQLite) GetFeatureFlag(ctx context.Context, key string) (*storage.FeatureFlag, error) {
	flag := storage.FeatureFlag{Key: key}
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, updated_at FROM feature_flags WHERE key = ?`, key,
	).Scan(&flag.Enabled, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feature flag: %w", err)
	}
	flag.UpdatedAt = parseTime(updatedAt)
	return &flag, nil
}

// SetFeatureFlag upserts a flag.
func (s *SQLite) SetFeatureFlag(ctx context.Context, key string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_flags (key, enabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		key, enabled, now(),
	)
	if err != nil {
		return fmt.Errorf("set feature flag: %w", err)
	}
	return nil
}

// RecordFeedback appends a feedback metric unless one exists for the interaction.
func (s *SQLite) RecordFeedback(ctx context.Context, metric *storage.FeedbackMetric) (bool, error) {
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback_metrics (interaction_id, owner, repo, pr_number, feedback_type, positive, actor, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (interaction_id) DO NOTHING`,
		metric.InteractionID,
		metric.Owner,
		metric.Repo,
		metric.PRNumber,
		metric.FeedbackType,
		metric.Positive,
		metric.Actor,
		formatTime(metric.RecordedAt),
	)
	if err != nil {
		return false, fmt.Errorf("record feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record feedback: %w", err)
	}
	return n > 0, nil
}

var _ storage.Storage = (*SQLite)(nil)
