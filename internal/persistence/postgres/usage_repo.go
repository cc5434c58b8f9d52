package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/persistence"
)

// usageRepo implements UsageRepo for PostgreSQL.
type usageRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewUsageRepo creates a PostgreSQL usage-tracking repository.
func NewUsageRepo(db *sqlx.DB, timeout time.Duration) persistence.UsageRepo {
	return &usageRepo{db: db, timeout: timeout}
}

func (r *usageRepo) CountAnonymous(ctx context.Context, clientIP string, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM usage_tracking_anonymous
		WHERE client_ip = $1 AND used_at >= $2`,
		clientIP, since.UTC())
	if err != nil {
		return 0, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to count anonymous usage: %w", err))
	}
	return count, nil
}

func (r *usageRepo) RecordAnonymous(ctx context.Context, clientIP string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_tracking_anonymous (client_ip) VALUES ($1)`, clientIP)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to record anonymous usage: %w", err))
	}
	return nil
}

func (r *usageRepo) CountAuthenticated(ctx context.Context, userID string, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM usage_tracking_authenticated
		WHERE user_id = $1 AND used_at >= $2`,
		userID, since.UTC())
	if err != nil {
		return 0, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to count authenticated usage: %w", err))
	}
	return count, nil
}

func (r *usageRepo) OldestAnonymous(ctx context.Context, clientIP string, since time.Time) (*time.Time, error) {
	return r.oldest(ctx, `SELECT MIN(used_at) FROM usage_tracking_anonymous
		WHERE client_ip = $1 AND used_at >= $2`, clientIP, since)
}

func (r *usageRepo) OldestAuthenticated(ctx context.Context, userID string, since time.Time) (*time.Time, error) {
	return r.oldest(ctx, `SELECT MIN(used_at) FROM usage_tracking_authenticated
		WHERE user_id = $1 AND used_at >= $2`, userID, since)
}

func (r *usageRepo) oldest(ctx context.Context, query, identity string, since time.Time) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts sql.NullTime
	if err := r.db.GetContext(ctx, &ts, query, identity, since.UTC()); err != nil {
		return nil, models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to query oldest usage: %w", err))
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time.UTC()
	return &t, nil
}

func (r *usageRepo) RecordAuthenticated(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_tracking_authenticated (user_id) VALUES ($1)`, userID)
	if err != nil {
		return models.Tagged(models.TagPersistenceFailed, fmt.Errorf("failed to record authenticated usage: %w", err))
	}
	return nil
}
