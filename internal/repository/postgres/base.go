package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/oplink/clinic-tracker/pkg/metrics"
)

// defaultQueryTimeout bounds every store call. The scrape and notification
// loops must never hang on a slow store; a timed-out write is simply
// retried on the next cycle.
const defaultQueryTimeout = 10 * time.Second

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *sqlx.DB, m *metrics.Metrics) BaseRepository {
	return BaseRepository{db: db, metrics: m}
}

// GetDB returns the database instance
func (r *BaseRepository) GetDB() *sqlx.DB {
	return r.db
}

// observe times one store call and records its outcome. A nil metrics set
// is allowed so repositories stay usable in isolation.
func (r *BaseRepository) observe(op string) func(error) {
	if r.metrics == nil {
		return func(error) {}
	}
	start := time.Now()
	return func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		r.metrics.DatabaseOperations.WithLabelValues(op, status).Inc()
		r.metrics.DatabaseLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (r *BaseRepository) getContext(ctx context.Context, op string, dest interface{}, query string, args ...interface{}) error {
	finish := r.observe(op)
	err := r.db.GetContext(ctx, dest, query, args...)
	finish(err)
	return err
}

func (r *BaseRepository) selectContext(ctx context.Context, op string, dest interface{}, query string, args ...interface{}) error {
	finish := r.observe(op)
	err := r.db.SelectContext(ctx, dest, query, args...)
	finish(err)
	return err
}

func (r *BaseRepository) execContext(ctx context.Context, op string, query string, args ...interface{}) (sql.Result, error) {
	finish := r.observe(op)
	result, err := r.db.ExecContext(ctx, query, args...)
	finish(err)
	return result, err
}

// withTimeout fences a store call with the bounded query deadline.
func (r *BaseRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// WithTx executes a function within a transaction
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
