package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/oplink/clinic-tracker/internal/model"
)

const subscriptionColumns = `
	ts.id, ts.user_id, ts.doctor_id, ts.department_id,
	to_char(ts.session_date, 'YYYY-MM-DD') AS session_date, ts.session_type,
	ts.appointment_number,
	ts.notify_at_20, ts.notify_at_10, ts.notify_at_5,
	ts.notified_20, ts.notified_10, ts.notified_5,
	ts.notify_email, ts.notify_push, ts.is_active, ts.created_at,
	d.name AS doctor_name, d.doctor_no,
	COALESCE(dep.name, '') AS department_name,
	h.name AS hospital_name, h.code AS hospital_code,
	u.email AS user_email, u.push_user_id
`

func (r *subscriptionRepository) ListActiveForDate(ctx context.Context, sessionDate string) ([]*model.TrackingSubscription, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + subscriptionColumns + `
		FROM tracking_subscriptions ts
		JOIN doctors d ON d.id = ts.doctor_id
		LEFT JOIN departments dep ON dep.id = ts.department_id
		JOIN hospitals h ON h.id = d.hospital_id
		JOIN users u ON u.id = ts.user_id
		WHERE ts.is_active = TRUE AND ts.session_date = $1
		ORDER BY ts.created_at
	`
	var subs []*model.TrackingSubscription
	if err := r.selectContext(ctx, "subscription_list_active", &subs, query, sessionDate); err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	return subs, nil
}

func (r *subscriptionRepository) ListTrackedPairs(ctx context.Context, fromDate string) ([]*model.TrackingSubscription, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT ` + subscriptionColumns + `
		FROM tracking_subscriptions ts
		JOIN doctors d ON d.id = ts.doctor_id
		LEFT JOIN departments dep ON dep.id = ts.department_id
		JOIN hospitals h ON h.id = d.hospital_id
		JOIN users u ON u.id = ts.user_id
		WHERE ts.is_active = TRUE AND ts.session_date >= $1
		ORDER BY h.code, ts.session_date
	`
	var subs []*model.TrackingSubscription
	if err := r.selectContext(ctx, "subscription_tracked_pairs", &subs, query, fromDate); err != nil {
		return nil, fmt.Errorf("failed to list tracked pairs: %w", err)
	}
	return subs, nil
}

// MarkNotified flips one notified_<threshold> flag. The WHERE guard makes
// the pending→fired transition atomic: only one caller ever observes a row
// change, so a threshold can never double-fire.
func (r *subscriptionRepository) MarkNotified(ctx context.Context, id uuid.UUID, threshold int) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var column string
	switch threshold {
	case 20:
		column = "notified_20"
	case 10:
		column = "notified_10"
	case 5:
		column = "notified_5"
	default:
		return false, fmt.Errorf("unknown threshold %d", threshold)
	}

	query := fmt.Sprintf(`
		UPDATE tracking_subscriptions
		SET %s = TRUE
		WHERE id = $1 AND %s = FALSE
	`, column, column)

	result, err := r.execContext(ctx, "subscription_mark_notified", query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark threshold %d notified: %w", threshold, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
