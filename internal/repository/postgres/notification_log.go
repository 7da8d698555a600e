package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oplink/clinic-tracker/internal/model"
)

func (r *notificationLogRepository) Create(ctx context.Context, log *model.NotificationLog) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.SentAt.IsZero() {
		log.SentAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notification_logs (
			id, subscription_id, doctor_id, hospital_name, department_name,
			clinic_room, session_date, current_number,
			threshold, channel, recipient, message,
			success, error_message, http_status, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, '')::date, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.execContext(ctx, "notification_log_create", query,
		log.ID,
		log.SubscriptionID,
		log.DoctorID,
		log.HospitalName,
		log.DepartmentName,
		log.ClinicRoom,
		log.SessionDate,
		log.CurrentNumber,
		log.Threshold,
		log.Channel,
		log.Recipient,
		log.Message,
		log.Success,
		log.ErrorMessage,
		log.HTTPStatus,
		log.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification log: %w", err)
	}
	return nil
}
