package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oplink/clinic-tracker/internal/model"
)

// UpsertMerge writes one snapshot with null-coalescing merge semantics in a
// single statement, so the per-key merge is atomic: a concurrent reader sees
// either the old row or the fully merged row, never a partial write. An
// incoming NULL (or empty array / empty status) keeps the stored value;
// scraped_at always advances.
func (r *snapshotRepository) UpsertMerge(ctx context.Context, snap *model.AppointmentSnapshot) error {
	if !snap.HasData() {
		return nil
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if snap.ScrapedAt.IsZero() {
		snap.ScrapedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO appointment_snapshots (
			id, doctor_id, department_id, session_date, session_type, clinic_room,
			total_quota, current_registered, current_number,
			waiting_list, clinic_queue_details, is_full, status, scraped_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14)
		ON CONFLICT (doctor_id, session_date, session_type) DO UPDATE SET
			department_id = COALESCE(EXCLUDED.department_id, appointment_snapshots.department_id),
			clinic_room = COALESCE(NULLIF(EXCLUDED.clinic_room, ''), appointment_snapshots.clinic_room),
			total_quota = COALESCE(EXCLUDED.total_quota, appointment_snapshots.total_quota),
			current_registered = COALESCE(EXCLUDED.current_registered, appointment_snapshots.current_registered),
			current_number = COALESCE(EXCLUDED.current_number, appointment_snapshots.current_number),
			waiting_list = CASE
				WHEN EXCLUDED.waiting_list IS NULL OR cardinality(EXCLUDED.waiting_list) = 0
				THEN appointment_snapshots.waiting_list
				ELSE EXCLUDED.waiting_list
			END,
			clinic_queue_details = CASE
				WHEN EXCLUDED.clinic_queue_details IS NULL OR EXCLUDED.clinic_queue_details = 'null'::jsonb
				THEN appointment_snapshots.clinic_queue_details
				ELSE EXCLUDED.clinic_queue_details
			END,
			is_full = appointment_snapshots.is_full OR EXCLUDED.is_full,
			status = COALESCE(EXCLUDED.status, appointment_snapshots.status),
			scraped_at = EXCLUDED.scraped_at
	`
	_, err := r.execContext(ctx, "snapshot_upsert_merge", query,
		uuid.New(),
		snap.DoctorID,
		snap.DepartmentID,
		snap.SessionDate,
		snap.SessionType,
		snap.ClinicRoom,
		snap.TotalQuota,
		snap.CurrentRegistered,
		snap.CurrentNumber,
		snap.WaitingList,
		snap.ClinicQueueDetails,
		snap.IsFull,
		string(snap.Status),
		snap.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to merge snapshot for doctor %s: %w", snap.DoctorID, err)
	}
	return nil
}

func (r *snapshotRepository) GetLatest(ctx context.Context, doctorID uuid.UUID, sessionDate string, sessionType model.SessionType) (*model.AppointmentSnapshot, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, doctor_id, department_id,
			   to_char(session_date, 'YYYY-MM-DD') AS session_date, session_type, clinic_room,
			   total_quota, current_registered, current_number,
			   waiting_list, clinic_queue_details, is_full, COALESCE(status, '') AS status, scraped_at
		FROM appointment_snapshots
		WHERE doctor_id = $1 AND session_date = $2 AND session_type = $3
	`
	var snap model.AppointmentSnapshot
	err := r.getContext(ctx, "snapshot_get_latest", &snap, query, doctorID, sessionDate, sessionType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return &snap, nil
}
