package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/oplink/clinic-tracker/internal/model"
)

// HospitalRepository manages static reference data; mutated only by the
// administrative data-refresh, never by the notification path.
type HospitalRepository interface {
	GetByCode(ctx context.Context, code string) (*model.Hospital, error)
	List(ctx context.Context) ([]*model.Hospital, error)
	UpsertDepartment(ctx context.Context, hospitalID uuid.UUID, dept model.DepartmentData) (uuid.UUID, error)
	UpsertDoctor(ctx context.Context, hospitalID uuid.UUID, departmentID uuid.UUID, doctorNo, name string, specialty *string) (uuid.UUID, error)
	GetDepartmentsByIDs(ctx context.Context, hospitalID uuid.UUID, ids []uuid.UUID) ([]*model.Department, error)
	GetDoctorDepartments(ctx context.Context, doctorIDs []uuid.UUID) ([]uuid.UUID, error)
	ListDoctorsByDepartment(ctx context.Context, departmentID uuid.UUID) ([]*model.Doctor, error)
}

// SnapshotRepository persists the queue-state time series. UpsertMerge is
// atomic per (doctor_id, session_date, session_type): null/empty incoming
// fields never overwrite previously observed values.
type SnapshotRepository interface {
	UpsertMerge(ctx context.Context, snap *model.AppointmentSnapshot) error
	GetLatest(ctx context.Context, doctorID uuid.UUID, sessionDate string, sessionType model.SessionType) (*model.AppointmentSnapshot, error)
}

// SubscriptionRepository reads active tracking subscriptions and performs
// the atomic pending→fired flag transition.
type SubscriptionRepository interface {
	ListActiveForDate(ctx context.Context, sessionDate string) ([]*model.TrackingSubscription, error)
	// ListTrackedPairs returns the distinct (doctor, session_date,
	// session_type) pairs with at least one active subscription on or after
	// the given date.
	ListTrackedPairs(ctx context.Context, fromDate string) ([]*model.TrackingSubscription, error)
	// MarkNotified flips notified_<threshold> to true. It returns false when
	// the flag was already set, making the transition at-most-once.
	MarkNotified(ctx context.Context, id uuid.UUID, threshold int) (bool, error)
}

// NotificationLogRepository appends audit rows; they are write-once.
type NotificationLogRepository interface {
	Create(ctx context.Context, log *model.NotificationLog) error
}
