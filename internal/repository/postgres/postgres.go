package postgres

import (
	"github.com/jmoiron/sqlx"

	"github.com/oplink/clinic-tracker/internal/repository"
	"github.com/oplink/clinic-tracker/pkg/metrics"
)

type hospitalRepository struct {
	BaseRepository
}

type snapshotRepository struct {
	BaseRepository
}

type subscriptionRepository struct {
	BaseRepository
}

type notificationLogRepository struct {
	BaseRepository
}

func NewHospitalRepository(db *sqlx.DB, m *metrics.Metrics) repository.HospitalRepository {
	return &hospitalRepository{NewBaseRepository(db, m)}
}

func NewSnapshotRepository(db *sqlx.DB, m *metrics.Metrics) repository.SnapshotRepository {
	return &snapshotRepository{NewBaseRepository(db, m)}
}

func NewSubscriptionRepository(db *sqlx.DB, m *metrics.Metrics) repository.SubscriptionRepository {
	return &subscriptionRepository{NewBaseRepository(db, m)}
}

func NewNotificationLogRepository(db *sqlx.DB, m *metrics.Metrics) repository.NotificationLogRepository {
	return &notificationLogRepository{NewBaseRepository(db, m)}
}
