package model

import (
	"time"

	"github.com/google/uuid"
)

// Thresholds are the remaining-count boundaries at which subscribers are
// notified, evaluated highest first so multi-threshold passes send in order.
var Thresholds = []int{20, 10, 5}

// TrackingSubscription is a user's registration of interest in one
// (doctor, session_date, session_type). The notified_* flags are monotonic:
// the engine only ever flips them false→true.
type TrackingSubscription struct {
	ID                uuid.UUID   `db:"id" json:"id"`
	UserID            uuid.UUID   `db:"user_id" json:"user_id"`
	DoctorID          uuid.UUID   `db:"doctor_id" json:"doctor_id"`
	DepartmentID      *uuid.UUID  `db:"department_id" json:"department_id,omitempty"`
	SessionDate       string      `db:"session_date" json:"session_date"`
	SessionType       SessionType `db:"session_type" json:"session_type"`
	AppointmentNumber *int        `db:"appointment_number" json:"appointment_number,omitempty"`
	NotifyAt20        bool        `db:"notify_at_20" json:"notify_at_20"`
	NotifyAt10        bool        `db:"notify_at_10" json:"notify_at_10"`
	NotifyAt5         bool        `db:"notify_at_5" json:"notify_at_5"`
	Notified20        bool        `db:"notified_20" json:"notified_20"`
	Notified10        bool        `db:"notified_10" json:"notified_10"`
	Notified5         bool        `db:"notified_5" json:"notified_5"`
	NotifyEmail       bool        `db:"notify_email" json:"notify_email"`
	NotifyPush        bool        `db:"notify_push" json:"notify_push"`
	IsActive          bool        `db:"is_active" json:"is_active"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`

	// Joined display fields, populated by ListActiveForDate.
	DoctorName     string  `db:"doctor_name" json:"doctor_name,omitempty"`
	DoctorNo       string  `db:"doctor_no" json:"doctor_no,omitempty"`
	DepartmentName string  `db:"department_name" json:"department_name,omitempty"`
	HospitalName   string  `db:"hospital_name" json:"hospital_name,omitempty"`
	HospitalCode   string  `db:"hospital_code" json:"hospital_code,omitempty"`
	UserEmail      *string `db:"user_email" json:"user_email,omitempty"`
	PushUserID     *string `db:"push_user_id" json:"push_user_id,omitempty"`
}

// ThresholdEnabled reports whether the given threshold is enabled.
func (t *TrackingSubscription) ThresholdEnabled(threshold int) bool {
	switch threshold {
	case 20:
		return t.NotifyAt20
	case 10:
		return t.NotifyAt10
	case 5:
		return t.NotifyAt5
	}
	return false
}

// ThresholdNotified reports whether the given threshold has already fired.
func (t *TrackingSubscription) ThresholdNotified(threshold int) bool {
	switch threshold {
	case 20:
		return t.Notified20
	case 10:
		return t.Notified10
	case 5:
		return t.Notified5
	}
	return false
}

// SetNotified marks the in-memory copy of a threshold flag as fired. The
// persisted transition goes through SubscriptionRepository.MarkNotified.
func (t *TrackingSubscription) SetNotified(threshold int) {
	switch threshold {
	case 20:
		t.Notified20 = true
	case 10:
		t.Notified10 = true
	case 5:
		t.Notified5 = true
	}
}

// TargetNumber resolves the queue number alerts are measured against: the
// user's own appointment number when given, otherwise the session quota.
func (t *TrackingSubscription) TargetNumber(snap *AppointmentSnapshot) int {
	if t.AppointmentNumber != nil {
		return *t.AppointmentNumber
	}
	if snap != nil && snap.TotalQuota != nil {
		return *snap.TotalQuota
	}
	return 0
}
