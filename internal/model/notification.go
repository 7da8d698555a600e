package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	ChannelEmail = "email"
	ChannelPush  = "push"
)

// NotificationLog is an append-only audit record of one channel attempt.
// Doctor/hospital/session identity is denormalized so history survives
// subscription deletion. Rows are never mutated.
type NotificationLog struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	SubscriptionID uuid.UUID  `db:"subscription_id" json:"subscription_id"`
	DoctorID       *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	HospitalName   string     `db:"hospital_name" json:"hospital_name,omitempty"`
	DepartmentName string     `db:"department_name" json:"department_name,omitempty"`
	ClinicRoom     string     `db:"clinic_room" json:"clinic_room,omitempty"`
	SessionDate    string     `db:"session_date" json:"session_date,omitempty"`
	CurrentNumber  *int       `db:"current_number" json:"current_number,omitempty"`
	Threshold      int        `db:"threshold" json:"threshold"`
	Channel        string     `db:"channel" json:"channel"`
	Recipient      string     `db:"recipient" json:"recipient"`
	Message        string     `db:"message" json:"message"`
	Success        bool       `db:"success" json:"success"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	HTTPStatus     *int       `db:"http_status" json:"http_status,omitempty"`
	SentAt         time.Time  `db:"sent_at" json:"sent_at"`
}

// NotificationEvent is published to the message broker after a threshold
// fires, for downstream consumers such as the live dashboard.
type NotificationEvent struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	Threshold      int       `json:"threshold"`
	Remaining      int       `json:"remaining"`
	Channels       []string  `json:"channels"`
	CreatedAt      time.Time `json:"created_at"`
}
