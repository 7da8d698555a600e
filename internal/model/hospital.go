package model

import (
	"github.com/google/uuid"
)

// Hospital is static reference data; mutated only by administrative refresh.
type Hospital struct {
	Base
	Name     string `db:"name" json:"name"`
	Code     string `db:"code" json:"code"`
	BaseURL  string `db:"base_url" json:"base_url"`
	IsActive bool   `db:"is_active" json:"is_active"`
}

type Department struct {
	Base
	HospitalID uuid.UUID `db:"hospital_id" json:"hospital_id"`
	Name       string    `db:"name" json:"name"`
	Code       string    `db:"code" json:"code"`
	Category   *string   `db:"category" json:"category,omitempty"`
	SortOrder  int       `db:"sort_order" json:"sort_order"`
	IsActive   bool      `db:"is_active" json:"is_active"`
}

type Doctor struct {
	Base
	HospitalID   uuid.UUID  `db:"hospital_id" json:"hospital_id"`
	DepartmentID *uuid.UUID `db:"department_id" json:"department_id,omitempty"`
	DoctorNo     string     `db:"doctor_no" json:"doctor_no"`
	Name         string     `db:"name" json:"name"`
	Specialty    *string    `db:"specialty" json:"specialty,omitempty"`
	IsActive     bool       `db:"is_active" json:"is_active"`
}

// DepartmentData is the scrape DTO for one department listing.
type DepartmentData struct {
	Name         string
	Code         string
	HospitalCode string
	Category     *string
	SortOrder    int
}

// DoctorSlot is the scrape DTO for one doctor/session schedule assignment.
// SessionDate is a civil date in "2006-01-02" form, local to the hospital.
type DoctorSlot struct {
	DoctorNo       string
	DoctorName     string
	DepartmentCode string
	SessionDate    string
	SessionType    SessionType
	TotalQuota     *int
	Registered     *int
	ClinicRoom     string
	IsFull         bool
	Status         SnapshotStatus
}

// ClinicProgress is the scrape DTO for one clinic room's live queue state.
type ClinicProgress struct {
	ClinicRoom         string
	SessionType        SessionType
	CurrentNumber      int
	TotalQuota         *int
	Registered         *int
	WaitingList        []int64
	ClinicQueueDetails QueueEntries
	Status             SnapshotStatus
}
