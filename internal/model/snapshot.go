package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type SnapshotStatus string

const (
	SnapshotStatusNotStarted SnapshotStatus = "not_started"
	SnapshotStatusInProgress SnapshotStatus = "in_progress"
	SnapshotStatusFinished   SnapshotStatus = "finished"
)

// QueueEntry is one position in a clinic room's live queue.
type QueueEntry struct {
	Number int    `json:"number"`
	Status string `json:"status"`
}

// QueueEntries is stored as a jsonb column.
type QueueEntries []QueueEntry

func (q QueueEntries) Value() (driver.Value, error) {
	if q == nil {
		return nil, nil
	}
	return json.Marshal(q)
}

func (q *QueueEntries) Scan(src interface{}) error {
	if src == nil {
		*q = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into QueueEntries", src)
	}
	return json.Unmarshal(b, q)
}

// AppointmentSnapshot is the persisted queue-state record for one
// (doctor, session_date, session_type). Writes are merges: an incoming
// null/empty field never regresses a previously observed value.
type AppointmentSnapshot struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	DoctorID           uuid.UUID      `db:"doctor_id" json:"doctor_id"`
	DepartmentID       *uuid.UUID     `db:"department_id" json:"department_id,omitempty"`
	SessionDate        string         `db:"session_date" json:"session_date"`
	SessionType        SessionType    `db:"session_type" json:"session_type"`
	ClinicRoom         string         `db:"clinic_room" json:"clinic_room"`
	TotalQuota         *int           `db:"total_quota" json:"total_quota,omitempty"`
	CurrentRegistered  *int           `db:"current_registered" json:"current_registered,omitempty"`
	CurrentNumber      *int           `db:"current_number" json:"current_number,omitempty"`
	WaitingList        pq.Int64Array  `db:"waiting_list" json:"waiting_list,omitempty"`
	ClinicQueueDetails QueueEntries   `db:"clinic_queue_details" json:"clinic_queue_details,omitempty"`
	IsFull             bool           `db:"is_full" json:"is_full"`
	Status             SnapshotStatus `db:"status" json:"status"`
	ScrapedAt          time.Time      `db:"scraped_at" json:"scraped_at"`
}

// Key returns the natural key of the snapshot.
func (s *AppointmentSnapshot) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.DoctorID, s.SessionDate, s.SessionType)
}

// HasData reports whether the snapshot carries at least one observed field.
// A clinic-room assignment counts: learning the room is an observation even
// when the queue itself is still empty. Merging an all-null snapshot is a
// no-op and must not advance scraped_at.
func (s *AppointmentSnapshot) HasData() bool {
	return s.TotalQuota != nil ||
		s.CurrentRegistered != nil ||
		s.CurrentNumber != nil ||
		len(s.WaitingList) > 0 ||
		len(s.ClinicQueueDetails) > 0 ||
		s.Status != "" ||
		s.ClinicRoom != "" ||
		s.IsFull
}

// MergeSnapshot folds incoming into existing with null-coalescing semantics:
// every non-null/non-empty incoming field overwrites, everything else keeps
// the previously persisted value. This is the reference implementation of the
// store's ON CONFLICT merge, shared by in-memory fakes and tests.
func MergeSnapshot(existing, incoming *AppointmentSnapshot) *AppointmentSnapshot {
	if existing == nil {
		merged := *incoming
		return &merged
	}
	merged := *existing

	if incoming.TotalQuota != nil {
		merged.TotalQuota = incoming.TotalQuota
	}
	if incoming.CurrentRegistered != nil {
		merged.CurrentRegistered = incoming.CurrentRegistered
	}
	if incoming.CurrentNumber != nil {
		merged.CurrentNumber = incoming.CurrentNumber
	}
	if len(incoming.WaitingList) > 0 {
		merged.WaitingList = incoming.WaitingList
	}
	if len(incoming.ClinicQueueDetails) > 0 {
		merged.ClinicQueueDetails = incoming.ClinicQueueDetails
	}
	if incoming.Status != "" {
		merged.Status = incoming.Status
	}
	if incoming.ClinicRoom != "" {
		merged.ClinicRoom = incoming.ClinicRoom
	}
	if incoming.IsFull {
		merged.IsFull = true
	}
	if incoming.DepartmentID != nil {
		merged.DepartmentID = incoming.DepartmentID
	}
	if incoming.HasData() {
		merged.ScrapedAt = incoming.ScrapedAt
	}
	return &merged
}

// Remaining derives total_quota − current_registered. The second return is
// false when either side is unknown.
func (s *AppointmentSnapshot) Remaining() (int, bool) {
	if s.TotalQuota == nil || s.CurrentRegistered == nil {
		return 0, false
	}
	r := *s.TotalQuota - *s.CurrentRegistered
	if r < 0 {
		r = 0
	}
	return r, true
}

// RemainingAhead computes how many queue positions separate the currently
// called number from targetNumber, the subscriber's own appointment number.
// Preference order: live clinic queue details (skipping completed entries),
// then the waiting list, then the quota-based derivation.
func (s *AppointmentSnapshot) RemainingAhead(targetNumber int) (int, bool) {
	if s.CurrentNumber == nil {
		return 0, false
	}
	current := *s.CurrentNumber

	if len(s.ClinicQueueDetails) > 0 {
		if current >= targetNumber {
			return 0, true
		}
		n := 0
		for _, e := range s.ClinicQueueDetails {
			if e.Number > current && e.Number < targetNumber && e.Status != "完成" {
				n++
			}
		}
		return n, true
	}

	if len(s.WaitingList) > 0 {
		if current > targetNumber {
			return 0, true
		}
		n := 0
		for _, num := range s.WaitingList {
			if int(num) < targetNumber {
				n++
			}
		}
		return n, true
	}

	r := targetNumber - current
	if r < 0 {
		r = 0
	}
	return r, true
}
