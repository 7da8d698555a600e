package model

import (
	"fmt"
	"time"
)

// SessionType identifies one clinic period for a doctor on a date.
type SessionType string

const (
	SessionMorning   SessionType = "morning"
	SessionAfternoon SessionType = "afternoon"
	SessionEvening   SessionType = "evening"
)

// SessionTypes lists all session types in chronological order.
var SessionTypes = []SessionType{SessionMorning, SessionAfternoon, SessionEvening}

// ClockTime is a civil wall-clock time of day.
type ClockTime struct {
	Hour   int `mapstructure:"hour" json:"hour"`
	Minute int `mapstructure:"minute" json:"minute"`
}

// sessionOpenings maps each session type to its local opening time. Live
// progress for a session is never fetched before this wall-clock time.
// Config may override these per deployment.
var sessionOpenings = map[SessionType]ClockTime{
	SessionMorning:   {Hour: 8, Minute: 0},
	SessionAfternoon: {Hour: 13, Minute: 30},
	SessionEvening:   {Hour: 18, Minute: 0},
}

// OpeningTime returns the local opening time for a session type.
func (s SessionType) OpeningTime() ClockTime {
	return sessionOpenings[s]
}

// SetSessionOpenings replaces the opening-time table. Unknown session types
// in the override are ignored.
func SetSessionOpenings(overrides map[SessionType]ClockTime) {
	for _, st := range SessionTypes {
		if ct, ok := overrides[st]; ok {
			sessionOpenings[st] = ct
		}
	}
}

// Valid reports whether s is a known session type.
func (s SessionType) Valid() bool {
	switch s {
	case SessionMorning, SessionAfternoon, SessionEvening:
		return true
	}
	return false
}

// Label returns the human-readable session label used in notifications.
func (s SessionType) Label() string {
	switch s {
	case SessionMorning:
		return "上午"
	case SessionAfternoon:
		return "下午"
	case SessionEvening:
		return "晚上"
	}
	return string(s)
}

// PeriodCode returns the upstream query code for a session type. Hospital
// sites index clinic sessions 1..3 rather than by name.
func (s SessionType) PeriodCode() string {
	switch s {
	case SessionMorning:
		return "1"
	case SessionAfternoon:
		return "2"
	case SessionEvening:
		return "3"
	}
	return "1"
}

// ParseSessionType converts a stored or scraped value into a SessionType.
func ParseSessionType(v string) (SessionType, error) {
	switch v {
	case string(SessionMorning), "上午":
		return SessionMorning, nil
	case string(SessionAfternoon), "下午":
		return SessionAfternoon, nil
	case string(SessionEvening), "晚上":
		return SessionEvening, nil
	}
	return "", fmt.Errorf("unknown session type %q", v)
}

// OpenAt reports whether the session's civil opening time has passed at the
// given local time.
func (s SessionType) OpenAt(now time.Time) bool {
	open := sessionOpenings[s]
	opening := time.Date(now.Year(), now.Month(), now.Day(), open.Hour, open.Minute, 0, 0, now.Location())
	return !now.Before(opening)
}
