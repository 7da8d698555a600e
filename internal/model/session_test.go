package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionType(t *testing.T) {
	cases := map[string]SessionType{
		"morning":   SessionMorning,
		"afternoon": SessionAfternoon,
		"evening":   SessionEvening,
		"上午":        SessionMorning,
		"下午":        SessionAfternoon,
		"晚上":        SessionEvening,
	}
	for in, want := range cases {
		got, err := ParseSessionType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSessionType("midnight")
	assert.Error(t, err)
}

func TestSessionOpenAt(t *testing.T) {
	day := func(hour, minute int) time.Time {
		return time.Date(2026, 8, 29, hour, minute, 0, 0, time.UTC)
	}

	assert.False(t, SessionMorning.OpenAt(day(7, 59)))
	assert.True(t, SessionMorning.OpenAt(day(8, 0)))
	assert.False(t, SessionAfternoon.OpenAt(day(13, 29)))
	assert.True(t, SessionAfternoon.OpenAt(day(13, 30)))
	assert.False(t, SessionEvening.OpenAt(day(17, 59)))
	assert.True(t, SessionEvening.OpenAt(day(18, 0)))
}

func TestSetSessionOpenings(t *testing.T) {
	original := SessionMorning.OpeningTime()
	defer SetSessionOpenings(map[SessionType]ClockTime{SessionMorning: original})

	SetSessionOpenings(map[SessionType]ClockTime{SessionMorning: {Hour: 9, Minute: 15}})
	now := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	assert.False(t, SessionMorning.OpenAt(now))
	assert.True(t, SessionMorning.OpenAt(now.Add(16*time.Minute)))
}

func TestSessionPeriodCode(t *testing.T) {
	assert.Equal(t, "1", SessionMorning.PeriodCode())
	assert.Equal(t, "2", SessionAfternoon.PeriodCode())
	assert.Equal(t, "3", SessionEvening.PeriodCode())
}

func TestSessionLabel(t *testing.T) {
	assert.Equal(t, "上午", SessionMorning.Label())
	assert.Equal(t, "下午", SessionAfternoon.Label())
	assert.Equal(t, "晚上", SessionEvening.Label())
}
