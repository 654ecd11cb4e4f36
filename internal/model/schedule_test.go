package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"

	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		given string
		then  time.Duration
	}{
		{"PT6H", 6 * time.Hour},
		{"P1D", 24 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
		{"PT1H30M", 90 * time.Minute},
		{"PT90S", 90 * time.Second},
		{"PT1.5S", 1500 * time.Millisecond},
		{"PT0,25S", 250 * time.Millisecond},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseISODuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseISODuration_Fail(t *testing.T) {
	t.Parallel()

	for _, given := range []string{"", "P", "PT", "P1DT", "6H", "P2M", "P1W", "PT1M1H", "PT1.5H", "PTT1H", "PT1.S", "P1D2D"} {
		_, err := model.ParseISODuration(given)
		require.ErrorIs(t, err, model.ErrISOFormat, given)
	}
}

func TestTimerSchedule_Interval(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 9, 10, 17, 0, 0, time.UTC)

	d, err := model.TimerSchedule{Cron: "0 */6 * * *"}.Interval(now)
	require.NoError(t, err)
	require.Equal(t, 6*time.Hour, d)

	d, err = model.TimerSchedule{Cron: "@hourly", Duration: "P1D"}.Interval(now)
	require.NoError(t, err)
	require.Equal(t, time.Hour, d)

	d, err = model.TimerSchedule{Duration: "PT15M"}.Interval(now)
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, d)

	_, err = model.TimerSchedule{Cron: "61 * * * *"}.Interval(now)
	require.Error(t, err)
	_, err = model.TimerSchedule{}.Interval(now)
	require.Error(t, err)
}
