package schedule

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	errspkg "github.com/drblury/flotilla/internal/runtime/errors"
)

var reference = time.Date(2017, 6, 15, 10, 16, 50, 0, time.UTC)

func TestSpecNextFireTimes(t *testing.T) {
	cases := []struct {
		name string
		spec Spec
		want time.Time
	}{
		{"seconds as number", Spec{Interval: "30"}, time.Date(2017, 6, 15, 10, 17, 0, 0, time.UTC)},
		{"every second", Spec{Interval: "every second"}, time.Date(2017, 6, 15, 10, 16, 51, 0, time.UTC)},
		{"every 5 minutes", Spec{Interval: "every 5 minutes"}, time.Date(2017, 6, 15, 10, 20, 0, 0, time.UTC)},
		{"go duration", Spec{Interval: "90s"}, time.Date(2017, 6, 15, 10, 18, 0, 0, time.UTC)},
		{"fixed every", Spec{Every: time.Hour}, time.Date(2017, 6, 15, 11, 0, 0, 0, time.UTC)},
		{"hourly keyword", Spec{Interval: "hourly"}, time.Date(2017, 6, 15, 11, 0, 0, 0, time.UTC)},
		{"daily keyword", Spec{Interval: "daily"}, time.Date(2017, 6, 16, 0, 0, 0, 0, time.UTC)},
		{"quarterly keyword", Spec{Interval: "quarterly"}, time.Date(2017, 7, 1, 0, 0, 0, 0, time.UTC)},
		{"weekday keyword", Spec{Interval: "mondays"}, time.Date(2017, 6, 19, 0, 0, 0, 0, time.UTC)},
		{"crontab", Spec{Interval: "*/2 * * * *"}, time.Date(2017, 6, 15, 10, 18, 0, 0, time.UTC)},
		{"timestamp later today", Spec{Timestamp: "22:15"}, time.Date(2017, 6, 15, 22, 15, 0, 0, time.UTC)},
		{"timestamp tomorrow", Spec{Timestamp: "08:00:30"}, time.Date(2017, 6, 16, 8, 0, 30, 0, time.UTC)},
		{"weekday timestamp", Spec{Timestamp: "monday 08:30"}, time.Date(2017, 6, 19, 8, 30, 0, 0, time.UTC)},
		{
			"timestamp in zone",
			Spec{Timestamp: "09:00", Timezone: "Europe/Stockholm"},
			time.Date(2017, 6, 16, 7, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trigger, err := tc.spec.Compile()
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got, err := trigger.Next(reference)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("next = %s, want %s", got.UTC(), tc.want)
			}
		})
	}
}

func TestSpecRejectsInvalid(t *testing.T) {
	cases := map[string]Spec{
		"empty":           {},
		"two sources":     {Interval: "hourly", Timestamp: "10:00"},
		"bad crontab":     {Interval: "70 * * * *"},
		"impossible date": {Interval: "* * 30 2 *"},
		"bad timestamp":   {Timestamp: "25:61"},
		"bad weekday":     {Timestamp: "funday 10:00"},
		"bad zone":        {Interval: "hourly", Timezone: "Mars/Olympus"},
		"negative every":  {Every: -time.Second},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			err := spec.Validate()
			if !errors.Is(err, errspkg.ErrInvalidSchedule) {
				t.Fatalf("expected ErrInvalidSchedule, got %v", err)
			}
		})
	}
}
