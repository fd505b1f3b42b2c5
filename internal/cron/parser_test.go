package cron

import (
	"errors"
	"testing"
	"time"
)

func TestParser_ValidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"every hour", "0 * * * *"},
		{"every 5 minutes", "*/5 * * * *"},
		{"weekday business hours", "0 9-17 * * 1-5"},
		{"daily 9am", "0 9 * * *"},
		{"yearly Jan 1", "0 0 1 1 *"},
		{"descriptor hourly", "@hourly"},
		{"descriptor daily", "@daily"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.Validate(tt.expr); err != nil {
				t.Errorf("Validate(%q) returned error: %v", tt.expr, err)
			}
			if _, err := p.Parse(tt.expr, "UTC"); err != nil {
				t.Errorf("Parse(%q, UTC) returned error: %v", tt.expr, err)
			}
		})
	}
}

func TestParser_InvalidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"four fields", "* * * *"},
		{"six fields", "* * * * * *"},
		{"invalid minute 60", "60 * * * *"},
		{"invalid hour 25", "0 25 * * *"},
		{"non-numeric", "abc * * * *"},
		{"empty", ""},
		{"embedded timezone", "TZ=Asia/Tokyo 0 9 * * *"},
		{"embedded cron timezone", "CRON_TZ=Asia/Tokyo 0 9 * * *"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.expr)
			if !errors.Is(err, ErrInvalidExpression) {
				t.Errorf("Validate(%q) = %v, want ErrInvalidExpression", tt.expr, err)
			}
		})
	}
}

func TestValidateTimezone(t *testing.T) {
	tests := []struct {
		tz      string
		wantErr bool
	}{
		{"UTC", false},
		{"America/New_York", false},
		{"Asia/Kolkata", false},
		{"Pacific/Auckland", false},
		{"", true},
		{"Local", true},
		{"Mars/Olympus_Mons", true},
		{"EST+5", true},
	}

	for _, tt := range tests {
		t.Run(tt.tz, func(t *testing.T) {
			err := ValidateTimezone(tt.tz)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTimezone(%q) error = %v, wantErr %v", tt.tz, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTimezone) {
				t.Errorf("ValidateTimezone(%q) = %v, want ErrInvalidTimezone", tt.tz, err)
			}
		})
	}
}

func TestSchedule_NextIsUTC(t *testing.T) {
	p := NewParser()
	sched, err := p.Parse("0 9 * * *", "America/New_York")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	// 2024-06-15 00:00 UTC is 20:00 EDT on the 14th, so the next 09:00 EDT is 13:00 UTC on the 15th.
	ref := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	next := sched.Next(ref)
	want := time.Date(2024, 6, 15, 13, 0, 0, 0, time.UTC)

	if !next.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", ref, next, want)
	}
	if next.Location() != time.UTC {
		t.Errorf("Next() location = %v, want UTC", next.Location())
	}
}

func TestSchedule_NextIsStrict(t *testing.T) {
	p := NewParser()
	sched, err := p.Parse("0 * * * *", "UTC")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	next := sched.Next(at)
	want := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next(%v) = %v, want %v", at, next, want)
	}
}

// A time stored in UTC, reconstructed in its timezone and fed back in, must
// produce the same next occurrence as the original local computation.
func TestSchedule_RoundTrip(t *testing.T) {
	zones := []string{"UTC", "America/New_York", "Europe/Paris", "Asia/Tokyo", "Australia/Sydney"}

	p := NewParser()
	for _, tz := range zones {
		t.Run(tz, func(t *testing.T) {
			sched, err := p.Parse("15 */3 * * *", tz)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}

			first := sched.Next(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
			stored := first.UTC()
			local := stored.In(sched.Location())

			if !sched.Next(local).Equal(sched.Next(stored)) {
				t.Errorf("round trip diverged: %v vs %v", sched.Next(local), sched.Next(stored))
			}
		})
	}
}

func TestSchedule_Timezones(t *testing.T) {
	p := NewParser()

	ny, err := p.Parse("0 10 * * *", "America/New_York")
	if err != nil {
		t.Fatalf("Parse NY failed: %v", err)
	}
	tokyo, err := p.Parse("0 10 * * *", "Asia/Tokyo")
	if err != nil {
		t.Fatalf("Parse Tokyo failed: %v", err)
	}

	ref := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	// 10:00 JST = 01:00 UTC, 10:00 EDT = 14:00 UTC
	if got, want := tokyo.Next(ref), time.Date(2024, 6, 15, 1, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Tokyo Next = %v, want %v", got, want)
	}
	if got, want := ny.Next(ref), time.Date(2024, 6, 15, 14, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("NY Next = %v, want %v", got, want)
	}
}

func TestSchedule_DSTSpringForward(t *testing.T) {
	p := NewParser()

	// 2024-03-10: 02:30 does not exist in New York.
	sched, err := p.Parse("30 2 * * *", "America/New_York")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ny := mustLoadLocation("America/New_York")
	before := time.Date(2024, 3, 10, 1, 0, 0, 0, ny)
	next := sched.Next(before)

	if !next.After(before) {
		t.Errorf("Next() = %v, want after %v", next, before)
	}
	if gap := time.Date(2024, 3, 10, 2, 30, 0, 0, ny); next.Equal(gap) {
		t.Error("should not schedule inside the spring-forward gap")
	}
}

func TestSchedule_DSTFallBack(t *testing.T) {
	p := NewParser()

	sched, err := p.Parse("30 1 * * *", "America/New_York")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ny := mustLoadLocation("America/New_York")
	next := sched.Next(time.Date(2024, 11, 3, 0, 0, 0, 0, ny)).In(ny)
	if next.Day() != 3 || next.Hour() != 1 || next.Minute() != 30 {
		t.Errorf("expected Nov 3 01:30, got %v", next)
	}

	next2 := sched.Next(time.Date(2024, 11, 3, 3, 0, 0, 0, ny)).In(ny)
	if next2.Day() != 4 {
		t.Errorf("Next() after fallback should be Nov 4, got Nov %d", next2.Day())
	}
}

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("mustLoadLocation: " + err.Error())
	}
	return loc
}
