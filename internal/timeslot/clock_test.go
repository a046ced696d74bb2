package timeslot

import (
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:05", 545, false},
		{"19:30", 1170, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"19:60", 0, true},
		{"1930", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseClock(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseClock(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClock(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatClock(t *testing.T) {
	if got := FormatClock(1170); got != "19:30" {
		t.Fatalf("FormatClock(1170) = %q", got)
	}
	if got := FormatClock(5); got != "00:05" {
		t.Fatalf("FormatClock(5) = %q", got)
	}
}

func TestOverlaps_HalfOpen(t *testing.T) {
	// 18:30-20:30 vs 19:00-21:00 overlap.
	if !Overlaps(1140, 1260, 1110, 1230) {
		t.Fatal("expected overlap")
	}
	// Touching endpoints never overlap: ends 19:00, starts 19:00.
	if Overlaps(1140, 1260, 1020, 1140) {
		t.Fatal("booking ending at candidate start must not overlap")
	}
	if Overlaps(1140, 1260, 1260, 1380) {
		t.Fatal("booking starting at candidate end must not overlap")
	}
}

func TestRange(t *testing.T) {
	slots := Range(1020, 1080, 15)
	want := []int{1020, 1035, 1050, 1065}
	if len(slots) != len(want) {
		t.Fatalf("got %v", slots)
	}
	for i := range want {
		if slots[i] != want[i] {
			t.Fatalf("got %v, want %v", slots, want)
		}
	}
	if Range(1080, 1020, 15) != nil {
		t.Fatal("inverted range should be empty")
	}
}

func TestWithinRange(t *testing.T) {
	d := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	if !WithinRange(d, &from, &to) {
		t.Fatal("boundary date should be inside an inclusive range")
	}
	if !WithinRange(d, nil, nil) {
		t.Fatal("open range should accept any date")
	}
	before := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	if WithinRange(before, &from, &to) {
		t.Fatal("date before range start should be outside")
	}
}

func TestParseWeekday(t *testing.T) {
	wd, err := ParseWeekday("fri")
	if err != nil || wd != time.Friday {
		t.Fatalf("ParseWeekday(fri) = %v, %v", wd, err)
	}
	if _, err := ParseWeekday("friday2"); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
	if got := WeekdayName(time.Tuesday); got != "tue" {
		t.Fatalf("WeekdayName(Tuesday) = %q", got)
	}
}
