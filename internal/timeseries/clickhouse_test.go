package timeseries

import (
	"testing"
	"time"
)

func TestMondayOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "monday maps to itself",
			in:   time.Date(2026, 2, 2, 15, 30, 0, 0, time.UTC),
			want: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "sunday maps back six days",
			in:   time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "saturday",
			in:   time.Date(2026, 2, 7, 23, 59, 59, 0, time.UTC),
			want: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "crosses month boundary",
			in:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "non-utc input is folded to utc first",
			in:   time.Date(2026, 2, 3, 0, 30, 0, 0, time.FixedZone("plus2", 2*3600)),
			want: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := MondayOf(tc.in); !got.Equal(tc.want) {
				t.Fatalf("MondayOf(%v)=%v want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestMondayOfIsIdempotent(t *testing.T) {
	t.Parallel()

	for d := 0; d < 14; d++ {
		in := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d)
		once := MondayOf(in)
		twice := MondayOf(once)
		if !once.Equal(twice) {
			t.Fatalf("MondayOf not idempotent for %v: %v != %v", in, once, twice)
		}
		if once.Weekday() != time.Monday {
			t.Fatalf("MondayOf(%v)=%v is a %v", in, once, once.Weekday())
		}
		if once.After(in) {
			t.Fatalf("MondayOf(%v)=%v is in the future", in, once)
		}
	}
}

func TestMonthOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			name: "mid month",
			in:   time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "first of month maps to itself",
			in:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "december",
			in:   time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC),
			want: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := MonthOf(tc.in); !got.Equal(tc.want) {
				t.Fatalf("MonthOf(%v)=%v want %v", tc.in, got, tc.want)
			}
		})
	}
}
