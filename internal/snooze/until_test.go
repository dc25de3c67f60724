package snooze

import (
	"testing"
	"time"
)

func TestParseUntil(t *testing.T) {
	loc := time.FixedZone("test", 2*60*60)
	// Wednesday afternoon.
	now := time.Date(2026, 3, 4, 14, 30, 0, 0, loc)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"tomorrow", time.Date(2026, 3, 5, 9, 0, 0, 0, loc)},
		{"TMRW", time.Date(2026, 3, 5, 9, 0, 0, 0, loc)},
		{"friday", time.Date(2026, 3, 6, 9, 0, 0, 0, loc)},
		{"mon", time.Date(2026, 3, 9, 9, 0, 0, 0, loc)},
		{"wednesday", time.Date(2026, 3, 11, 9, 0, 0, 0, loc)},
		{"2h", now.Add(2 * time.Hour)},
		{"3d", time.Date(2026, 3, 7, 9, 0, 0, 0, loc)},
		{"evening", time.Date(2026, 3, 4, 18, 0, 0, 0, loc)},
		{"morning", time.Date(2026, 3, 5, 9, 0, 0, 0, loc)},
		{"weekend", time.Date(2026, 3, 7, 10, 0, 0, 0, loc)},
		{"2026-04-01", time.Date(2026, 4, 1, 0, 0, 0, 0, loc)},
		{"2026-04-01 08:15", time.Date(2026, 4, 1, 8, 15, 0, 0, loc)},
		{"2026-04-01T08:15", time.Date(2026, 4, 1, 8, 15, 0, 0, loc)},
		{"2026-04-01T08:15:00Z", time.Date(2026, 4, 1, 8, 15, 0, 0, time.UTC)},
		{"whenever", now.Add(24 * time.Hour)},
		{"", now.Add(24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := ParseUntil(tt.expr, now)
			if !got.Equal(tt.want) {
				t.Fatalf("ParseUntil(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseUntilEdgeOfDay(t *testing.T) {
	late := time.Date(2026, 3, 4, 20, 0, 0, 0, time.UTC)
	if got := ParseUntil("evening", late); !got.Equal(late) {
		t.Fatalf("evening after 18:00 = %v, want now", got)
	}

	early := time.Date(2026, 3, 4, 7, 0, 0, 0, time.UTC)
	if got := ParseUntil("morning", early); !got.Equal(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("morning before 09:00 = %v, want today 09:00", got)
	}

	saturday := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	if got := ParseUntil("weekend", saturday); !got.Equal(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("weekend on a Saturday = %v, want next Saturday", got)
	}
}
