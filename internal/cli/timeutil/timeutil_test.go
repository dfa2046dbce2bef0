package timeutil

import (
	"testing"
	"time"
)

func TestAgo(t *testing.T) {
	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Time{}, "never"},
		{time.Now(), "just now"},
		{time.Now().Add(-5 * time.Second), "5s ago"},
		{time.Now().Add(-3 * time.Minute), "3m ago"},
		{time.Now().Add(-2 * time.Hour), "2h ago"},
		{time.Now().Add(-50 * time.Hour), "2d ago"},
	}
	for _, tc := range cases {
		if got := Ago(tc.at); got != tc.want {
			t.Errorf("Ago(%v) = %q, want %q", tc.at, got, tc.want)
		}
	}
}

func TestCompact(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{-time.Second, "0s"},
		{45 * time.Second, "45s"},
		{90 * time.Second, "1m 30s"},
		{3*time.Hour + 20*time.Minute, "3h 20m"},
		{76*time.Hour + 30*time.Minute, "3d 4h"},
	}
	for _, tc := range cases {
		if got := Compact(tc.d); got != tc.want {
			t.Errorf("Compact(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestLocal(t *testing.T) {
	if got := Local(time.Time{}); got != "-" {
		t.Errorf("Local(zero) = %q", got)
	}
	if got := Local(time.Now()); got == "-" || got == "" {
		t.Error("Local(now) must render a timestamp")
	}
}
