package registry

import (
	"testing"
	"time"
)

func TestNeedsRefresh(t *testing.T) {
	cases := []struct {
		name      string
		age       time.Duration
		expiresIn time.Duration
		want      bool
	}{
		{"fresh and far from expiry", 10 * time.Minute, 5 * time.Hour, false},
		{"older than refresh window", 90 * time.Minute, 5 * time.Hour, true},
		{"expiring soon even though young", 10 * time.Minute, 1 * time.Hour, true},
		{"exactly at the refresh-window boundary is not yet stale", RefreshWindow, 5 * time.Hour, false},
		{"exactly at the expiry look-ahead boundary is not yet stale", 10 * time.Minute, ExpiringWithinWindow, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NeedsRefresh(tc.age, tc.expiresIn); got != tc.want {
				t.Errorf("NeedsRefresh(%v, %v) = %v, want %v", tc.age, tc.expiresIn, got, tc.want)
			}
		})
	}
}
