package api

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusNotStarted, StatusRunning, true},
		{StatusNotStarted, StatusUploading, true},
		{StatusNotStarted, StatusSuccess, true},
		{StatusNotStarted, StatusFailed, true},
		{StatusRunning, StatusUploading, true},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusFailed, true},
		{StatusUploading, StatusSuccess, true},
		{StatusUploading, StatusFailed, true},

		// No moving backwards.
		{StatusRunning, StatusNotStarted, false},
		{StatusUploading, StatusRunning, false},
		{StatusUploading, StatusNotStarted, false},

		// Terminal states accept nothing.
		{StatusSuccess, StatusRunning, false},
		{StatusSuccess, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusFailed, StatusSuccess, false},

		// Same-status writes are no-ops.
		{StatusRunning, StatusRunning, true},
		{StatusSuccess, StatusSuccess, true},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []string{StatusNotStarted, StatusRunning, StatusUploading, StatusSuccess, StatusFailed} {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = false", s)
		}
	}
	for _, s := range []string{StatusQueued, "", "done", "RUNNING"} {
		if ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = true", s)
		}
	}
}

func TestProgressFor(t *testing.T) {
	cases := map[string]int{
		StatusNotStarted: 0,
		StatusRunning:    50,
		StatusUploading:  75,
		StatusSuccess:    100,
		StatusFailed:     0,
	}
	for status, want := range cases {
		if got := progressFor(status); got != want {
			t.Errorf("progressFor(%q) = %d, want %d", status, got, want)
		}
	}
}
