package models

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusStopped, StatusSuperseded, StatusFailed, StatusCancelled, StatusExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	nonTerminal := []Status{StatusPending, StatusBuilding, StatusPushed, StatusDeploying, StatusHealthy, StatusUnhealthy, StatusCancelling, StatusTerminating}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatusServing(t *testing.T) {
	if !StatusHealthy.Serving() {
		t.Error("Healthy should be serving")
	}
	if !StatusUnhealthy.Serving() {
		t.Error("Unhealthy should be serving")
	}
	if StatusDeploying.Serving() {
		t.Error("Deploying should not be serving")
	}
	if StatusStopped.Serving() {
		t.Error("Stopped should not be serving")
	}
}

func TestValidGroup(t *testing.T) {
	valid := []string{"default", "a", "canary", "blue-green", "a/b"}
	for _, g := range valid {
		if !ValidGroup(g) {
			t.Errorf("%q should be a valid group", g)
		}
	}

	invalid := []string{"", "-leading", "trailing-", "Uppercase", "has space"}
	for _, g := range invalid {
		if ValidGroup(g) {
			t.Errorf("%q should not be a valid group", g)
		}
	}

	if ValidGroup(string(make([]byte, 101))) {
		t.Error("a group longer than 100 characters should be invalid")
	}
}

func TestValidDigestRef(t *testing.T) {
	valid := "registry.example.com/rise-myapp@sha256:" + repeat("a", 64)
	if !ValidDigestRef(valid) {
		t.Errorf("%q should be a valid digest ref", valid)
	}

	invalid := []string{
		"registry.example.com/rise-myapp:latest",
		"registry.example.com/rise-myapp@sha256:tooshort",
		"@sha256:" + repeat("a", 64),
	}
	for _, ref := range invalid {
		if ValidDigestRef(ref) {
			t.Errorf("%q should not be a valid digest ref", ref)
		}
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s[0])
	}
	return string(out)
}

func TestEscapeGroupLabel(t *testing.T) {
	cases := map[string]string{
		"canary":   "canary",
		"blue_green": "blue--green",
		"a/b":      "a--b",
		"v1.2":     "v1--2",
	}
	for in, want := range cases {
		if got := EscapeGroupLabel(in); got != want {
			t.Errorf("EscapeGroupLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
