package match

import "testing"

func TestRouteExact(t *testing.T) {
	if !Route("login", "login") {
		t.Fatal("expected exact match")
	}
	if Route("login", "logout") {
		t.Fatal("did not expect match")
	}
	if Route("Login", "login") {
		t.Fatal("matching must be case-sensitive")
	}
}

func TestRouteWildcardBoundaries(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"application.*", "application.show", true},
		{"application.*", "application.edit", true},
		{"application.*", "applications.index", false},
		{"application.*", "application", false},
		{"application.*", "application.", true},
		{"*", "anything.at.all", true},
		{"*", "", true},
		{"password.*", "password.reset", true},
		{"password.*", "passwords.reset", false},
		{"*.edit", "profile.edit", true},
		{"*.edit", "profile.editor", false},
		{"profile.*.photo", "profile.42.photo", true},
		{"profile.*.photo", "profile.photo", false},
	}
	for _, tc := range cases {
		if got := Route(tc.pattern, tc.name); got != tc.want {
			t.Errorf("Route(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestRouteWildcardCrossesSegments(t *testing.T) {
	// `*` is not segment-aware: it may span dots.
	if !Route("application.*", "application.sub.deep") {
		t.Fatal("wildcard must cross segment separators")
	}
}

func TestAny(t *testing.T) {
	patterns := []string{"profile.show", "profiles.*"}
	if !Any(patterns, "profiles.index") {
		t.Fatal("expected pattern list match")
	}
	if Any(patterns, "profile.edit") {
		t.Fatal("did not expect match")
	}
	if Any(nil, "anything") {
		t.Fatal("empty pattern list matches nothing")
	}
}
