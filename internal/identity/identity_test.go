package identity

import "testing"

func TestResolveDisplayNamePrecedence(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		profile  Profile
		expected string
	}{
		{
			name:     "first and last name win",
			userID:   "42",
			profile:  Profile{FirstName: "Ada", LastName: "Okoye", FullName: "ignored", Username: "ada99"},
			expected: "Ada Okoye",
		},
		{
			name:     "first name alone",
			userID:   "42",
			profile:  Profile{FirstName: "Ada", Username: "ada99"},
			expected: "Ada",
		},
		{
			name:     "last name alone",
			userID:   "42",
			profile:  Profile{LastName: "Okoye", Username: "ada99"},
			expected: "Okoye",
		},
		{
			name:     "full name before username",
			userID:   "42",
			profile:  Profile{FullName: "Ada Okoye", Username: "ada99"},
			expected: "Ada Okoye",
		},
		{
			name:     "username before raw id",
			userID:   "42",
			profile:  Profile{Username: "ada99"},
			expected: "ada99",
		},
		{
			name:     "raw id as last resort",
			userID:   "42",
			profile:  Profile{},
			expected: "42",
		},
		{
			name:     "whitespace fields are treated as blank",
			userID:   "42",
			profile:  Profile{FirstName: "  ", FullName: "\t", Username: " ada99 "},
			expected: "ada99",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resolved := ResolveDisplayName(tc.userID, tc.profile)
			if resolved != tc.expected {
				t.Fatalf("expected display name %q, got %q", tc.expected, resolved)
			}
		})
	}
}

func TestNormalizeAvatarURL(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		raw      string
		expected string
	}{
		{
			name:     "absolute https passes through",
			base:     "https://media.driftcast.app",
			raw:      "https://cdn.example.com/a.png",
			expected: "https://cdn.example.com/a.png",
		},
		{
			name:     "absolute http passes through",
			base:     "https://media.driftcast.app",
			raw:      "http://cdn.example.com/a.png",
			expected: "http://cdn.example.com/a.png",
		},
		{
			name:     "relative path joined to base",
			base:     "https://media.driftcast.app",
			raw:      "avatars/a.png",
			expected: "https://media.driftcast.app/avatars/a.png",
		},
		{
			name:     "duplicate slashes collapsed at the join",
			base:     "https://media.driftcast.app/",
			raw:      "/avatars/a.png",
			expected: "https://media.driftcast.app/avatars/a.png",
		},
		{
			name:     "blank raw yields blank",
			base:     "https://media.driftcast.app",
			raw:      "",
			expected: "",
		},
		{
			name:     "relative path without base passes through",
			base:     "",
			raw:      "avatars/a.png",
			expected: "avatars/a.png",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			normalized := NormalizeAvatarURL(tc.base, tc.raw)
			if normalized != tc.expected {
				t.Fatalf("expected %q, got %q", tc.expected, normalized)
			}
		})
	}
}

func TestFallback(t *testing.T) {
	withUsername := Fallback("42", "ada99")
	if withUsername.DisplayName != "ada99" {
		t.Fatalf("expected username fallback, got %q", withUsername.DisplayName)
	}
	withoutUsername := Fallback("42", " ")
	if withoutUsername.DisplayName != "42" {
		t.Fatalf("expected raw id fallback, got %q", withoutUsername.DisplayName)
	}
}

func TestNewUserIDRejectsBlank(t *testing.T) {
	if _, err := NewUserID("  "); err == nil {
		t.Fatal("expected error for blank user id")
	}
	id, err := NewUserID(" user-7 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "user-7" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
}
