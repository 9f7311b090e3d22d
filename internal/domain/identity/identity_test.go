package identity

import "testing"

func TestParseRole(t *testing.T) {
	for _, s := range []string{"patient", "doctor", "admin"} {
		role, err := ParseRole(s)
		if err != nil {
			t.Errorf("ParseRole(%q) failed: %v", s, err)
		}
		if string(role) != s {
			t.Errorf("ParseRole(%q) = %q", s, role)
		}
	}

	for _, s := range []string{"", "nurse", "Doctor", "superuser"} {
		if _, err := ParseRole(s); err == nil {
			t.Errorf("ParseRole(%q) should fail", s)
		}
	}
}
