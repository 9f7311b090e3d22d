package appointment

import "testing"

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"scheduled", "completed", "cancelled", "no-show"} {
		status, err := ParseStatus(s)
		if err != nil {
			t.Errorf("ParseStatus(%q) failed: %v", s, err)
		}
		if string(status) != s {
			t.Errorf("ParseStatus(%q) = %q", s, status)
		}
	}

	for _, s := range []string{"", "done", "noshow", "Completed"} {
		if _, err := ParseStatus(s); err == nil {
			t.Errorf("ParseStatus(%q) should fail", s)
		}
	}
}
