package verification

import "testing"

func TestValidateEmail(t *testing.T) {
	valid := []string{"a@x.com", "ann.lee+tag@example.co.uk"}
	for _, e := range valid {
		if err := ValidateEmail(e); err != nil {
			t.Errorf("ValidateEmail(%q) = %v", e, err)
		}
	}
	invalid := []string{"", "a", "a@", "@x.com", "a@x", "a b@x.com"}
	for _, e := range invalid {
		if err := ValidateEmail(e); err != ErrInvalidEmail {
			t.Errorf("ValidateEmail(%q) = %v, want ErrInvalidEmail", e, err)
		}
	}
}
