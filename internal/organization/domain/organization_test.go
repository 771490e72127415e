package domain

import "testing"

func TestOrg_Validate(t *testing.T) {
	valid := Address{Line1: "1 Main St", City: "Springfield", State: "IL", ZipCode: "62701"}
	tests := []struct {
		name    string
		org     Org
		wantErr bool
	}{
		{"valid", Org{Name: "Acme", Address: valid}, false},
		{"line2 optional", Org{Name: "Acme", Address: Address{Line1: "1", Line2: "", City: "c", State: "s", ZipCode: "z"}}, false},
		{"missing name", Org{Address: valid}, true},
		{"missing line1", Org{Name: "Acme", Address: Address{City: "c", State: "s", ZipCode: "z"}}, true},
		{"missing city", Org{Name: "Acme", Address: Address{Line1: "1", State: "s", ZipCode: "z"}}, true},
		{"missing state", Org{Name: "Acme", Address: Address{Line1: "1", City: "c", ZipCode: "z"}}, true},
		{"missing zip", Org{Name: "Acme", Address: Address{Line1: "1", City: "c", State: "s"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := tt.org
			err := o.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && o.Status != OrgStatusActive {
				t.Errorf("Status = %q, want active", o.Status)
			}
		})
	}
}
