package domain

import (
	"errors"
	"time"
)

// Org represents the organization created during onboarding.
type Org struct {
	ID        string
	Name      string
	Address   Address
	Status    OrgStatus
	CreatedAt time.Time
}

// Address is the postal address of an organization. Line2 is optional.
type Address struct {
	Line1   string
	Line2   string
	City    string
	State   string
	ZipCode string
}

type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
)

// Validate validates the organization for persistence. Returns an error describing the first validation failure.
func (o *Org) Validate() error {
	if o.Name == "" {
		return errors.New("name is required")
	}
	if o.Address.Line1 == "" {
		return errors.New("address line 1 is required")
	}
	if o.Address.City == "" {
		return errors.New("city is required")
	}
	if o.Address.State == "" {
		return errors.New("state is required")
	}
	if o.Address.ZipCode == "" {
		return errors.New("zip code is required")
	}
	if o.Status == "" {
		o.Status = OrgStatusActive
	}
	return nil
}
