package domain

import (
	"time"
)

// Membership links a user to an organization with a role.
// The user who completes onboarding becomes the owner of the new organization.
type Membership struct {
	ID        string
	UserID    string
	OrgID     string
	Role      Role
	CreatedAt time.Time
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)
