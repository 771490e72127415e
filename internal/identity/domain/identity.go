package domain

import "time"

// Identity is a user's credential with a provider. Local identities carry the bcrypt password hash;
// ProviderID for a local identity is the normalised email.
type Identity struct {
	ID           string
	UserID       string
	Provider     IdentityProvider
	ProviderID   string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type IdentityProvider string

const (
	IdentityProviderLocal IdentityProvider = "local"
)
