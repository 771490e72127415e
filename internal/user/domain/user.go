package domain

import (
	"errors"
	"strings"
	"time"
)

// User is the core user entity. Email is stored normalised (trimmed, lower-cased).
type User struct {
	ID              string
	Email           string
	Name            string
	FirstName       string
	LastName        string
	Status          UserStatus
	EmailVerifiedAt *time.Time // nil until the address is proven
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	return nil
}

// FullName joins first and last name the way they are displayed.
func FullName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}
