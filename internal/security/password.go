package security

import "errors"

// bcrypt ignores input past 72 bytes; longer passwords are refused instead of silently truncated.
const maxPasswordBytes = 72

var (
	ErrPasswordRequired = errors.New("password is required")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrPasswordTooLong  = errors.New("password must be at most 72 bytes")
)

// CheckNewPassword validates a password and its confirmation before hashing.
func CheckNewPassword(password, confirm string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	if password != confirm {
		return ErrPasswordMismatch
	}
	return nil
}
