package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrBadHash means the stored hash itself is unusable; a server-side problem.
	ErrBadHash = errors.New("stored password hash is invalid")
)

func CheckPassword(hash, password string) error {
	if hash == "" {
		return ErrBadHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrInvalidCredentials
	default:
		return ErrBadHash
	}
}
