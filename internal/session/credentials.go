package session

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes a plaintext password with bcrypt at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// bcryptCredentials verifies passwords against the user store. It is the
// default CredentialStore.
type bcryptCredentials struct {
	users UserStore
}

// NewBcryptCredentials wraps a user store with bcrypt verification.
func NewBcryptCredentials(users UserStore) CredentialStore {
	return &bcryptCredentials{users: users}
}

func (c *bcryptCredentials) Verify(ctx context.Context, email, password string) (string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return "", ErrInvalidCredentials
	}
	user, err := c.users.FindByEmail(ctx, email)
	if err != nil {
		// Unknown email and store failure both collapse to the same
		// non-disclosing failure.
		return "", ErrInvalidCredentials
	}
	if user.Status != UserStatusActive {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return user.ID, nil
}

func (c *bcryptCredentials) SetCredential(ctx context.Context, userID, passwordHash string) error {
	return c.users.UpdatePassword(ctx, userID, passwordHash)
}
