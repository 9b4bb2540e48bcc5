package utils

import "golang.org/x/crypto/bcrypt"

// HashOrRead returns password unchanged when it already is a bcrypt hash,
// so the admin password may be configured either way.
func HashOrRead(password string) ([]byte, error) {
	if _, err := bcrypt.Cost([]byte(password)); err == nil {
		return []byte(password), nil
	}
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
