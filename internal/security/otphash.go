package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretHasher produces salted one-way hashes of short secrets (OTP codes).
type SecretHasher struct {
	cost int
}

// NewSecretHasher clamps cost into bcrypt's accepted range; 0 means default.
func NewSecretHasher(cost int) *SecretHasher {
	switch {
	case cost == 0:
		cost = bcrypt.DefaultCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	return &SecretHasher{cost: cost}
}

func (h *SecretHasher) Hash(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(b), nil
}

func (h *SecretHasher) Compare(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
