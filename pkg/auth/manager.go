package auth

import (
	"fmt"
	"time"
)

// Manager validates operator bearer tokens for the health/status surface.
type Manager struct {
	Secret string
}

func NewManager(secret string) *Manager {
	return &Manager{Secret: secret}
}

// Validate parses and checks expiry of a bearer token, returning its claims
// on success.
func (m *Manager) Validate(token string) (*Claims, error) {
	claims, err := ParseToken(m.Secret, token)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("token expired")
	}
	return claims, nil
}
