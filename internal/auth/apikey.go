package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 12

var ErrUnknownAPIKey = errors.New("unknown api key")

// APIKeyService grants the admin role to handshakes carrying a key whose
// bcrypt hash appears in the configured list. Keys are never stored in the
// clear.
type APIKeyService struct {
	hashes []string
	cost   int
}

func NewAPIKeyService(hashes []string) *APIKeyService {
	return &APIKeyService{hashes: hashes, cost: bcryptCost}
}

// HashKey hashes a plain key for inclusion in the config. Operator tooling.
func (s *APIKeyService) HashKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), s.cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// Verify checks a presented key against every configured hash.
func (s *APIKeyService) Verify(key string) error {
	if key == "" {
		return ErrUnknownAPIKey
	}
	for _, h := range s.hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(key)) == nil {
			return nil
		}
	}
	return ErrUnknownAPIKey
}
