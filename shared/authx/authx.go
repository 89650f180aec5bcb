package authx

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// HeaderAPIKey carries the shared secret on every relay request.
const HeaderAPIKey = "x-api-key"

const apiKeyLength = 32

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrEmptyKey     = errors.New("api key is empty")
)

// APIKeyVerifier checks a presented key against the single configured secret.
type APIKeyVerifier struct {
	key []byte
}

func NewAPIKeyVerifier(key string) (*APIKeyVerifier, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}
	return &APIKeyVerifier{key: []byte(key)}, nil
}

// Verify returns ErrUnauthorized unless presented equals the configured key. The comparison
// takes the same time whatever the position of the first mismatching byte.
func (v *APIKeyVerifier) Verify(presented string) error {
	if v == nil || len(v.key) == 0 {
		return ErrUnauthorized
	}
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(presented), v.key) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// GenerateAPIKey returns a 32 character key drawn from 32 random bytes, base64 encoded with
// the '+', '/' and '=' characters removed.
func GenerateAPIKey() (string, error) {
	for {
		var buf [32]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		key := strings.NewReplacer("+", "", "/", "", "=", "").Replace(base64.StdEncoding.EncodeToString(buf[:]))
		if len(key) >= apiKeyLength {
			return key[:apiKeyLength], nil
		}
	}
}
