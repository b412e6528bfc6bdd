// ABOUTME: API key generation and deterministic format validation
// ABOUTME: Format checks are bound to the service id and run before any crypto

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// API key layout: bsk_<serviceId>_<32 hex chars>.
const (
	apiKeyPrefix    = "bsk"
	apiKeySecretLen = 32
)

// ErrMalformedAPIKey indicates an API key that fails the format check.
var ErrMalformedAPIKey = errors.New("malformed api key")

// GenerateAPIKey creates a new API key bound to the given service id.
func GenerateAPIKey(serviceID string) (string, error) {
	if serviceID == "" || strings.Contains(serviceID, "_") {
		return "", fmt.Errorf("invalid service id %q", serviceID)
	}
	buf := make([]byte, apiKeySecretLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}
	return fmt.Sprintf("%s_%s_%s", apiKeyPrefix, serviceID, hex.EncodeToString(buf)), nil
}

// ValidateAPIKeyFormat checks that a key is structurally valid and bound to
// the expected service id. This is a pure format check so malformed input
// fails fast before any signature work.
func ValidateAPIKeyFormat(key, serviceID string) error {
	parts, err := splitAPIKey(key)
	if err != nil {
		return err
	}
	if parts[1] != serviceID {
		return fmt.Errorf("%w: key not bound to service %q", ErrMalformedAPIKey, serviceID)
	}
	return nil
}

// CheckAPIKeyFormat checks only the key's structure, without binding it to
// a service id. Used when the owning service id is not known yet, such as
// at agent registration.
func CheckAPIKeyFormat(key string) error {
	_, err := splitAPIKey(key)
	return err
}

func splitAPIKey(key string) ([]string, error) {
	parts := strings.Split(key, "_")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedAPIKey, len(parts))
	}
	if parts[0] != apiKeyPrefix {
		return nil, fmt.Errorf("%w: bad prefix %q", ErrMalformedAPIKey, parts[0])
	}
	if len(parts[2]) != apiKeySecretLen {
		return nil, fmt.Errorf("%w: secret segment must be %d chars", ErrMalformedAPIKey, apiKeySecretLen)
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		return nil, fmt.Errorf("%w: secret segment is not hex", ErrMalformedAPIKey)
	}
	return parts, nil
}
