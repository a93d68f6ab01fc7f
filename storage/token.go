package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/oidc-server/security"
)

// HandleKey derives the storage key for an opaque handle. Distributed backends store
// records under this key so a dump of the store does not reveal usable handles.
func HandleKey(handle string) string {
	return hex.EncodeToString(security.HashSHA256([]byte(handle)))
}

// SealRecord marshals v to JSON and seals it with enc, binding the ciphertext to key.
// A nil or disabled encryptor stores plain JSON.
func SealRecord(enc *security.Encryptor, key string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	sealed, err := enc.Seal(data, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to seal record: %w", err)
	}
	return sealed, nil
}

// OpenRecord reverses SealRecord into v
func OpenRecord(enc *security.Encryptor, key string, sealed []byte, v any) error {
	data, err := enc.Open(sealed, []byte(key))
	if err != nil {
		return fmt.Errorf("failed to open record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}
