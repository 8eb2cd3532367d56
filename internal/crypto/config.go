package crypto

import "fmt"

// EncryptSecret encrypts a Credential secret for storage. If key is nil the
// secret is returned unchanged (encryption disabled).
func EncryptSecret(secret string, key []byte) (string, error) {
	if key == nil {
		return secret, nil
	}

	enc, err := Encrypt(secret, key)
	if err != nil {
		return "", fmt.Errorf("encrypt credential secret: %w", err)
	}

	return enc, nil
}

// DecryptSecret reverses EncryptSecret. Values without the "enc:" prefix are
// passed through, so a store can hold a mix of plaintext (pre-encryption)
// and encrypted rows across a key-enablement boundary.
func DecryptSecret(secret string, key []byte) (string, error) {
	if key == nil {
		return secret, nil
	}

	dec, err := Decrypt(secret, key)
	if err != nil {
		return "", fmt.Errorf("decrypt credential secret: %w", err)
	}

	return dec, nil
}
