package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// SessionKeySize is the AES-256 session key length.
	SessionKeySize = 32

	// SessionIVSize is the GCM nonce length.
	SessionIVSize = 12

	// DataEncryptionAlgorithm names the session cipher in worker descriptors
	// and work order requests.
	DataEncryptionAlgorithm = "AES-GCM-256"
)

// GenerateSessionKey returns a fresh random AES-256 key. Session keys are
// never reused across requests.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	return key, nil
}

// GenerateSessionIV returns a fresh random GCM nonce.
func GenerateSessionIV() ([]byte, error) {
	iv := make([]byte, SessionIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate session IV: %w", err)
	}
	return iv, nil
}

// EncryptSessionData encrypts plaintext with AES-GCM under the session key
// and IV, returning base64 ciphertext suitable for a work order data entry.
func EncryptSessionData(plaintext, key, iv []byte) (string, error) {
	aesGCM, err := newGCM(key, len(iv))
	if err != nil {
		return "", err
	}

	ciphertext := aesGCM.Seal(nil, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptSessionData reverses EncryptSessionData. Authentication failure
// (wrong key, wrong IV, or tampered data) returns an error and no plaintext.
func DecryptSessionData(encoded string, key, iv []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 ciphertext: %w", err)
	}

	aesGCM, err := newGCM(key, len(iv))
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session data: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte, ivLen int) (cipher.AEAD, error) {
	if len(key) != SessionKeySize {
		return nil, errors.New("session key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return cipher.NewGCMWithNonceSize(block, ivLen)
}
