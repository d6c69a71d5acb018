package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt updates and work order responses are signed with SECP256K1 keys.
// Signatures cover the SHA-256 digest of the signed payload and are carried
// base64-encoded; public keys travel as hex of the uncompressed point.

// GenerateSigningKey creates a fresh SECP256K1 signing key.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return key, nil
}

// MarshalVerifyingKey serializes the public half of a signing key as hex.
func MarshalVerifyingKey(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey))
}

// SignDigest signs the SHA-256 digest of data, returning a base64 signature.
func SignDigest(key *ecdsa.PrivateKey, data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return "", fmt.Errorf("failed to sign digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyDigest checks a base64 signature produced by SignDigest against a
// hex-encoded verifying key.
func VerifyDigest(verifyingKeyHex string, data []byte, signatureB64 string) error {
	pubBytes, err := hex.DecodeString(verifyingKeyHex)
	if err != nil {
		return fmt.Errorf("invalid verifying key encoding: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) < 64 {
		return fmt.Errorf("signature too short: %d bytes", len(sig))
	}

	digest := sha256.Sum256(data)
	// Recovery byte is not part of the verified signature.
	if !crypto.VerifySignature(pubBytes, digest[:], sig[:64]) {
		return fmt.Errorf("secp256k1 signature mismatch")
	}
	return nil
}

// IdentityHash returns the hex SHA-256 of a worker's public identity. Worker
// descriptors are keyed by this hash so requesters can address a worker by a
// fixed-size id.
func IdentityHash(publicIdentity string) string {
	sum := sha256.Sum256([]byte(StripPEMHeaders(publicIdentity)))
	return hex.EncodeToString(sum[:])
}

// StripPEMHeaders removes PEM armor lines and whitespace from a key string,
// leaving only the body. Identity hashes are computed over the stripped form
// so the same key hashes identically regardless of encoding cosmetics.
func StripPEMHeaders(key string) string {
	out := make([]byte, 0, len(key))
	inHeader := false
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == '-':
			inHeader = true
		case c == '\n' || c == '\r':
			inHeader = false
		case inHeader, c == ' ', c == '\t':
			// skip
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
