package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionDataRoundTrip(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)
	iv, err := GenerateSessionIV()
	require.NoError(t, err)

	plaintext := []byte("work order payload")
	sealed, err := EncryptSessionData(plaintext, key, iv)
	require.NoError(t, err)
	assert.NotEqual(t, string(plaintext), sealed)

	opened, err := DecryptSessionData(sealed, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSessionDataWrongKeyFails(t *testing.T) {
	key, err := GenerateSessionKey()
	require.NoError(t, err)
	otherKey, err := GenerateSessionKey()
	require.NoError(t, err)
	iv, err := GenerateSessionIV()
	require.NoError(t, err)

	sealed, err := EncryptSessionData([]byte("secret"), key, iv)
	require.NoError(t, err)

	_, err = DecryptSessionData(sealed, otherKey, iv)
	require.Error(t, err)
}

func TestECIESRoundTrip(t *testing.T) {
	privPEM, pubPEM, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)

	sessionKey, err := GenerateSessionKey()
	require.NoError(t, err)

	wrapped, err := EncryptWithPublicKey(pubPEM, sessionKey)
	require.NoError(t, err)

	unwrapped, err := DecryptWithPrivateKey(privPEM, wrapped)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, unwrapped)
}

func TestECIESWrongKeyFails(t *testing.T) {
	_, pubPEM, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)
	otherPrivPEM, _, err := GenerateEncryptionKeyPair()
	require.NoError(t, err)

	wrapped, err := EncryptWithPublicKey(pubPEM, []byte("session key material"))
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(otherPrivPEM, wrapped)
	require.Error(t, err)
}

func TestSignAndVerifyDigest(t *testing.T) {
	key, err := GenerateSigningKey()
	require.NoError(t, err)
	verifyingKey := MarshalVerifyingKey(key)

	data := []byte("receipt update")
	sig, err := SignDigest(key, data)
	require.NoError(t, err)

	require.NoError(t, VerifyDigest(verifyingKey, data, sig))
	require.Error(t, VerifyDigest(verifyingKey, []byte("tampered"), sig))

	otherKey, err := GenerateSigningKey()
	require.NoError(t, err)
	require.Error(t, VerifyDigest(MarshalVerifyingKey(otherKey), data, sig))
}

func TestIdentityHashIgnoresPEMArmor(t *testing.T) {
	armored := "-----BEGIN PUBLIC KEY-----\nAAAABBBB\nCCCC\n-----END PUBLIC KEY-----\n"
	bare := "AAAABBBBCCCC"
	assert.Equal(t, IdentityHash(bare), IdentityHash(armored))
	assert.Len(t, IdentityHash(bare), 64)
}
