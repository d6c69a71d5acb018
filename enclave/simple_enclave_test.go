package enclave

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/tee-workorder-manager/cryptoutils"
	"github.com/ruteri/tee-workorder-manager/interfaces"
)

func newEnclave(t *testing.T, fill byte) *SimpleEnclave {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	e, err := NewSimpleEnclave(seed, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return e
}

func TestKeysAreDeterministicPerSeed(t *testing.T) {
	a := newEnclave(t, 1)
	b := newEnclave(t, 1)
	c := newEnclave(t, 2)

	signupA, err := a.CreateSignupData()
	require.NoError(t, err)
	signupB, err := b.CreateSignupData()
	require.NoError(t, err)
	signupC, err := c.CreateSignupData()
	require.NoError(t, err)

	assert.Equal(t, signupA.VerifyingKey, signupB.VerifyingKey)
	assert.Equal(t, signupA.EncryptionKey, signupB.EncryptionKey)
	assert.NotEqual(t, signupA.VerifyingKey, signupC.VerifyingKey)
}

func TestSignupDataIsSelfConsistent(t *testing.T) {
	e := newEnclave(t, 3)

	signup, err := e.CreateSignupData()
	require.NoError(t, err)
	assert.NotEmpty(t, signup.ProofData)

	// The encryption key signature verifies under the verifying key.
	require.NoError(t, cryptoutils.VerifyDigest(signup.VerifyingKey,
		[]byte(signup.EncryptionKey), signup.EncryptionKeySignature))

	measurement, err := e.Measurement()
	require.NoError(t, err)
	assert.Len(t, measurement, 64)
}

func TestSignVerify(t *testing.T) {
	e := newEnclave(t, 4)
	signup, err := e.CreateSignupData()
	require.NoError(t, err)

	sig, err := e.Sign([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, e.Verify([]byte(signup.VerifyingKey), []byte("payload"), sig))

	err = e.Verify([]byte(signup.VerifyingKey), []byte("other payload"), sig)
	require.ErrorIs(t, err, interfaces.ErrSignatureVerification)
}

func TestVerifyUniqueIDSignature(t *testing.T) {
	anchorKey, err := cryptoutils.GenerateSigningKey()
	require.NoError(t, err)

	e := newEnclave(t, 5)
	uniqueKey := "unique-key"
	sig, err := cryptoutils.SignDigest(anchorKey, []byte(uniqueKey))
	require.NoError(t, err)

	// No anchor configured: nothing verifies.
	require.Error(t, e.VerifyUniqueIDSignature(uniqueKey, sig))

	e.WithTrustAnchor(cryptoutils.MarshalVerifyingKey(anchorKey))
	require.NoError(t, e.VerifyUniqueIDSignature(uniqueKey, sig))

	err = e.VerifyUniqueIDSignature("forged-key", sig)
	require.ErrorIs(t, err, interfaces.ErrSignatureVerification)
}

func TestGenerateNonce(t *testing.T) {
	e := newEnclave(t, 6)
	first, err := e.GenerateNonce(16)
	require.NoError(t, err)
	second, err := e.GenerateNonce(16)
	require.NoError(t, err)

	assert.Len(t, first, 32)
	assert.NotEqual(t, first, second)
}
