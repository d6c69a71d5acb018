package interfaces

import "context"

// SignupData is the trusted identity material produced by an enclave at
// signup. It is created once at manager startup and never changes for the
// process lifetime.
type SignupData struct {
	// EnclaveID is the enclave's public identity (its verifying key in PEM).
	EnclaveID string

	// VerifyingKey verifies signatures produced by the enclave's signing key.
	VerifyingKey string

	// EncryptionKey is the enclave's public encryption key in PEM, used by
	// requesters to wrap session keys.
	EncryptionKey string

	// EncryptionKeySignature is the enclave's signature over EncryptionKey.
	EncryptionKeySignature string

	// ProofData carries attestation evidence (quote/report) for the enclave.
	ProofData string

	// SealedData is opaque sealed state, persisted outside the trust
	// boundary and loaded back on restart.
	SealedData []byte
}

// Enclave is the opaque trusted-execution capability. All concrete backends
// (SGX, TDX, simulated) implement this interface; nothing else in the manager
// depends on a particular TEE runtime.
type Enclave interface {
	// CreateSignupData produces the enclave's signup output: identity keys,
	// encryption key plus signature, and proof data.
	CreateSignupData() (*SignupData, error)

	// Measurement returns the enclave measurement as a hex string.
	Measurement() (string, error)

	// GenerateNonce returns a fresh random hex nonce of n bytes, generated
	// inside the trust boundary.
	GenerateNonce(n int) (string, error)

	// Sign signs the SHA-256 digest of data with the enclave's signing key.
	Sign(data []byte) ([]byte, error)

	// Verify checks a signature produced by Sign against the given
	// serialized public key. Returns ErrSignatureVerification on mismatch.
	Verify(pubkey []byte, data []byte, sig []byte) error

	// VerifyUniqueIDSignature verifies the authority's signature over a
	// unique verification key against the enclave's local trust anchor.
	VerifyUniqueIDSignature(uniqueKey string, signature string) error

	// Execute runs a work order request inside the enclave and returns the
	// execution response. Errors are reserved for infrastructure failures;
	// workload-level failures are reported in the response itself.
	Execute(ctx context.Context, req *WorkOrderRequest) (*ExecutionResponse, error)
}
