package enclave

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"github.com/ruteri/tee-workorder-manager/cryptoutils"
	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// Workload executes a single decrypted input inside the trust boundary and
// returns the plaintext result.
type Workload func(input []byte) ([]byte, error)

// SimpleEnclave is a deterministic Enclave implementation deriving all key
// material from a seed. It is suitable for development, testing, and
// simulated deployments; hardware-backed enclaves implement the same
// interface with sealed keys.
type SimpleEnclave struct {
	signingKey        *ecdsa.PrivateKey
	encryptionPrivPEM []byte
	encryptionPubPEM  []byte

	trustAnchor         string
	attestationProvider AttestationProvider
	workloads           map[string]Workload
	log                 *slog.Logger
}

// NewSimpleEnclave creates an enclave with keys derived from the seed.
// The seed must be at least 32 bytes long.
func NewSimpleEnclave(seed []byte, log *slog.Logger) (*SimpleEnclave, error) {
	if len(seed) < 32 {
		return nil, errors.New("enclave seed must be at least 32 bytes")
	}

	signingKey, err := deriveSigningKey(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	encryptionKey, err := deriveEncryptionKey(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	privPEM, pubPEM, err := cryptoutils.MarshalEncryptionKeyPair(encryptionKey)
	if err != nil {
		return nil, err
	}

	e := &SimpleEnclave{
		signingKey:          signingKey,
		encryptionPrivPEM:   privPEM,
		encryptionPubPEM:    pubPEM,
		attestationProvider: SimulatedAttestationProvider{},
		workloads:           map[string]Workload{},
		log:                 log,
	}
	e.RegisterWorkload("echo", func(input []byte) ([]byte, error) {
		return input, nil
	})

	return e, nil
}

// WithAttestationProvider replaces the attestation provider used for proof
// data generation.
func (e *SimpleEnclave) WithAttestationProvider(provider AttestationProvider) *SimpleEnclave {
	e.attestationProvider = provider
	return e
}

// WithTrustAnchor sets the hex verifying key used to check unique
// verification key signatures issued by the key management authority.
func (e *SimpleEnclave) WithTrustAnchor(verifyingKeyHex string) *SimpleEnclave {
	e.trustAnchor = verifyingKeyHex
	return e
}

// RegisterWorkload makes a workload invocable by name.
func (e *SimpleEnclave) RegisterWorkload(name string, fn Workload) {
	e.workloads[name] = fn
}

// EncryptionPublicKey returns the enclave's public encryption key PEM.
func (e *SimpleEnclave) EncryptionPublicKey() []byte {
	return e.encryptionPubPEM
}

// CreateSignupData produces the enclave's identity material: verifying key,
// encryption key with signature, measurement-bound proof data.
func (e *SimpleEnclave) CreateSignupData() (*interfaces.SignupData, error) {
	verifyingKey := cryptoutils.MarshalVerifyingKey(e.signingKey)

	encryptionKeySignature, err := cryptoutils.SignDigest(e.signingKey, e.encryptionPubPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to sign encryption key: %w", err)
	}

	var reportData [64]byte
	identityDigest := sha256.Sum256([]byte(verifyingKey))
	copy(reportData[:32], identityDigest[:])
	encryptionDigest := sha256.Sum256(e.encryptionPubPEM)
	copy(reportData[32:], encryptionDigest[:])

	proofData, err := e.attestationProvider.Attest(reportData)
	if err != nil {
		return nil, fmt.Errorf("failed to attest signup data: %w", err)
	}

	return &interfaces.SignupData{
		EnclaveID:              verifyingKey,
		VerifyingKey:           verifyingKey,
		EncryptionKey:          string(e.encryptionPubPEM),
		EncryptionKeySignature: encryptionKeySignature,
		ProofData:              string(proofData),
		SealedData:             nil,
	}, nil
}

// Measurement returns the enclave measurement, derived from the signing
// identity in this simulated implementation.
func (e *SimpleEnclave) Measurement() (string, error) {
	sum := sha256.Sum256(crypto.FromECDSAPub(&e.signingKey.PublicKey))
	return hex.EncodeToString(sum[:]), nil
}

// GenerateNonce returns n random bytes as a hex string.
func (e *SimpleEnclave) GenerateNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign signs data with the enclave's signing key.
func (e *SimpleEnclave) Sign(data []byte) ([]byte, error) {
	sig, err := cryptoutils.SignDigest(e.signingKey, data)
	if err != nil {
		return nil, err
	}
	return []byte(sig), nil
}

// Verify checks a signature against the given hex verifying key.
func (e *SimpleEnclave) Verify(pubkey []byte, data []byte, sig []byte) error {
	if err := cryptoutils.VerifyDigest(string(pubkey), data, string(sig)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSignatureVerification, err)
	}
	return nil
}

// VerifyUniqueIDSignature verifies the authority's signature over a unique
// verification key against the configured trust anchor.
func (e *SimpleEnclave) VerifyUniqueIDSignature(uniqueKey string, signature string) error {
	if e.trustAnchor == "" {
		return errors.New("no trust anchor configured")
	}
	if err := cryptoutils.VerifyDigest(e.trustAnchor, []byte(uniqueKey), signature); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSignatureVerification, err)
	}
	return nil
}

// Execute runs the request's workload over its decrypted input data and
// returns a signed, session-encrypted response. Workload-level failures are
// reported in the response status, not as errors.
func (e *SimpleEnclave) Execute(ctx context.Context, req *interfaces.WorkOrderRequest) (*interfaces.ExecutionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionKey, sessionIV, err := e.unwrapSession(req)
	if err != nil {
		return e.failedResponse(req, fmt.Sprintf("could not unwrap session key: %v", err)), nil
	}

	workloadName, err := decodeWorkloadID(req.WorkloadID)
	if err != nil {
		return e.failedResponse(req, err.Error()), nil
	}

	workload, ok := e.workloads[workloadName]
	if !ok {
		return e.failedResponse(req, fmt.Sprintf("unknown workload %q", workloadName)), nil
	}

	workerNonce, err := e.GenerateNonce(16)
	if err != nil {
		return nil, err
	}

	result := &interfaces.ExecutionResult{
		WorkOrderID: req.WorkOrderID,
		WorkerID:    req.WorkerID,
		WorkloadID:  req.WorkloadID,
		WorkerNonce: workerNonce,
		Status:      interfaces.StatusSuccess,
	}

	for _, in := range req.InData {
		input := []byte(in.Data)
		if sessionKey != nil {
			input, err = cryptoutils.DecryptSessionData(in.Data, sessionKey, sessionIV)
			if err != nil {
				return e.failedResponse(req, fmt.Sprintf("could not decrypt input %d: %v", in.Index, err)), nil
			}
		}

		output, err := workload(input)
		if err != nil {
			return e.failedResponse(req, fmt.Sprintf("workload failed: %v", err)), nil
		}

		outData := string(output)
		if sessionKey != nil {
			outData, err = cryptoutils.EncryptSessionData(output, sessionKey, sessionIV)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt output: %w", err)
			}
		}
		result.OutData = append(result.OutData, interfaces.InData{Index: in.Index, Data: outData})
	}

	sig, err := cryptoutils.SignDigest(e.signingKey, cryptoutils.ResponseSigningBytes(result))
	if err != nil {
		return nil, fmt.Errorf("failed to sign response: %w", err)
	}
	result.Signature = sig

	return &interfaces.ExecutionResponse{JSONRPC: "2.0", Result: result}, nil
}

func (e *SimpleEnclave) unwrapSession(req *interfaces.WorkOrderRequest) (key, iv []byte, err error) {
	if req.EncryptedSessionKey == "" {
		return nil, nil, nil
	}

	wrapped, err := base64.StdEncoding.DecodeString(req.EncryptedSessionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid encrypted session key encoding: %w", err)
	}

	key, err = cryptoutils.DecryptWithPrivateKey(e.encryptionPrivPEM, wrapped)
	if err != nil {
		return nil, nil, err
	}

	iv, err = base64.StdEncoding.DecodeString(req.SessionKeyIV)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid session IV encoding: %w", err)
	}

	return key, iv, nil
}

func (e *SimpleEnclave) failedResponse(req *interfaces.WorkOrderRequest, message string) *interfaces.ExecutionResponse {
	e.log.Error("Work order execution failed", "workOrderId", req.WorkOrderID, "reason", message)
	return &interfaces.ExecutionResponse{
		JSONRPC: "2.0",
		Result: &interfaces.ExecutionResult{
			WorkOrderID: req.WorkOrderID,
			WorkerID:    req.WorkerID,
			WorkloadID:  req.WorkloadID,
			Status:      interfaces.StatusFailed,
			Message:     message,
		},
	}
}

func decodeWorkloadID(workloadIDHex string) (string, error) {
	name, err := hex.DecodeString(workloadIDHex)
	if err != nil {
		return "", fmt.Errorf("invalid workload id encoding: %w", err)
	}
	return string(name), nil
}

func deriveSigningKey(seed []byte) (*ecdsa.PrivateKey, error) {
	material := make([]byte, 32)
	kdf := hkdf.New(sha256.New, seed, nil, []byte("workorder-manager/signing"))
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, err
	}
	return crypto.ToECDSA(material)
}

func deriveEncryptionKey(seed []byte) (*ecdsa.PrivateKey, error) {
	material := make([]byte, 32)
	kdf := hkdf.New(sha256.New, seed, nil, []byte("workorder-manager/encryption"))
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, err
	}

	curve := elliptic.P256()
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         new(big.Int).SetBytes(material),
	}
	key.D.Mod(key.D, curve.Params().N)
	if key.D.Sign() == 0 {
		return nil, errors.New("derived zero scalar for encryption key")
	}
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(key.D.Bytes())

	return key, nil
}
