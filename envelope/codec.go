package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/tee-workorder-manager/cryptoutils"
	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// Codec seals work order requests for a specific remote worker and opens its
// signed responses. Every sealed request carries a fresh session key wrapped
// with the worker's encryption key; responses are rejected outright when the
// worker's signature does not verify.
type Codec struct {
	workerEncryptionKeyPEM []byte
	workerVerifyingKeyHex  string
	log                    *slog.Logger
}

// NewCodec creates a codec bound to a worker's published key material: the
// encryption key PEM used to wrap session keys and the hex verifying key used
// to check response signatures.
func NewCodec(encryptionKeyPEM []byte, verifyingKeyHex string, log *slog.Logger) *Codec {
	return &Codec{
		workerEncryptionKeyPEM: encryptionKeyPEM,
		workerVerifyingKeyHex:  verifyingKeyHex,
		log:                    log,
	}
}

// RequestParams describes one work order to seal. Inputs are plaintext; the
// codec encrypts them under the per-request session key.
type RequestParams struct {
	WorkOrderID string
	WorkerID    string
	Workload    string
	RequesterID string
	Inputs      [][]byte
}

// SealedRequest is a sealed work order: the JSON-RPC envelope ready to send,
// plus the session secrets needed to open the matching response. The session
// secrets never leave the requester.
type SealedRequest struct {
	Envelope   []byte
	RequestID  uint64
	Request    *interfaces.WorkOrderRequest
	sessionKey []byte
	sessionIV  []byte
}

type rpcEnvelope struct {
	JSONRPC string                       `json:"jsonrpc"`
	Method  string                       `json:"method"`
	ID      uint64                       `json:"id"`
	Params  *interfaces.WorkOrderRequest `json:"params"`
}

// Seal builds an encrypted work order request. A fresh session key and IV are
// generated for each call, the inputs and request hash are encrypted under
// them, and the key is wrapped with the worker's encryption key. The envelope
// invokes the workload by name: its JSON-RPC method is the workload
// identifier.
func (c *Codec) Seal(params RequestParams) (*SealedRequest, error) {
	sessionKey, err := cryptoutils.GenerateSessionKey()
	if err != nil {
		return nil, err
	}
	sessionIV, err := cryptoutils.GenerateSessionIV()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate requester nonce: %w", err)
	}

	req := &interfaces.WorkOrderRequest{
		WorkOrderID:             params.WorkOrderID,
		WorkerID:                params.WorkerID,
		WorkloadID:              hex.EncodeToString([]byte(params.Workload)),
		RequesterID:             params.RequesterID,
		WorkerEncryptionKey:     base64.StdEncoding.EncodeToString(c.workerEncryptionKeyPEM),
		DataEncryptionAlgorithm: cryptoutils.DataEncryptionAlgorithm,
		SessionKeyIV:            base64.StdEncoding.EncodeToString(sessionIV),
		RequesterNonce:          hex.EncodeToString(nonce),
	}

	for i, input := range params.Inputs {
		sealed, err := cryptoutils.EncryptSessionData(input, sessionKey, sessionIV)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt input %d: %w", i, err)
		}
		req.InData = append(req.InData, interfaces.InData{Index: i, Data: sealed})
	}

	requestDigest := sha256.Sum256(cryptoutils.RequestHashBytes(req))
	req.EncryptedRequestHash, err = cryptoutils.EncryptSessionData(requestDigest[:], sessionKey, sessionIV)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt request hash: %w", err)
	}

	wrappedKey, err := cryptoutils.EncryptWithPublicKey(c.workerEncryptionKeyPEM, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap session key: %w", err)
	}
	req.EncryptedSessionKey = base64.StdEncoding.EncodeToString(wrappedKey)

	var idBytes [8]byte
	if _, err := io.ReadFull(rand.Reader, idBytes[:]); err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}
	requestID := binary.BigEndian.Uint64(idBytes[:])

	envelope, err := json.Marshal(&rpcEnvelope{
		JSONRPC: "2.0",
		Method:  params.Workload,
		ID:      requestID,
		Params:  req,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request envelope: %w", err)
	}

	return &SealedRequest{
		Envelope:   envelope,
		RequestID:  requestID,
		Request:    req,
		sessionKey: sessionKey,
		sessionIV:  sessionIV,
	}, nil
}

// Open parses a raw response to a sealed request, verifies the worker's
// signature, and decrypts the output data. The decrypted outputs are returned
// separately; the result's OutData keeps the wire form.
//
// Responses failing signature verification are discarded and
// interfaces.ErrSignatureVerification is returned. A response carrying an
// error object is returned alongside a nil output list so callers can inspect
// the error code.
func (c *Codec) Open(sealed *SealedRequest, rawResponse []byte) (*interfaces.ExecutionResponse, [][]byte, error) {
	resp, err := interfaces.ParseExecutionResponse(string(rawResponse))
	if err != nil {
		return nil, nil, err
	}

	if resp.Error != nil {
		c.log.Debug("Work order response carries an error object",
			slog.String("workOrderId", sealed.Request.WorkOrderID),
			slog.Int("code", resp.Error.Code))
		return resp, nil, nil
	}

	if err := cryptoutils.VerifyDigest(c.workerVerifyingKeyHex,
		cryptoutils.ResponseSigningBytes(resp.Result), resp.Result.Signature); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", interfaces.ErrSignatureVerification, err)
	}

	outputs := make([][]byte, 0, len(resp.Result.OutData))
	for _, out := range resp.Result.OutData {
		plaintext, err := cryptoutils.DecryptSessionData(out.Data, sealed.sessionKey, sealed.sessionIV)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decrypt output %d: %w", out.Index, err)
		}
		outputs = append(outputs, plaintext)
	}

	return resp, outputs, nil
}
