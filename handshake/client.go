package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/tee-workorder-manager/envelope"
	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// Authority workload names, one per provisioning step.
const (
	workloadUniqueID   = "kme-uid"
	workloadRegister   = "kme-reg"
	workloadPreProcess = "kme-preproc"
)

// Client runs the three-step provisioning protocol against a remote key
// management authority. Every step is one sealed envelope round trip; any
// transport failure, malformed response, or unverifiable key collapses to
// interfaces.ErrNoResult so callers cannot accidentally proceed with a
// half-provisioned identity.
type Client struct {
	endpoint   string
	httpClient *http.Client
	codec      *envelope.Codec
	enclave    interfaces.Enclave
	workerID   string
	log        *slog.Logger
}

// Config collects the client's dependencies and the authority's published
// key material.
type Config struct {
	// Endpoint is the authority's HTTP JSON-RPC URL.
	Endpoint string

	// AuthorityWorkerID addresses the authority's worker in sealed requests.
	AuthorityWorkerID string

	// AuthorityEncryptionKeyPEM wraps session keys for the authority.
	AuthorityEncryptionKeyPEM []byte

	// AuthorityVerifyingKeyHex verifies the authority's response signatures.
	AuthorityVerifyingKeyHex string

	// Enclave provides nonces and verifies unique key signatures against the
	// local trust anchor.
	Enclave interfaces.Enclave

	HTTPClient *http.Client
	Log        *slog.Logger
}

// NewClient creates a provisioning client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		httpClient: httpClient,
		codec:      envelope.NewCodec(cfg.AuthorityEncryptionKeyPEM, cfg.AuthorityVerifyingKeyHex, cfg.Log),
		enclave:    cfg.Enclave,
		workerID:   cfg.AuthorityWorkerID,
		log:        cfg.Log,
	}
}

// Provision runs the full handshake: obtain and verify a unique verification
// key, then register the worker's signup material under it. It returns the
// verified unique key. Any failure means the worker must not start processing
// work orders.
func (c *Client) Provision(ctx context.Context, signup *interfaces.SignupData) (string, error) {
	uniqueKey, err := c.GetUniqueVerificationKey(ctx)
	if err != nil {
		return "", err
	}

	if err := c.RegisterWorkOrderProcessor(ctx, uniqueKey, signup); err != nil {
		return "", err
	}

	c.log.Info("Provisioning handshake complete")
	return uniqueKey, nil
}

// GetUniqueVerificationKey performs step one: send a fresh nonce and receive
// a unique verification key with the authority's signature over it. The key
// is returned only after the signature verifies against the enclave's trust
// anchor; every failure mode yields ErrNoResult.
func (c *Client) GetUniqueVerificationKey(ctx context.Context) (string, error) {
	nonce, err := c.enclave.GenerateNonce(16)
	if err != nil {
		return "", fmt.Errorf("%w: could not generate handshake nonce: %v", interfaces.ErrNoResult, err)
	}

	outputs, err := c.roundTrip(ctx, workloadUniqueID, [][]byte{[]byte(nonce)})
	if err != nil {
		return "", err
	}
	if len(outputs) == 0 {
		return "", fmt.Errorf("%w: unique key response carries no data", interfaces.ErrNoResult)
	}

	// The payload is a space-delimited triple:
	// result verificationKey verificationKeySignature
	fields := strings.Fields(string(outputs[0]))
	if len(fields) != 3 {
		return "", fmt.Errorf("%w: malformed unique key payload", interfaces.ErrNoResult)
	}
	if fields[0] != "0" {
		return "", fmt.Errorf("%w: authority reported verification result %s", interfaces.ErrNoResult, fields[0])
	}

	if err := c.enclave.VerifyUniqueIDSignature(fields[1], fields[2]); err != nil {
		c.log.Error("Unique verification key signature did not verify", "err", err)
		return "", fmt.Errorf("%w: %v", interfaces.ErrNoResult, err)
	}

	c.log.Info("Obtained unique verification key")
	return fields[1], nil
}

// registrationPayload is the step-two body carrying the worker's attestation
// material.
type registrationPayload struct {
	UniqueVerificationKey  string `json:"uniqueVerificationKey"`
	VerifyingKey           string `json:"verifyingKey"`
	EncryptionKey          string `json:"encryptionKey"`
	EncryptionKeySignature string `json:"encryptionKeySignature"`
	ProofData              string `json:"proofData"`
}

// RegisterWorkOrderProcessor performs step two: register the worker's signup
// material under the unique key obtained in step one. The confirmation body
// is opaque; an empty result means the registration did not happen.
func (c *Client) RegisterWorkOrderProcessor(ctx context.Context, uniqueKey string, signup *interfaces.SignupData) error {
	payload, err := json.Marshal(registrationPayload{
		UniqueVerificationKey:  uniqueKey,
		VerifyingKey:           signup.VerifyingKey,
		EncryptionKey:          signup.EncryptionKey,
		EncryptionKeySignature: signup.EncryptionKeySignature,
		ProofData:              signup.ProofData,
	})
	if err != nil {
		return fmt.Errorf("%w: could not marshal registration payload: %v", interfaces.ErrNoResult, err)
	}

	outputs, err := c.roundTrip(ctx, workloadRegister, [][]byte{payload})
	if err != nil {
		return err
	}
	if len(outputs) == 0 {
		return fmt.Errorf("%w: registration was not confirmed", interfaces.ErrNoResult)
	}

	c.log.Info("Registered work order processor with the authority")
	return nil
}

// PreProcessWorkOrder performs the optional step three: hand the original
// work order request and the worker's encryption key to the authority before
// normal execution. The result is authority-specific and may be empty.
func (c *Client) PreProcessWorkOrder(ctx context.Context, req *interfaces.WorkOrderRequest, workerEncryptionKeyPEM []byte) ([][]byte, error) {
	original, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: could not marshal work order for preprocessing: %v", interfaces.ErrNoResult, err)
	}

	return c.roundTrip(ctx, workloadPreProcess, [][]byte{original, workerEncryptionKeyPEM})
}

// roundTrip seals one request, posts it, and opens the response. Error
// responses and transport failures both collapse to ErrNoResult.
func (c *Client) roundTrip(ctx context.Context, workload string, inputs [][]byte) ([][]byte, error) {
	sealed, err := c.codec.Seal(envelope.RequestParams{
		WorkOrderID: uuid.New().String(),
		WorkerID:    c.workerID,
		Workload:    workload,
		RequesterID: "workorder-manager",
		Inputs:      inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: could not seal %s request: %v", interfaces.ErrNoResult, workload, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(sealed.Envelope))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrNoResult, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s round trip failed: %v", interfaces.ErrNoResult, workload, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read %s response: %v", interfaces.ErrNoResult, workload, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: authority returned status %d", interfaces.ErrNoResult, httpResp.StatusCode)
	}

	resp, outputs, err := c.codec.Open(sealed, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrNoResult, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: authority error %d: %s", interfaces.ErrNoResult, resp.Error.Code, resp.Error.Message)
	}
	if resp.Result.Status != interfaces.StatusSuccess {
		return nil, fmt.Errorf("%w: authority reported %s: %s", interfaces.ErrNoResult, resp.Result.Status, resp.Result.Message)
	}
	return outputs, nil
}
