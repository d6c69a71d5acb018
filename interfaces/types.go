package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
)

// QueueStore table names. Each table is an independent key-value namespace
// within the shared store.
const (
	WorkersTable        = "workers"
	RequestsTable       = "requests"
	ScheduledTable      = "scheduled"
	ProcessingTable     = "processing"
	ResponsesTable      = "responses"
	ProcessedTable      = "processed"
	ReceiptsTable       = "receipts"
	ReceiptUpdatesTable = "receipt-updates"
)

// WorkOrderStatus is the lifecycle state of a work order, stored as a short
// tag in the status-marker tables.
type WorkOrderStatus string

const (
	StatusScheduled  WorkOrderStatus = "SCHEDULED"
	StatusProcessing WorkOrderStatus = "PROCESSING"
	StatusSuccess    WorkOrderStatus = "SUCCESS"
	StatusFailed     WorkOrderStatus = "FAILED"
)

// ReceiptUpdateType classifies a single receipt update.
type ReceiptUpdateType int

const (
	// ReceiptProcessed records a successfully processed execution.
	ReceiptProcessed ReceiptUpdateType = 2

	// ReceiptFailed records a failed execution.
	ReceiptFailed ReceiptUpdateType = 3

	// ReceiptCompleted is terminal; a receipt carrying a COMPLETED update
	// accepts no further updates.
	ReceiptCompleted ReceiptUpdateType = 4
)

// String returns the receipt update type name.
func (t ReceiptUpdateType) String() string {
	switch t {
	case ReceiptProcessed:
		return "PROCESSED"
	case ReceiptFailed:
		return "FAILED"
	case ReceiptCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// RPCCodePending is the JSON-RPC error code indicating a work order was
// accepted but has not finished computing. Any other error code is terminal.
const RPCCodePending = 2

// RPCError is the error object of a JSON-RPC work order response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// InData is a single entry of a work order's input (or output) data list.
// Data is base64-encoded, encrypted with the request's session key unless the
// request is unencrypted.
type InData struct {
	Index    int    `json:"index"`
	Data     string `json:"data"`
	DataHash string `json:"dataHash,omitempty"`
	IV       string `json:"iv,omitempty"`
}

// WorkOrderRequest is the structured work order submitted by a requester.
// Field names follow the work order invocation wire format.
type WorkOrderRequest struct {
	ResponseTimeoutMSecs    int      `json:"responseTimeoutMSecs,omitempty"`
	PayloadFormat           string   `json:"payloadFormat,omitempty"`
	ResultURI               string   `json:"resultUri,omitempty"`
	NotifyURI               string   `json:"notifyUri,omitempty"`
	WorkOrderID             string   `json:"workOrderId"`
	WorkerID                string   `json:"workerId"`
	WorkloadID              string   `json:"workloadId"`
	RequesterID             string   `json:"requesterId"`
	WorkerEncryptionKey     string   `json:"workerEncryptionKey,omitempty"`
	DataEncryptionAlgorithm string   `json:"dataEncryptionAlgorithm,omitempty"`
	EncryptedSessionKey     string   `json:"encryptedSessionKey,omitempty"`
	SessionKeyIV            string   `json:"sessionKeyIv,omitempty"`
	RequesterNonce          string   `json:"requesterNonce,omitempty"`
	EncryptedRequestHash    string   `json:"encryptedRequestHash,omitempty"`
	RequesterSignature      string   `json:"requesterSignature,omitempty"`
	InData                  []InData `json:"inData,omitempty"`
}

// ParseWorkOrderRequest validates and decodes a serialized work order request
// at the storage/wire boundary.
func ParseWorkOrderRequest(raw string) (*WorkOrderRequest, error) {
	var req WorkOrderRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("malformed work order request: %w", err)
	}
	return &req, nil
}

// ExecutionResult is the result object of a work order response.
type ExecutionResult struct {
	WorkOrderID string          `json:"workOrderId"`
	WorkerID    string          `json:"workerId,omitempty"`
	WorkloadID  string          `json:"workloadId,omitempty"`
	WorkerNonce string          `json:"workerNonce,omitempty"`
	Status      WorkOrderStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	OutData     []InData        `json:"outData,omitempty"`

	// Signature covers the canonical response bytes and is produced by the
	// responding worker's signing key.
	Signature string `json:"signature,omitempty"`
}

// ExecutionResponse is the full JSON-RPC-shaped response persisted in the
// responses table and returned over the wire.
type ExecutionResponse struct {
	JSONRPC string           `json:"jsonrpc,omitempty"`
	ID      uint64           `json:"id,omitempty"`
	Result  *ExecutionResult `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// Failed reports whether the response indicates a terminal execution failure.
func (r *ExecutionResponse) Failed() bool {
	if r.Error != nil {
		return true
	}
	return r.Result != nil && r.Result.Status == StatusFailed
}

// ParseExecutionResponse validates and decodes a serialized response at the
// storage boundary.
func ParseExecutionResponse(raw string) (*ExecutionResponse, error) {
	var resp ExecutionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("malformed work order response: %w", err)
	}
	if resp.Result == nil && resp.Error == nil {
		return nil, errors.New("malformed work order response: neither result nor error present")
	}
	return &resp, nil
}

// Serialize encodes the response for storage.
func (r *ExecutionResponse) Serialize() (string, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("could not serialize work order response: %w", err)
	}
	return string(out), nil
}

// ReceiptUpdate is one signed entry of a work order receipt's update log.
type ReceiptUpdate struct {
	WorkOrderID     string            `json:"workOrderId"`
	UpdaterID       string            `json:"updaterId"`
	UpdateType      ReceiptUpdateType `json:"updateType"`
	UpdateData      string            `json:"updateData"`
	UpdateSignature string            `json:"updateSignature"`
	SignatureRules  string            `json:"signatureRules,omitempty"`
}

var (
	// ErrKeyNotFound is returned when a key is absent from a queue table.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreUnavailable is returned when the queue store cannot be reached.
	// Operations failing with this error are retried on the next cycle.
	ErrStoreUnavailable = errors.New("queue store unavailable")

	// ErrReceiptFrozen is returned when an update is attempted on a receipt
	// whose last update is COMPLETED.
	ErrReceiptFrozen = errors.New("receipt is completed, no further updates allowed")

	// ErrSignatureVerification is returned when a response or key signature
	// does not verify. Payloads failing verification are never used.
	ErrSignatureVerification = errors.New("signature verification failed")

	// ErrNoResult is returned when a handshake step yields no usable result.
	// Callers must treat it as total step failure.
	ErrNoResult = errors.New("no result from key management authority")
)
