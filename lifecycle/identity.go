package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/ruteri/tee-workorder-manager/cryptoutils"
	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// Worker descriptor constants published for requesters.
const (
	WorkerStatusActive = "ACTIVE"

	// WorkerTypeTEE marks a trusted-execution worker.
	WorkerTypeTEE = 1

	hashingAlgorithm       = "SHA-256"
	signingAlgorithm       = "SECP256K1"
	keyEncryptionAlgorithm = "ECIES-P256"
	payloadFormat          = "JSON-RPC"
	proofDataType          = "TEE-QUOTE"
)

// WorkerDescriptor is the public identity record a worker publishes so
// requesters can discover its keys, endpoints, and capabilities. It is keyed
// in the workers table by the identity hash of the verifying key.
type WorkerDescriptor struct {
	WorkerID          string        `json:"workerId"`
	Status            string        `json:"status"`
	WorkerType        int           `json:"workerType"`
	OrganizationID    string        `json:"organizationId,omitempty"`
	ApplicationTypeID string        `json:"applicationTypeId,omitempty"`
	Details           WorkerDetails `json:"details"`
}

// WorkerDetails carries the worker's service endpoints and cryptographic
// parameters. The URI fields stay empty in polling deployments, where
// requesters reach the worker through the shared store instead.
type WorkerDetails struct {
	WorkOrderSyncURI           string `json:"workOrderSyncUri,omitempty"`
	WorkOrderAsyncURI          string `json:"workOrderAsyncUri,omitempty"`
	WorkOrderPullURI           string `json:"workOrderPullUri,omitempty"`
	WorkOrderNotifyURI         string `json:"workOrderNotifyUri,omitempty"`
	ReceiptInvocationURI       string `json:"receiptInvocationUri,omitempty"`
	WorkOrderInvocationAddress string `json:"workOrderInvocationAddress,omitempty"`
	ReceiptInvocationAddress   string `json:"receiptInvocationAddress,omitempty"`

	HashingAlgorithm        string   `json:"hashingAlgorithm"`
	SigningAlgorithm        string   `json:"signingAlgorithm"`
	KeyEncryptionAlgorithm  string   `json:"keyEncryptionAlgorithm"`
	DataEncryptionAlgorithm string   `json:"dataEncryptionAlgorithm"`
	WorkOrderPayloadFormats []string `json:"workOrderPayloadFormats,omitempty"`

	WorkerTypeData WorkerTypeData `json:"workerTypeData"`
}

// WorkerTypeData holds the trusted-execution identity material: the keys a
// requester needs to seal work orders for this worker, plus the evidence to
// decide whether to trust it.
type WorkerTypeData struct {
	VerificationKey        string         `json:"verificationKey"`
	EncryptionKey          string         `json:"encryptionKey"`
	EncryptionKeySignature string         `json:"encryptionKeySignature"`
	ProofDataType          string         `json:"proofDataType,omitempty"`
	ProofData              string         `json:"proofData,omitempty"`
	ExtendedMeasurements   map[int]string `json:"extendedMeasurements,omitempty"`
}

// NewWorkerDescriptor builds the descriptor for an enclave's signup output.
// The worker id is the identity hash of the verifying key, so the same
// enclave identity always maps to the same worker id.
func NewWorkerDescriptor(signup *interfaces.SignupData, measurement, organizationID string) *WorkerDescriptor {
	return &WorkerDescriptor{
		WorkerID:       cryptoutils.IdentityHash(signup.VerifyingKey),
		Status:         WorkerStatusActive,
		WorkerType:     WorkerTypeTEE,
		OrganizationID: organizationID,
		Details: WorkerDetails{
			HashingAlgorithm:        hashingAlgorithm,
			SigningAlgorithm:        signingAlgorithm,
			KeyEncryptionAlgorithm:  keyEncryptionAlgorithm,
			DataEncryptionAlgorithm: cryptoutils.DataEncryptionAlgorithm,
			WorkOrderPayloadFormats: []string{payloadFormat},
			WorkerTypeData: WorkerTypeData{
				VerificationKey:        signup.VerifyingKey,
				EncryptionKey:          signup.EncryptionKey,
				EncryptionKeySignature: signup.EncryptionKeySignature,
				ProofDataType:          proofDataType,
				ProofData:              signup.ProofData,
				ExtendedMeasurements:   map[int]string{0: measurement},
			},
		},
	}
}

// WithSyncURI records the synchronous listener endpoint on the descriptor.
func (d *WorkerDescriptor) WithSyncURI(uri string) *WorkerDescriptor {
	d.Details.WorkOrderSyncURI = uri
	return d
}

// Serialize encodes the descriptor for the workers table.
func (d *WorkerDescriptor) Serialize() (string, error) {
	out, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("could not serialize worker descriptor: %w", err)
	}
	return string(out), nil
}

// ParseWorkerDescriptor decodes a descriptor read back from the workers table.
func ParseWorkerDescriptor(raw string) (*WorkerDescriptor, error) {
	var d WorkerDescriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("malformed worker descriptor: %w", err)
	}
	return &d, nil
}
