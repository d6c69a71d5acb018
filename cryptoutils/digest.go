package cryptoutils

import (
	"bytes"

	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// ResponseSigningBytes builds the canonical byte string covered by a work
// order response signature: work order id, workload id, worker nonce, status,
// and every output data entry, in order. Both the signer (the executing
// enclave or the remote authority) and the verifier (EnvelopeCodec) must
// derive the same bytes.
func ResponseSigningBytes(result *interfaces.ExecutionResult) []byte {
	var buf bytes.Buffer
	buf.WriteString(result.WorkOrderID)
	buf.WriteString(result.WorkloadID)
	buf.WriteString(result.WorkerNonce)
	buf.WriteString(string(result.Status))
	for _, out := range result.OutData {
		buf.WriteString(out.Data)
	}
	return buf.Bytes()
}

// RequestHashBytes builds the canonical byte string hashed into a request's
// encryptedRequestHash field: requester nonce, work order id, worker id,
// workload id, requester id, and every input data entry, in order.
func RequestHashBytes(req *interfaces.WorkOrderRequest) []byte {
	var buf bytes.Buffer
	buf.WriteString(req.RequesterNonce)
	buf.WriteString(req.WorkOrderID)
	buf.WriteString(req.WorkerID)
	buf.WriteString(req.WorkloadID)
	buf.WriteString(req.RequesterID)
	for _, in := range req.InData {
		buf.WriteString(in.Data)
	}
	return buf.Bytes()
}
