// Package cryptoutils provides the cryptographic primitives shared by the
// work order manager: per-request AES-GCM session encryption, ECIES wrapping
// of session keys for a worker's public encryption key, and SECP256K1
// signing/verification of receipts and work order responses.
//
// Session keys and IVs are generated fresh per outbound request and never
// persisted; secrecy and integrity are re-established per message.
package cryptoutils
