// Package enclave provides Enclave capability implementations and attestation
// providers. SimpleEnclave derives deterministic keys from a seed and executes
// registered workloads; DCAP attestation binds identity material to a TDX
// platform when running in one.
package enclave
