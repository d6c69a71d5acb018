// Package interfaces defines the capability interfaces and shared data types
// of the work order manager: the QueueStore multi-queue abstraction, the
// opaque Enclave trusted-execution capability, the structured work order
// request/response records, and the sentinel errors used across components.
//
// Components accept these interfaces and return concrete types, so every
// storage backend and TEE runtime is interchangeable behind them.
package interfaces
