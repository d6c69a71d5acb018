// Package kvstore provides QueueStore implementations over several backends
// and a URI-driven factory for selecting one at startup.
//
// All backends expose the same table/key/value model the work-order lifecycle
// is written against. The memory store backs tests, the file store backs
// single-host deployments, and the Vault and S3 stores back shared
// deployments where multiple components read the same queues.
package kvstore
