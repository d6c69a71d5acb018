// Package envelope implements the encrypted request envelope used to talk to
// remote trusted workers. Each request gets its own AES-GCM session key,
// wrapped with the worker's published encryption key; responses are accepted
// only after the worker's signature verifies.
package envelope
