// Package handshake implements the provisioning protocol a worker runs
// against a remote key management authority before it may process work
// orders. The protocol has three steps, each a single sealed envelope round
// trip, and fails closed: no step result is ever used unverified.
package handshake
