// Package signaling defines the call-signaling channel contract: the session
// and candidate records two clients share through the store, the typed errors
// the store boundary rejects with, and an in-memory reference implementation.
//
// The channel is the only coordination path between a caller and a callee.
// All enforcement that must hold across clients (write-once offer/answer,
// the status transition table, actor authorization) happens here, on the
// store's serialized read-modify-write, never in client-local state.
package signaling
