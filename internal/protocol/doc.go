// Package protocol owns the relay link wire contract.
//
// Ownership boundary:
// - frame/header primitives and the receive accumulator (frame)
// - handshake control payloads, retry tiers and transport security (session)
// - the closed failure taxonomy shared by both
package protocol
