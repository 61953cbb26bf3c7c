// Package session owns relay link session helpers shared by the client and
// the relay.
//
// Ownership boundary:
// - client identity format and the announce/handshake control payloads
// - retry tiers for the connect loop
// - session timing defaults and transport security
package session
