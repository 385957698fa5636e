// Package protocol defines the websocket event envelope shared by the
// server and its clients. It handles frame decoding, per-event payload
// validation, and outbound frame encoding.
package protocol
