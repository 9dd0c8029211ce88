// Package server implements the real-time core of the chat hub.
//
// The implementation is organized into specialized files for configuration,
// the connection registry, chat subscriptions, presence, message posting, the
// call state machine, signaling relay rooms, the per-connection lifecycle, and
// the HTTP handlers that expose them.
package server
