// Package server implements the RetroChat relay core: the fan-out bus, the
// per-connection session state machine, the TCP listener loop, and the
// optional WebSocket gateway.
//
// The implementation is organized into specialized files for the envelope
// codec, bus, sessions, listener, gateway, and configuration to keep the
// codebase maintainable and testable as the project grows.
package server
