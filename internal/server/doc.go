// Package server implements the chat relay: TCP and WebSocket acceptors,
// per-connection sessions, the nickname and room Directory, command routing,
// room and private delivery, attachment relay, and the HTTP surface for
// health, metrics and administration.
//
// The implementation is organized into specialized files for configuration,
// sessions, the directory, commands, relay, files, admin operations and HTTP
// handlers to keep the codebase maintainable and testable as it grows.
package server
