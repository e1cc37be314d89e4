// Package server implements the realtime presence and relay hub behind the
// chat application.
//
// Clients open a WebSocket, announce an identity with user:online, and from
// then on receive users:online snapshots, message:receive frames addressed
// to them, and typing indicators from everyone else. The implementation is
// organized into files for the hub and its registry, per-connection pumps,
// the wire protocol, origin checks, routing and HTTP handlers.
package server
