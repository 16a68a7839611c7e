package core

// Version is reported by the MCP initialize handshake and the HTTP
// version endpoint.
const Version = "0.1.0"
