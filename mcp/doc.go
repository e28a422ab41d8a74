// Package mcp contains the Model Context Protocol wire types the gateway
// speaks: method names, the initialize handshake, tool listing and tool call
// envelopes. It carries no transport logic.
//
// Tool schemas are stored per tenant as opaque JSON documents and are passed
// through to clients verbatim, so ListToolsResult holds raw messages rather
// than a decoded Tool type.
package mcp
