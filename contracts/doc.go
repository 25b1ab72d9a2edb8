// Package contracts provides the wire types for the gofer remote method invocation protocol.
//
// This package defines everything that is placed on (or addressed through) the broker:
//   - Envelope: The only unit exchanged; carries either a request or a reply
//   - Request: Class name, method, positional and keyword arguments
//   - Result: The terminal outcome of a request (retval or exval)
//   - Destination: Queue and Topic addressing with the broker address grammar
//   - Window: Optional maintenance window passed through to the agent
//
// Envelopes are encoded as flat JSON records. The "version" field must exactly match
// ProtocolVersion or receivers discard the message.
package contracts
