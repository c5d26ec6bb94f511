// Package contracts provides the core message types for the mvp24hours messaging client.
//
// This package defines the wire-level contracts shared by the publisher, the
// consumer dispatcher and the saga layer:
//   - Envelope: the serialized wrapper (payload + correlation token) carried as the message body
//   - Message: base interface for typed business messages
//   - Event: a message raised by a saga step
//
// The envelope format is compatible with the .NET implementation of mvp24hours
// so services written in either stack can exchange messages.
package contracts
