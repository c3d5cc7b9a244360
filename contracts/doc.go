// Package contracts provides the bridge-native message model.
//
// A Message carries:
//   - Headers: string to string map, order irrelevant
//   - CorrelationID: optional, echoed on replies
//   - ReplyTo: optional reply destination descriptor
//   - Body: an opaque byte payload or structured key/value fields
//   - Timestamp: taken from an injected TimeSource
//
// Messages are immutable once created. Transforms derive new messages with
// the With methods instead of mutating their input.
package contracts
