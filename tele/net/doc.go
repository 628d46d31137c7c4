// Plain TCP transport for signed sensor readings.
//
// One connection carries exactly one exchange: device sends a 100 byte frame
// (36 byte reading + r + s), server replies "OK" or "FIRMA INVALIDA" and closes.
// There is no length prefix, connection itself is the frame boundary.
// Frames of any other size are dropped without reply.
package telenet
