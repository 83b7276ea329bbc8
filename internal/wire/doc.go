// Package wire frames middleware requests and responses on a stream socket.
//
// Each message is a fixed 32-byte big-endian header followed by a body. The
// header carries the correlation id, message type, response status, and the
// oneway flag; request bodies carry identity, operation, and the encoded
// variant payload.
package wire
