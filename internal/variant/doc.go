// Package variant implements the generic tagged value tree exchanged as the
// payload of every middleware request and response.
//
// A Value holds exactly one of null, int, bool, string, double, sequence, or
// string-keyed map. Encode and Decode convert a tree to and from the protobuf
// wire format, which keeps the payload compact and lets the decoder reject
// malformed or overly deep input without reflection.
package variant
