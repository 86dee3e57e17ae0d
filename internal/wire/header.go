package wire

import (
	"encoding/binary"
)

// Framing headers are raw machine-endian structs; both sides of the wire
// run on the same host, so no byte-order conversion is done.

// MessageHeader frames one request message: {index u16, length u16}.
// Length excludes the header itself.
type MessageHeader struct {
	Idx    uint16
	Length uint16
}

// MessageHeaderSize is the wire size of a MessageHeader
const MessageHeaderSize = 4

// TerminateRequest is the reserved index of the zero-length message a
// client sends to end its session.
const TerminateRequest uint16 = 0xffff

// IsTerminate reports whether the header is the session-end sentinel
func (h MessageHeader) IsTerminate() bool {
	return h.Length == 0 && h.Idx == TerminateRequest
}

func (h MessageHeader) put(buf []byte) {
	binary.NativeEndian.PutUint16(buf[0:2], h.Idx)
	binary.NativeEndian.PutUint16(buf[2:4], h.Length)
}

func decodeMessageHeader(buf []byte) MessageHeader {
	return MessageHeader{
		Idx:    binary.NativeEndian.Uint16(buf[0:2]),
		Length: binary.NativeEndian.Uint16(buf[2:4]),
	}
}

// Response frame types carried in ResponseHeader.Type
const (
	ResponseBody     uint16 = 1
	ResponseBodyHead uint16 = 2
)

// ResponseHeader frames one response message: {index u16, type u16,
// length u32}. The all-zero header is the server-side shutdown sentinel.
type ResponseHeader struct {
	Idx    uint16
	Type   uint16
	Length uint32
}

// ResponseHeaderSize is the wire size of a ResponseHeader
const ResponseHeaderSize = 8

// IsShutdown reports whether the header is the server shutdown sentinel
func (h ResponseHeader) IsShutdown() bool {
	return h.Idx == 0 && h.Type == 0 && h.Length == 0
}

func (h ResponseHeader) put(buf []byte) {
	binary.NativeEndian.PutUint16(buf[0:2], h.Idx)
	binary.NativeEndian.PutUint16(buf[2:4], h.Type)
	binary.NativeEndian.PutUint32(buf[4:8], h.Length)
}

func decodeResponseHeader(buf []byte) ResponseHeader {
	return ResponseHeader{
		Idx:    binary.NativeEndian.Uint16(buf[0:2]),
		Type:   binary.NativeEndian.Uint16(buf[2:4]),
		Length: binary.NativeEndian.Uint32(buf[4:8]),
	}
}

// LengthHeader frames one result-set record: {length u32}
type LengthHeader struct {
	Length uint32
}

// LengthHeaderSize is the wire size of a LengthHeader
const LengthHeaderSize = 4

func (h LengthHeader) put(buf []byte) {
	binary.NativeEndian.PutUint32(buf[0:4], h.Length)
}

func decodeLengthHeader(buf []byte) LengthHeader {
	return LengthHeader{Length: binary.NativeEndian.Uint32(buf[0:4])}
}
