// Package framing encodes and decodes the endpoint protocol envelope: the
// varint-delimited framework headers that wrap every request and response
// payload, plus the endpoint-broker and core routing command bodies and
// server diagnostics records.
package framing

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrParse reports a malformed envelope or command body
var ErrParse = errors.New("framing: parse error")

// BlobRef is one framing-layer blob descriptor: a reference to a file, not
// its bytes.
type BlobRef struct {
	ChannelName string
	Path        string
	Temporary   bool
}

// RequestHeader is the framework header of a request frame
type RequestHeader struct {
	SessionID uint64
	ServiceID uint64
	Blobs     []BlobRef
}

// PayloadType values of a response frame
const (
	PayloadServiceResult     int32 = 1
	PayloadServerDiagnostics int32 = 2
)

// ResponseHeader is the framework header of a response frame
type ResponseHeader struct {
	SessionID   uint64
	PayloadType int32
	Blobs       []BlobRef
}

// field numbers of the framework request header
const (
	fSessionID = 1
	fServiceID = 2
	fBlobs     = 3
)

// field numbers of the framework response header
const (
	fRespSessionID   = 1
	fRespPayloadType = 2
	fRespBlobs       = 3
)

// field numbers of a blob descriptor
const (
	fBlobChannel   = 1
	fBlobPath      = 2
	fBlobTemporary = 3
)

func appendBlob(b []byte, num protowire.Number, blob BlobRef) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	var m []byte
	m = protowire.AppendTag(m, fBlobChannel, protowire.BytesType)
	m = protowire.AppendString(m, blob.ChannelName)
	m = protowire.AppendTag(m, fBlobPath, protowire.BytesType)
	m = protowire.AppendString(m, blob.Path)
	if blob.Temporary {
		m = protowire.AppendTag(m, fBlobTemporary, protowire.VarintType)
		m = protowire.AppendVarint(m, 1)
	}
	return protowire.AppendBytes(b, m)
}

func parseBlob(m []byte) (BlobRef, error) {
	var blob BlobRef
	for len(m) > 0 {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return blob, ErrParse
		}
		m = m[n:]
		switch {
		case num == fBlobChannel && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return blob, ErrParse
			}
			blob.ChannelName = string(v)
			m = m[n:]
		case num == fBlobPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return blob, ErrParse
			}
			blob.Path = string(v)
			m = m[n:]
		case num == fBlobTemporary && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return blob, ErrParse
			}
			blob.Temporary = v != 0
			m = m[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, m)
			if n < 0 {
				return blob, ErrParse
			}
			m = m[n:]
		}
	}
	return blob, nil
}

// EncodeRequest builds a request payload: delimited framework header
// followed by the delimited service body.
func EncodeRequest(hdr RequestHeader, body []byte) []byte {
	var h []byte
	h = protowire.AppendTag(h, fSessionID, protowire.VarintType)
	h = protowire.AppendVarint(h, hdr.SessionID)
	h = protowire.AppendTag(h, fServiceID, protowire.VarintType)
	h = protowire.AppendVarint(h, hdr.ServiceID)
	for _, blob := range hdr.Blobs {
		h = appendBlob(h, fBlobs, blob)
	}

	out := protowire.AppendBytes(nil, h)
	out = protowire.AppendBytes(out, body)
	return out
}

// DecodeRequest parses a request payload into its framework header and
// service body. The body slice aliases the input.
func DecodeRequest(buf []byte) (RequestHeader, []byte, error) {
	var hdr RequestHeader
	h, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return hdr, nil, ErrParse
	}
	buf = buf[n:]
	for len(h) > 0 {
		num, typ, n := protowire.ConsumeTag(h)
		if n < 0 {
			return hdr, nil, ErrParse
		}
		h = h[n:]
		switch {
		case num == fSessionID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(h)
			if n < 0 {
				return hdr, nil, ErrParse
			}
			hdr.SessionID = v
			h = h[n:]
		case num == fServiceID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(h)
			if n < 0 {
				return hdr, nil, ErrParse
			}
			hdr.ServiceID = v
			h = h[n:]
		case num == fBlobs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(h)
			if n < 0 {
				return hdr, nil, ErrParse
			}
			blob, err := parseBlob(v)
			if err != nil {
				return hdr, nil, err
			}
			hdr.Blobs = append(hdr.Blobs, blob)
			h = h[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, h)
			if n < 0 {
				return hdr, nil, ErrParse
			}
			h = h[n:]
		}
	}
	body, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return hdr, nil, ErrParse
	}
	return hdr, body, nil
}

// EncodeResponse builds a response payload: delimited framework response
// header followed by the delimited body.
func EncodeResponse(hdr ResponseHeader, body []byte) []byte {
	var h []byte
	h = protowire.AppendTag(h, fRespSessionID, protowire.VarintType)
	h = protowire.AppendVarint(h, hdr.SessionID)
	h = protowire.AppendTag(h, fRespPayloadType, protowire.VarintType)
	h = protowire.AppendVarint(h, uint64(hdr.PayloadType))
	for _, blob := range hdr.Blobs {
		h = appendBlob(h, fRespBlobs, blob)
	}

	out := protowire.AppendBytes(nil, h)
	out = protowire.AppendBytes(out, body)
	return out
}

// DecodeResponse parses a response payload into its framework header and
// body. The body slice aliases the input.
func DecodeResponse(buf []byte) (ResponseHeader, []byte, error) {
	var hdr ResponseHeader
	h, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return hdr, nil, ErrParse
	}
	buf = buf[n:]
	for len(h) > 0 {
		num, typ, n := protowire.ConsumeTag(h)
		if n < 0 {
			return hdr, nil, ErrParse
		}
		h = h[n:]
		switch {
		case num == fRespSessionID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(h)
			if n < 0 {
				return hdr, nil, ErrParse
			}
			hdr.SessionID = v
			h = h[n:]
		case num == fRespPayloadType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(h)
			if n < 0 {
				return hdr, nil, ErrParse
			}
			hdr.PayloadType = int32(v)
			h = h[n:]
		case num == fRespBlobs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(h)
			if n < 0 {
				return hdr, nil, ErrParse
			}
			blob, err := parseBlob(v)
			if err != nil {
				return hdr, nil, err
			}
			hdr.Blobs = append(hdr.Blobs, blob)
			h = h[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, h)
			if n < 0 {
				return hdr, nil, ErrParse
			}
			h = h[n:]
		}
	}
	body, n := protowire.ConsumeBytes(buf)
	if n < 0 {
		return hdr, nil, ErrParse
	}
	return hdr, body, nil
}

// Diagnostic is a server diagnostics record {code, message}
type Diagnostic struct {
	Code    int32
	Message string
}

const (
	fDiagCode    = 1
	fDiagMessage = 2
)

// EncodeDiagnostic serializes a diagnostics record
func EncodeDiagnostic(d Diagnostic) []byte {
	var b []byte
	b = protowire.AppendTag(b, fDiagCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Code))
	b = protowire.AppendTag(b, fDiagMessage, protowire.BytesType)
	b = protowire.AppendString(b, d.Message)
	return b
}

// DecodeDiagnostic parses a diagnostics record
func DecodeDiagnostic(buf []byte) (Diagnostic, error) {
	var d Diagnostic
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return d, ErrParse
		}
		buf = buf[n:]
		switch {
		case num == fDiagCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return d, ErrParse
			}
			d.Code = int32(v)
			buf = buf[n:]
		case num == fDiagMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return d, ErrParse
			}
			d.Message = string(v)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return d, ErrParse
			}
			buf = buf[n:]
		}
	}
	return d, nil
}

// String renders a diagnostic for logs
func (d Diagnostic) String() string {
	return fmt.Sprintf("diagnostic{code=%d, message=%q}", d.Code, d.Message)
}
