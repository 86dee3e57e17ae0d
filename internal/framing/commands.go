package framing

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Endpoint-broker request commands. The command body sits in the service
// payload of a frame addressed to the endpoint broker.
type EndpointCommand int32

const (
	EndpointNone          EndpointCommand = 0
	EndpointHandshake     EndpointCommand = 1
	EndpointEncryptionKey EndpointCommand = 2
	EndpointCancel        EndpointCommand = 3
)

// CredentialKind distinguishes handshake credentials
type CredentialKind int32

const (
	CredentialNone       CredentialKind = 0
	CredentialEncrypted  CredentialKind = 1
	CredentialRememberMe CredentialKind = 2
)

// WireKind distinguishes the transport a handshake claims to arrive on
type WireKind int32

const (
	WireUnknown WireKind = 0
	WireIPC     WireKind = 1
	WireStream  WireKind = 2
)

// HandshakeRequest carries the client identity presented at session start
type HandshakeRequest struct {
	ConnectionLabel string
	ApplicationName string
	CredentialKind  CredentialKind
	Credential      string
	WireKind        WireKind
	WireInformation string
}

// EndpointRequest is one parsed endpoint-broker command
type EndpointRequest struct {
	Command   EndpointCommand
	Handshake HandshakeRequest
}

// endpoint request field numbers: each command is a delimited submessage
const (
	fEpHandshake     = 1
	fEpEncryptionKey = 2
	fEpCancel        = 3
)

// handshake submessage fields
const (
	fHsLabel    = 1
	fHsAppName  = 2
	fHsCredKind = 3
	fHsCred     = 4
	fHsWireKind = 5
	fHsWireInfo = 6
)

// EncodeHandshakeRequest serializes a handshake command
func EncodeHandshakeRequest(h HandshakeRequest) []byte {
	var m []byte
	m = protowire.AppendTag(m, fHsLabel, protowire.BytesType)
	m = protowire.AppendString(m, h.ConnectionLabel)
	m = protowire.AppendTag(m, fHsAppName, protowire.BytesType)
	m = protowire.AppendString(m, h.ApplicationName)
	m = protowire.AppendTag(m, fHsCredKind, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(h.CredentialKind))
	m = protowire.AppendTag(m, fHsCred, protowire.BytesType)
	m = protowire.AppendString(m, h.Credential)
	m = protowire.AppendTag(m, fHsWireKind, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(h.WireKind))
	m = protowire.AppendTag(m, fHsWireInfo, protowire.BytesType)
	m = protowire.AppendString(m, h.WireInformation)

	var b []byte
	b = protowire.AppendTag(b, fEpHandshake, protowire.BytesType)
	b = protowire.AppendBytes(b, m)
	return b
}

// EncodeEncryptionKeyRequest serializes an encryption_key command
func EncodeEncryptionKeyRequest() []byte {
	var b []byte
	b = protowire.AppendTag(b, fEpEncryptionKey, protowire.BytesType)
	b = protowire.AppendBytes(b, nil)
	return b
}

// EncodeCancelRequest serializes a cancel command
func EncodeCancelRequest() []byte {
	var b []byte
	b = protowire.AppendTag(b, fEpCancel, protowire.BytesType)
	b = protowire.AppendBytes(b, nil)
	return b
}

// DecodeEndpointRequest parses an endpoint-broker command body
func DecodeEndpointRequest(buf []byte) (EndpointRequest, error) {
	var req EndpointRequest
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return req, ErrParse
		}
		buf = buf[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return req, ErrParse
			}
			buf = buf[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return req, ErrParse
		}
		buf = buf[n:]
		switch num {
		case fEpHandshake:
			req.Command = EndpointHandshake
			hs, err := decodeHandshake(v)
			if err != nil {
				return req, err
			}
			req.Handshake = hs
		case fEpEncryptionKey:
			req.Command = EndpointEncryptionKey
		case fEpCancel:
			req.Command = EndpointCancel
		}
	}
	if req.Command == EndpointNone {
		return req, ErrParse
	}
	return req, nil
}

func decodeHandshake(m []byte) (HandshakeRequest, error) {
	var h HandshakeRequest
	for len(m) > 0 {
		num, typ, n := protowire.ConsumeTag(m)
		if n < 0 {
			return h, ErrParse
		}
		m = m[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(m)
			if n < 0 {
				return h, ErrParse
			}
			m = m[n:]
			switch num {
			case fHsLabel:
				h.ConnectionLabel = string(v)
			case fHsAppName:
				h.ApplicationName = string(v)
			case fHsCred:
				h.Credential = string(v)
			case fHsWireInfo:
				h.WireInformation = string(v)
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return h, ErrParse
			}
			m = m[n:]
			switch num {
			case fHsCredKind:
				h.CredentialKind = CredentialKind(v)
			case fHsWireKind:
				h.WireKind = WireKind(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, m)
			if n < 0 {
				return h, ErrParse
			}
			m = m[n:]
		}
	}
	return h, nil
}

// Endpoint responses: success/error envelopes for handshake and
// encryption_key.
const (
	fRespSuccess = 1
	fRespError   = 2
)

const (
	fHsSuccessSessionID = 1
	fEkSuccessKey       = 1
)

// EncodeHandshakeSuccess serializes a successful handshake reply
func EncodeHandshakeSuccess(sessionID uint64) []byte {
	var m []byte
	m = protowire.AppendTag(m, fHsSuccessSessionID, protowire.VarintType)
	m = protowire.AppendVarint(m, sessionID)
	var b []byte
	b = protowire.AppendTag(b, fRespSuccess, protowire.BytesType)
	b = protowire.AppendBytes(b, m)
	return b
}

// EncodeEncryptionKeySuccess serializes a successful encryption_key reply
func EncodeEncryptionKeySuccess(key string) []byte {
	var m []byte
	m = protowire.AppendTag(m, fEkSuccessKey, protowire.BytesType)
	m = protowire.AppendString(m, key)
	var b []byte
	b = protowire.AppendTag(b, fRespSuccess, protowire.BytesType)
	b = protowire.AppendBytes(b, m)
	return b
}

// EncodeCommandError serializes an error reply carrying a diagnostic
func EncodeCommandError(d Diagnostic) []byte {
	var b []byte
	b = protowire.AppendTag(b, fRespError, protowire.BytesType)
	b = protowire.AppendBytes(b, EncodeDiagnostic(d))
	return b
}

// HandshakeResponse is a parsed handshake reply
type HandshakeResponse struct {
	OK        bool
	SessionID uint64
	Error     Diagnostic
}

// DecodeHandshakeResponse parses a handshake reply
func DecodeHandshakeResponse(buf []byte) (HandshakeResponse, error) {
	var r HandshakeResponse
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 || typ != protowire.BytesType {
			return r, ErrParse
		}
		buf = buf[n:]
		v, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return r, ErrParse
		}
		buf = buf[n:]
		switch num {
		case fRespSuccess:
			r.OK = true
			for len(v) > 0 {
				num, typ, n := protowire.ConsumeTag(v)
				if n < 0 {
					return r, ErrParse
				}
				v = v[n:]
				if num == fHsSuccessSessionID && typ == protowire.VarintType {
					id, n := protowire.ConsumeVarint(v)
					if n < 0 {
						return r, ErrParse
					}
					r.SessionID = id
					v = v[n:]
				} else {
					n := protowire.ConsumeFieldValue(num, typ, v)
					if n < 0 {
						return r, ErrParse
					}
					v = v[n:]
				}
			}
		case fRespError:
			d, err := DecodeDiagnostic(v)
			if err != nil {
				return r, err
			}
			r.Error = d
		}
	}
	return r, nil
}

// EncryptionKeyResponse is a parsed encryption_key reply
type EncryptionKeyResponse struct {
	OK    bool
	Key   string
	Error Diagnostic
}

// DecodeEncryptionKeyResponse parses an encryption_key reply
func DecodeEncryptionKeyResponse(buf []byte) (EncryptionKeyResponse, error) {
	var r EncryptionKeyResponse
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 || typ != protowire.BytesType {
			return r, ErrParse
		}
		buf = buf[n:]
		v, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return r, ErrParse
		}
		buf = buf[n:]
		switch num {
		case fRespSuccess:
			r.OK = true
			for len(v) > 0 {
				num, typ, n := protowire.ConsumeTag(v)
				if n < 0 {
					return r, ErrParse
				}
				v = v[n:]
				if num == fEkSuccessKey && typ == protowire.BytesType {
					key, n := protowire.ConsumeBytes(v)
					if n < 0 {
						return r, ErrParse
					}
					r.Key = string(key)
					v = v[n:]
				} else {
					n := protowire.ConsumeFieldValue(num, typ, v)
					if n < 0 {
						return r, ErrParse
					}
					v = v[n:]
				}
			}
		case fRespError:
			d, err := DecodeDiagnostic(v)
			if err != nil {
				return r, err
			}
			r.Error = d
		}
	}
	return r, nil
}

// Core routing commands: shutdown and update_expiration_time.

// ShutdownType selects the shutdown flavor
type ShutdownType int32

const (
	ShutdownNotSet   ShutdownType = 0
	ShutdownGraceful ShutdownType = 1
	ShutdownForceful ShutdownType = 2
)

// CoreCommand distinguishes parsed core requests
type CoreCommand int32

const (
	CoreNone                 CoreCommand = 0
	CoreShutdown             CoreCommand = 1
	CoreUpdateExpirationTime CoreCommand = 2
)

// CoreRequest is one parsed core routing command
type CoreRequest struct {
	Command      CoreCommand
	Shutdown     ShutdownType
	ExpirationMS *uint64 // nil when the client asked for the default refresh
}

const (
	fCoreShutdown = 1
	fCoreUpdate   = 2
)

const (
	fShutdownType = 1
	fUpdateMS     = 1
)

// EncodeShutdownRequest serializes a shutdown command
func EncodeShutdownRequest(t ShutdownType) []byte {
	var m []byte
	m = protowire.AppendTag(m, fShutdownType, protowire.VarintType)
	m = protowire.AppendVarint(m, uint64(t))
	var b []byte
	b = protowire.AppendTag(b, fCoreShutdown, protowire.BytesType)
	b = protowire.AppendBytes(b, m)
	return b
}

// EncodeUpdateExpirationTime serializes an update_expiration_time command.
// A nil ms refreshes to the default timeout.
func EncodeUpdateExpirationTime(ms *uint64) []byte {
	var m []byte
	if ms != nil {
		m = protowire.AppendTag(m, fUpdateMS, protowire.VarintType)
		m = protowire.AppendVarint(m, *ms)
	}
	var b []byte
	b = protowire.AppendTag(b, fCoreUpdate, protowire.BytesType)
	b = protowire.AppendBytes(b, m)
	return b
}

// DecodeCoreRequest parses a core routing command body
func DecodeCoreRequest(buf []byte) (CoreRequest, error) {
	var req CoreRequest
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 || typ != protowire.BytesType {
			return req, ErrParse
		}
		buf = buf[n:]
		v, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return req, ErrParse
		}
		buf = buf[n:]
		switch num {
		case fCoreShutdown:
			req.Command = CoreShutdown
			for len(v) > 0 {
				num, typ, n := protowire.ConsumeTag(v)
				if n < 0 {
					return req, ErrParse
				}
				v = v[n:]
				if num == fShutdownType && typ == protowire.VarintType {
					t, n := protowire.ConsumeVarint(v)
					if n < 0 {
						return req, ErrParse
					}
					req.Shutdown = ShutdownType(t)
					v = v[n:]
				} else {
					n := protowire.ConsumeFieldValue(num, typ, v)
					if n < 0 {
						return req, ErrParse
					}
					v = v[n:]
				}
			}
		case fCoreUpdate:
			req.Command = CoreUpdateExpirationTime
			for len(v) > 0 {
				num, typ, n := protowire.ConsumeTag(v)
				if n < 0 {
					return req, ErrParse
				}
				v = v[n:]
				if num == fUpdateMS && typ == protowire.VarintType {
					ms, n := protowire.ConsumeVarint(v)
					if n < 0 {
						return req, ErrParse
					}
					req.ExpirationMS = &ms
					v = v[n:]
				} else {
					n := protowire.ConsumeFieldValue(num, typ, v)
					if n < 0 {
						return req, ErrParse
					}
					v = v[n:]
				}
			}
		}
	}
	if req.Command == CoreNone {
		return req, ErrParse
	}
	return req, nil
}

// EncodeCoreSuccess serializes the empty success reply both core commands
// use
func EncodeCoreSuccess() []byte {
	var m []byte
	var b []byte
	b = protowire.AppendTag(b, fRespSuccess, protowire.BytesType)
	b = protowire.AppendBytes(b, m)
	return b
}
