package framing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	body := []byte("service-body")
	frame := EncodeRequest(RequestHeader{SessionID: 10, ServiceID: 3}, body)

	hdr, got, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), hdr.SessionID)
	assert.Equal(t, uint64(3), hdr.ServiceID)
	assert.Empty(t, hdr.Blobs, "blob list is absent in ordinary requests")
	assert.Equal(t, body, got)
}

func TestRequestEnvelopeWithBlobs(t *testing.T) {
	blobs := []BlobRef{
		{ChannelName: "lob-1", Path: "/tmp/a.bin", Temporary: true},
		{ChannelName: "lob-2", Path: "/tmp/b.bin"},
	}
	frame := EncodeRequest(RequestHeader{SessionID: 1, ServiceID: 2, Blobs: blobs}, []byte("x"))

	hdr, body, err := DecodeRequest(frame)
	require.NoError(t, err)
	require.Len(t, hdr.Blobs, 2)
	assert.Equal(t, blobs, hdr.Blobs)
	assert.Equal(t, []byte("x"), body)
}

func TestResponseEnvelopeRoundTrip(t *testing.T) {
	frame := EncodeResponse(ResponseHeader{
		SessionID:   7,
		PayloadType: PayloadServiceResult,
		Blobs:       []BlobRef{{ChannelName: "out", Path: "/tmp/out.bin", Temporary: true}},
	}, []byte("result"))

	hdr, body, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), hdr.SessionID)
	assert.Equal(t, PayloadServiceResult, hdr.PayloadType)
	require.Len(t, hdr.Blobs, 1)
	assert.Equal(t, "out", hdr.Blobs[0].ChannelName)
	assert.Equal(t, []byte("result"), body)
}

func TestEmptyBodyRoundTrip(t *testing.T) {
	frame := EncodeRequest(RequestHeader{SessionID: 1, ServiceID: 1}, nil)
	_, body, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	_, _, err := DecodeRequest(bytes.Repeat([]byte{0xff}, 16))
	assert.Error(t, err)
}

func TestDiagnosticRoundTrip(t *testing.T) {
	d := Diagnostic{Code: 6, Message: "operation canceled"}
	got, err := DecodeDiagnostic(EncodeDiagnostic(d))
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestHandshakeCommandRoundTrip(t *testing.T) {
	hs := HandshakeRequest{
		ConnectionLabel: "label-1",
		ApplicationName: "app",
		CredentialKind:  CredentialEncrypted,
		Credential:      "secret",
		WireKind:        WireIPC,
		WireInformation: "db-1",
	}
	req, err := DecodeEndpointRequest(EncodeHandshakeRequest(hs))
	require.NoError(t, err)
	assert.Equal(t, EndpointHandshake, req.Command)
	assert.Equal(t, hs, req.Handshake)
}

func TestEncryptionKeyAndCancelCommands(t *testing.T) {
	req, err := DecodeEndpointRequest(EncodeEncryptionKeyRequest())
	require.NoError(t, err)
	assert.Equal(t, EndpointEncryptionKey, req.Command)

	req, err = DecodeEndpointRequest(EncodeCancelRequest())
	require.NoError(t, err)
	assert.Equal(t, EndpointCancel, req.Command)
}

func TestEndpointRequestRejectsEmpty(t *testing.T) {
	_, err := DecodeEndpointRequest(nil)
	assert.Error(t, err)
}

func TestHandshakeResponseRoundTrip(t *testing.T) {
	ok, err := DecodeHandshakeResponse(EncodeHandshakeSuccess(55))
	require.NoError(t, err)
	assert.True(t, ok.OK)
	assert.Equal(t, uint64(55), ok.SessionID)

	bad, err := DecodeHandshakeResponse(EncodeCommandError(Diagnostic{Code: 4, Message: "denied"}))
	require.NoError(t, err)
	assert.False(t, bad.OK)
	assert.Equal(t, int32(4), bad.Error.Code)
	assert.Equal(t, "denied", bad.Error.Message)
}

func TestEncryptionKeyResponseRoundTrip(t *testing.T) {
	ok, err := DecodeEncryptionKeyResponse(EncodeEncryptionKeySuccess("PEM-KEY"))
	require.NoError(t, err)
	assert.True(t, ok.OK)
	assert.Equal(t, "PEM-KEY", ok.Key)
}

func TestCoreShutdownRoundTrip(t *testing.T) {
	for _, st := range []ShutdownType{ShutdownNotSet, ShutdownGraceful, ShutdownForceful} {
		req, err := DecodeCoreRequest(EncodeShutdownRequest(st))
		require.NoError(t, err)
		assert.Equal(t, CoreShutdown, req.Command)
		assert.Equal(t, st, req.Shutdown)
	}
}

func TestCoreUpdateExpirationRoundTrip(t *testing.T) {
	// with an explicit value
	ms := uint64(45_000)
	req, err := DecodeCoreRequest(EncodeUpdateExpirationTime(&ms))
	require.NoError(t, err)
	assert.Equal(t, CoreUpdateExpirationTime, req.Command)
	require.NotNil(t, req.ExpirationMS)
	assert.Equal(t, ms, *req.ExpirationMS)

	// without a value: refresh to default
	req, err = DecodeCoreRequest(EncodeUpdateExpirationTime(nil))
	require.NoError(t, err)
	assert.Equal(t, CoreUpdateExpirationTime, req.Command)
	assert.Nil(t, req.ExpirationMS)
}
