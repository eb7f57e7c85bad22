package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	req := &Request{
		ID:     "req-1",
		Method: "POST",
		Path:   "/ping",
		Headers: Headers{
			{Name: "X-First", Value: "1"},
			{Name: "X-Second", Value: "2"},
		},
		Body: []byte("hello"),
	}

	data, err := EncodeRequest(req)
	require.NoError(t, err)

	got, err := DecodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, req.ID, got.ID)
	require.Equal(t, req.Method, got.Method)
	require.Equal(t, req.Path, got.Path)
	require.Equal(t, req.Headers, got.Headers)
	require.True(t, bytes.Equal(req.Body, got.Body))
}

func TestRequestRoundTripNilBodyDistinctFromEmpty(t *testing.T) {
	t.Parallel()

	noBody := &Request{ID: "a", Method: "GET", Path: "/"}
	data, err := EncodeRequest(noBody)
	require.NoError(t, err)
	got, err := DecodeRequest(data)
	require.NoError(t, err)
	require.Nil(t, got.Body)

	emptyBody := &Request{ID: "b", Method: "GET", Path: "/", Body: []byte{}}
	data, err = EncodeRequest(emptyBody)
	require.NoError(t, err)
	got, err = DecodeRequest(data)
	require.NoError(t, err)
	require.NotNil(t, got.Body, "a present-but-empty body must survive the round trip distinct from no body at all")
	require.Len(t, got.Body, 0)
}

func TestResponseRoundTripPreservesStatusAndHeaderOrder(t *testing.T) {
	t.Parallel()

	resp := &Response{
		ID:     "req-1",
		Status: 201,
		Headers: Headers{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "X-Trace", Value: "abc"},
		},
		Body: []byte(`{"ok":true}`),
	}

	data, err := EncodeResponse(resp)
	require.NoError(t, err)

	got, err := DecodeResponse(data)
	require.NoError(t, err)
	require.Equal(t, resp.Status, got.Status)
	require.Equal(t, resp.Headers, got.Headers)
	require.Equal(t, resp.Body, got.Body)
}

func TestDecodeRequestRejectsTruncatedPayload(t *testing.T) {
	t.Parallel()

	_, err := DecodeRequest([]byte(`{"id":"x","method":"GET"`))
	require.Error(t, err)
}

func TestDecodeRequestRejectsMissingID(t *testing.T) {
	t.Parallel()

	data, err := EncodeRequest(&Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	_, err = DecodeRequest(data)
	require.Error(t, err)
}

func TestEncodeRequestRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	req := &Request{ID: "x", Method: "GET", Path: "/", Body: make([]byte, MaxPayloadSize+1)}
	_, err := EncodeRequest(req)
	require.Error(t, err)
}

func TestHeadersGetCaseInsensitive(t *testing.T) {
	t.Parallel()

	h := Headers{{Name: "Content-Type", Value: "text/plain"}}
	v, ok := h.Get("content-type")
	require.True(t, ok)
	require.Equal(t, "text/plain", v)

	_, ok = h.Get("x-missing")
	require.False(t, ok)
}
