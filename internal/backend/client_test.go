package backend

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/kestrelnet/relay/internal/backend/mocks"
)

func jsonResponse(t *testing.T, status int, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(string(raw))),
	}
}

func TestClientInitSendsSealedProofAndParsesTimestamp(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := mocks.NewMockDoer(ctrl)

	relayPub, relayPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = relayPub

	doer.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "/relay_init", req.URL.Path)
		var decoded InitRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&decoded))
		require.Equal(t, uint32(MagicRequestProtection), decoded.MagicRequestProtection)
		require.NotEmpty(t, decoded.Nonce)
		require.NotEmpty(t, decoded.EncryptedToken)
		return jsonResponse(t, http.StatusOK, InitResponse{Version: ProtocolVersion, TimestampMillis: 42000}), nil
	})

	c := NewClient("http://backend.example", doer)
	routerPub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	version, timestampSeconds, err := c.Init(context.Background(), "203.0.113.5:40000", relayPriv, routerPub)
	require.NoError(t, err)
	require.Equal(t, ProtocolVersion, version)
	require.Equal(t, uint64(42), timestampSeconds)
}

func TestClientInitVersionMismatchErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := mocks.NewMockDoer(ctrl)

	relayPub, relayPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = relayPub
	routerPub, _, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	doer.EXPECT().Do(gomock.Any()).Return(jsonResponse(t, http.StatusOK, InitResponse{Version: 999}), nil)

	c := NewClient("http://backend.example", doer)
	_, _, err = c.Init(context.Background(), "203.0.113.5:40000", relayPriv, routerPub)
	require.Error(t, err)
}

func TestClientUpdatePostsAndParsesResponse(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := mocks.NewMockDoer(ctrl)

	doer.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
		require.Equal(t, "/relay_update", req.URL.Path)
		var decoded UpdateRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&decoded))
		require.True(t, decoded.ShuttingDown)
		return jsonResponse(t, http.StatusOK, UpdateResponse{Version: ProtocolVersion, Timestamp: 100}), nil
	})

	c := NewClient("http://backend.example", doer)
	resp, err := c.Update(context.Background(), UpdateRequest{ShuttingDown: true})
	require.NoError(t, err)
	require.Equal(t, uint64(100), resp.Timestamp)
}

func TestClientUpdateNonOKStatusErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	doer := mocks.NewMockDoer(ctrl)

	doer.EXPECT().Do(gomock.Any()).Return(&http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       io.NopCloser(strings.NewReader("boom")),
	}, nil)

	c := NewClient("http://backend.example", doer)
	_, err := c.Update(context.Background(), UpdateRequest{})
	require.Error(t, err)
}
