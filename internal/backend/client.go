package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kestrelnet/relay/internal/crypto"
)

// Doer is the subset of *http.Client this package needs — the seam
// internal/backend's gomock-based tests mock, in the conventional
// mockgen output shape (see DESIGN.md).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the /relay_init and /relay_update HTTP/JSON transport.
type Client struct {
	BaseURL string
	HTTP    Doer
}

// NewClient constructs a Client posting against baseURL via doer.
func NewClient(baseURL string, doer Doer) *Client {
	return &Client{BaseURL: baseURL, HTTP: doer}
}

// Init performs the one-shot /relay_init handshake: it proves ownership
// of relayPriv by sealing a zero payload for routerPub, per spec.md §4.7.
// Returns the backend's protocol version and its timestamp converted to
// seconds (the wire value is milliseconds).
func (c *Client) Init(ctx context.Context, relayAddress string, relayPriv *[crypto.BoxPrivateKeySize]byte, routerPub *[crypto.BoxPublicKeySize]byte) (version uint32, timestampSeconds uint64, err error) {
	var nonce [crypto.BoxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return 0, 0, fmt.Errorf("backend: nonce: %w", err)
	}
	var zeros [32]byte
	sealed := crypto.SealBoxDetached(relayPriv, routerPub, &nonce, zeros[:])

	req := InitRequest{
		MagicRequestProtection: MagicRequestProtection,
		Version:                ProtocolVersion,
		RelayAddress:           relayAddress,
		Nonce:                  base64.StdEncoding.EncodeToString(nonce[:]),
		EncryptedToken:         base64.StdEncoding.EncodeToString(sealed),
	}

	var resp InitResponse
	if err := c.doJSON(ctx, "/relay_init", req, &resp); err != nil {
		return 0, 0, err
	}
	if resp.Version != ProtocolVersion {
		return resp.Version, 0, fmt.Errorf("backend: relay_init version mismatch: got %d, want %d", resp.Version, ProtocolVersion)
	}
	return resp.Version, resp.TimestampMillis / 1000, nil
}

// Update posts one /relay_update request and returns the parsed response.
func (c *Client) Update(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	var resp UpdateResponse
	if err := c.doJSON(ctx, "/relay_update", req, &resp); err != nil {
		return UpdateResponse{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("backend: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("backend: %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("backend: %s: read response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: %s: status %d: %s", path, resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("backend: %s: decode response: %w", path, err)
	}
	return nil
}
