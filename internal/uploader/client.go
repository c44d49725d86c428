package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrAuthExpired is returned when the credential endpoint rejects the bearer
// token (401). Callers branch on it to trigger re-authentication instead of
// blind retry.
var ErrAuthExpired = errors.New("auth token expired")

// ErrCredentialRequest is returned for any other credential endpoint
// failure: unreachable, non-2xx, or a malformed response.
var ErrCredentialRequest = errors.New("credential request failed")

// ErrTransferFailed is returned when the object PUT fails or returns a
// non-2xx status.
var ErrTransferFailed = errors.New("transfer failed")

// Credential is a time-limited write grant for one object.
type Credential struct {
	URL    string `json:"url"`
	Key    string `json:"key"`
	TaskID string `json:"taskId,omitempty"`
}

// TokenSource supplies the current bearer token for credential requests.
// Tokens expire, so the client asks on every request rather than caching.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed token.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }

// Client talks to the credential endpoint and the object store. Both calls
// carry a 30s timeout so a hung connection cannot leave a segment stuck in
// syncing.
type Client struct {
	CredentialURL string
	Tokens        TokenSource
	ClientID      string
	HTTPClient    *http.Client
}

func NewClient(credentialURL string, tokens TokenSource, clientID string) *Client {
	return &Client{
		CredentialURL: credentialURL,
		Tokens:        tokens,
		ClientID:      clientID,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// UploadCredential requests a presigned write URL for a fresh object key.
func (c *Client) UploadCredential(ctx context.Context) (Credential, error) {
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: obtaining token: %v", ErrCredentialRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.CredentialURL, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: building request: %v", ErrCredentialRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.ClientID != "" {
		req.Header.Set("X-Client-UUID", c.ClientID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrCredentialRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Credential{}, fmt.Errorf("%w: credential endpoint returned 401", ErrAuthExpired)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Credential{}, fmt.Errorf("%w: endpoint returned %d: %s", ErrCredentialRequest, resp.StatusCode, bytes.TrimSpace(body))
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return Credential{}, fmt.Errorf("%w: decoding response: %v", ErrCredentialRequest, err)
	}
	if cred.URL == "" {
		return Credential{}, fmt.Errorf("%w: response carried no upload url", ErrCredentialRequest)
	}
	return cred, nil
}

// Put writes the payload to the presigned destination.
func (c *Client) Put(ctx context.Context, url string, payload []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrTransferFailed, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(payload))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: destination returned %d", ErrTransferFailed, resp.StatusCode)
	}
	return nil
}
