package keycache

import (
	"context"
	"fmt"

	"github.com/jmcleod/chatguard/apiclient"
)

// PublicKeyPath is the upstream key-distribution endpoint.
const PublicKeyPath = "/auth/public-key"

// Fetcher retrieves the public key from the key-distribution endpoint.
type Fetcher interface {
	FetchPublicKey(ctx context.Context) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (string, error)

func (f FetcherFunc) FetchPublicKey(ctx context.Context) (string, error) { return f(ctx) }

// HTTPFetcher fetches the key through the upstream API client.
type HTTPFetcher struct {
	client *apiclient.Client
}

// NewHTTPFetcher returns a Fetcher that calls GET /auth/public-key.
func NewHTTPFetcher(client *apiclient.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

type publicKeyResponse struct {
	PublicKey string `json:"publicKey"`
	Data      *struct {
		PublicKey string `json:"publicKey"`
	} `json:"data,omitempty"`
}

// FetchPublicKey accepts both {"publicKey": ...} and the enveloped
// {"data": {"publicKey": ...}} response bodies. An empty key is returned as
// "" with a nil error; the Cache turns that into ErrKeyUnavailable.
func (f *HTTPFetcher) FetchPublicKey(ctx context.Context) (string, error) {
	var resp publicKeyResponse
	if err := f.client.Get(apiclient.WithoutAuth(ctx), PublicKeyPath, &resp); err != nil {
		return "", fmt.Errorf("fetching public key: %w", err)
	}
	if resp.PublicKey != "" {
		return resp.PublicKey, nil
	}
	if resp.Data != nil {
		return resp.Data.PublicKey, nil
	}
	return "", nil
}
