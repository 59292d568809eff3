package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// tokenSource yields the bearer token injected into freshly created agent
// containers.
type tokenSource interface {
	FetchToken(ctx context.Context) (string, error)
}

// authClient requests an auth token from the external gateway auth
// service on behalf of the sandbox being created.
type authClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newAuthClient(baseURL, apiKey string) *authClient {
	return &authClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *authClient) FetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth", nil)
	if err != nil {
		return "", fmt.Errorf("building auth request: %w", err)
	}
	req.Header.Set("X-USER-ID", "user")
	req.Header.Set("X-Gateway-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting auth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding auth response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("auth service response missing token field")
	}
	return payload.Token, nil
}
