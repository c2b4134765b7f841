package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRefresher fetches tokens from <BaseURL>/token.
type HTTPRefresher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPRefresher creates a refresher for the server at baseURL.
func NewHTTPRefresher(baseURL string) *HTTPRefresher {
	return &HTTPRefresher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenRequest struct {
	KeyID     string `json:"keyId"`
	KeySecret string `json:"keySecret"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, keyID, keySecret string) (string, error) {
	body, err := json.Marshal(tokenRequest{KeyID: keyID, KeySecret: keySecret})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	return out.Token, nil
}
